package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"attribution_report_to": "reporter.example",
	})
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "aws", cfg.Backend.Provider)
	assert.Equal(t, "static", cfg.KeyManagement.Provider)
	assert.Equal(t, 10.0, cfg.Job.ReportErrorThresholdPercentage)
	assert.False(t, cfg.Job.DebugRun)
}

func TestLoad_MissingAttributionReportTo(t *testing.T) {
	_, err := Load("", map[string]string{})
	require.Error(t, err)
	var invalid *InvalidJobError
	require.ErrorAs(t, err, &invalid)
}

func TestLoad_DebugPrivacyEpsilonValidation(t *testing.T) {
	_, err := Load("", map[string]string{
		"attribution_report_to": "reporter.example",
		"debug_privacy_epsilon": "-1",
	})
	require.Error(t, err)

	cfgMalformed, err := Load("", map[string]string{
		"attribution_report_to": "reporter.example",
		"debug_privacy_epsilon": "not-a-number",
	})
	require.NoError(t, err)
	assert.Nil(t, cfgMalformed.Job.DebugPrivacyEpsilon)
	assert.Equal(t, 10.0, cfgMalformed.Job.Epsilon)

	cfg, err := Load("", map[string]string{
		"attribution_report_to": "reporter.example",
		"debug_privacy_epsilon": "2.5",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Job.DebugPrivacyEpsilon)
	assert.Equal(t, 2.5, *cfg.Job.DebugPrivacyEpsilon)
}

func TestLoad_OutputDomainPairing(t *testing.T) {
	_, err := Load("", map[string]string{
		"attribution_report_to":    "reporter.example",
		"output_domain_bucket_name": "domain-bucket",
	})
	require.Error(t, err)
}

func TestLoad_ReportErrorThresholdOutOfRange(t *testing.T) {
	_, err := Load("", map[string]string{
		"attribution_report_to":             "reporter.example",
		"report_error_threshold_percentage": "150",
	})
	require.Error(t, err)
}
