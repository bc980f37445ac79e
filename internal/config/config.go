// Package config loads job and environment configuration from flags, a YAML
// file, and environment variables, following the teacher's layered viper
// setup.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig describes the S3-compatible blob store backend used for
// report shards, domain shards, and result output.
type BackendConfig struct {
	Provider  string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// HardwareConfig toggles hardware-accelerated AEAD selection during
// decryption.
type HardwareConfig struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// AuditSinkConfig configures where job audit events are written.
type AuditSinkConfig struct {
	Type          string // "stdout", "file", "http"
	Endpoint      string
	Headers       map[string]string
	FilePath      string
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// AuditConfig controls the job audit trail.
type AuditConfig struct {
	Enabled             bool
	Sink                AuditSinkConfig
	MaxEvents           int
	RedactMetadataKeys  []string
}

// PrivacyBudgetConfig configures the budget bridge's HTTP ledger client and
// idempotency cache.
type PrivacyBudgetConfig struct {
	LedgerEndpoint string
	RedisAddr      string
	RedisPassword  string
	IdempotencyTTL time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
}

// KeyManagementConfig selects and configures the KeyManager implementation
// used by the decryptor.
type KeyManagementConfig struct {
	Provider       string // "kmip" or "static"
	KMIPEndpoint   string
	KMIPCAPEM      string
	PrivateKeyDir  string
	DualReadWindow int
}

// PoolConfig sizes the two bounded worker pools described by the
// concurrency model.
type PoolConfig struct {
	BlockingPoolSize    int
	NonBlockingPoolSize int
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled  bool
	Exporter string // "otlp" or "stdout"
	OTLPAddr string
}

// OpsConfig configures the operational HTTP surface exposed while a job
// runs.
type OpsConfig struct {
	ListenAddr string
}

// JobParams are the caller-supplied job parameters from spec §6, merged
// on top of everything else loaded by Load.
type JobParams struct {
	AttributionReportTo           string
	InputBucket                   string
	InputPrefix                   string
	OutputDomainBucketName        string
	OutputDomainBlobPrefix        string
	OutputBucket                  string
	OutputPrefix                  string
	DebugRun                      bool
	DebugPrivacyEpsilon           *float64
	ReportErrorThresholdPercentage float64
	Epsilon                       float64
	Delta                         float64
	L1Sensitivity                 float64
	Distribution                  string // "laplace" or "gaussian"
	DomainOptional                bool
	ThresholdingEnabled           bool
}

// Config is the fully resolved configuration for one job invocation.
type Config struct {
	JobID         string
	Backend       BackendConfig
	Hardware      HardwareConfig
	Audit         AuditConfig
	PrivacyBudget PrivacyBudgetConfig
	KeyManagement KeyManagementConfig
	Pool          PoolConfig
	Tracing       TracingConfig
	Ops           OpsConfig
	LogLevel      string
	SupportedReportMajorVersion string
	Job           JobParams
}

// Load reads configuration from an optional YAML file and environment
// variables (prefix AGGWORKER_), then overlays the supplied job parameter
// map (spec §6) on top.
func Load(configFile string, jobParams map[string]string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGGWORKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		JobID: v.GetString("job_id"),
		Backend: BackendConfig{
			Provider:  v.GetString("backend.provider"),
			Region:    v.GetString("backend.region"),
			Endpoint:  v.GetString("backend.endpoint"),
			AccessKey: v.GetString("backend.access_key"),
			SecretKey: v.GetString("backend.secret_key"),
		},
		Hardware: HardwareConfig{
			EnableAESNI:    v.GetBool("hardware.enable_aesni"),
			EnableARMv8AES: v.GetBool("hardware.enable_armv8_aes"),
		},
		Audit: AuditConfig{
			Enabled: v.GetBool("audit.enabled"),
			Sink: AuditSinkConfig{
				Type:          v.GetString("audit.sink.type"),
				Endpoint:      v.GetString("audit.sink.endpoint"),
				FilePath:      v.GetString("audit.sink.file_path"),
				BatchSize:     v.GetInt("audit.sink.batch_size"),
				FlushInterval: v.GetDuration("audit.sink.flush_interval"),
				RetryCount:    v.GetInt("audit.sink.retry_count"),
				RetryBackoff:  v.GetDuration("audit.sink.retry_backoff"),
			},
			MaxEvents: v.GetInt("audit.max_events"),
		},
		PrivacyBudget: PrivacyBudgetConfig{
			LedgerEndpoint: v.GetString("privacy_budget.ledger_endpoint"),
			RedisAddr:      v.GetString("privacy_budget.redis_addr"),
			RedisPassword:  v.GetString("privacy_budget.redis_password"),
			IdempotencyTTL: v.GetDuration("privacy_budget.idempotency_ttl"),
			RequestTimeout: v.GetDuration("privacy_budget.request_timeout"),
			MaxRetries:     v.GetInt("privacy_budget.max_retries"),
		},
		KeyManagement: KeyManagementConfig{
			Provider:       v.GetString("key_management.provider"),
			KMIPEndpoint:   v.GetString("key_management.kmip_endpoint"),
			KMIPCAPEM:      v.GetString("key_management.kmip_ca_pem"),
			PrivateKeyDir:  v.GetString("key_management.private_key_dir"),
			DualReadWindow: v.GetInt("key_management.dual_read_window"),
		},
		Pool: PoolConfig{
			BlockingPoolSize:    v.GetInt("pool.blocking_size"),
			NonBlockingPoolSize: v.GetInt("pool.nonblocking_size"),
		},
		Tracing: TracingConfig{
			Enabled:  v.GetBool("tracing.enabled"),
			Exporter: v.GetString("tracing.exporter"),
			OTLPAddr: v.GetString("tracing.otlp_addr"),
		},
		Ops: OpsConfig{
			ListenAddr: v.GetString("ops.listen_addr"),
		},
		LogLevel:                    v.GetString("log_level"),
		SupportedReportMajorVersion: v.GetString("report.supported_major_version"),
	}

	if err := applyJobParams(&cfg.Job, jobParams); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("backend.provider", "aws")
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("audit.sink.batch_size", 50)
	v.SetDefault("audit.sink.flush_interval", 5*time.Second)
	v.SetDefault("audit.sink.retry_count", 3)
	v.SetDefault("audit.sink.retry_backoff", 200*time.Millisecond)
	v.SetDefault("audit.max_events", 10000)
	v.SetDefault("privacy_budget.idempotency_ttl", 24*time.Hour)
	v.SetDefault("privacy_budget.request_timeout", 10*time.Second)
	v.SetDefault("privacy_budget.max_retries", 3)
	v.SetDefault("key_management.provider", "static")
	v.SetDefault("key_management.dual_read_window", 1)
	v.SetDefault("pool.blocking_size", 0)
	v.SetDefault("pool.nonblocking_size", 0)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("ops.listen_addr", ":9090")
	v.SetDefault("report.supported_major_version", "1")
}

// applyJobParams maps the caller-supplied string map (spec §6) onto
// JobParams, validating the few parameters with defined validity rules.
func applyJobParams(p *JobParams, params map[string]string) error {
	p.AttributionReportTo = params["attribution_report_to"]
	p.InputBucket = params["input_bucket"]
	p.InputPrefix = params["input_prefix"]
	p.OutputDomainBucketName = params["output_domain_bucket_name"]
	p.OutputDomainBlobPrefix = params["output_domain_blob_prefix"]
	p.OutputBucket = params["output_bucket"]
	p.OutputPrefix = params["output_prefix"]
	p.DebugRun = params["debug_run"] == "true"

	p.Epsilon = 10.0
	p.Delta = 1e-6
	p.L1Sensitivity = 1.0
	p.Distribution = "laplace"
	p.ThresholdingEnabled = true
	p.DomainOptional = params["domain_optional"] == "true"

	if raw, ok := params["debug_privacy_epsilon"]; ok && raw != "" {
		if eps, err := strconv.ParseFloat(raw, 64); err == nil {
			const epsMax = 1000.0
			if eps <= 0 || eps > epsMax {
				return &InvalidJobError{Reason: fmt.Sprintf("debug_privacy_epsilon out of range: %v", eps)}
			}
			p.DebugPrivacyEpsilon = &eps
			p.Epsilon = eps
		}
		// A malformed (non-parsing) value is tolerated and ignored, leaving
		// the default epsilon in place.
	}

	p.ReportErrorThresholdPercentage = 10.0
	if raw, ok := params["report_error_threshold_percentage"]; ok && raw != "" {
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return &InvalidJobError{Reason: fmt.Sprintf("report_error_threshold_percentage is not numeric: %v", err)}
		}
		if pct < 0 || pct > 100 {
			return &InvalidJobError{Reason: fmt.Sprintf("report_error_threshold_percentage out of range: %v", pct)}
		}
		p.ReportErrorThresholdPercentage = pct
	}

	if p.AttributionReportTo == "" {
		return &InvalidJobError{Reason: "attribution_report_to is required"}
	}
	if (p.OutputDomainBucketName == "") != (p.OutputDomainBlobPrefix == "") {
		return &InvalidJobError{Reason: "output_domain_bucket_name and output_domain_blob_prefix must both be set or both be empty"}
	}

	return nil
}

// InvalidJobError reports a job parameter that fails validation before the
// pipeline starts (return code INVALID_JOB).
type InvalidJobError struct {
	Reason string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job: %s", e.Reason)
}
