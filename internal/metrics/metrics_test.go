package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_CollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableReportingOriginLabel: true})
	require.NotNil(t, m)
	require.NotNil(t, m.shardsRead)
	require.NotNil(t, m.reportsDecrypted)
	require.NotNil(t, m.jobsTotal)
}

func TestMetrics_RecordReportOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReportOutcome(context.Background(), "accepted")
	m.RecordReportOutcome(context.Background(), "accepted")
	m.RecordReportOutcome(context.Background(), "decryption_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.reportsDecrypted.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportsDecrypted.WithLabelValues("decryption_error")))
}

func TestMetrics_RecordBudgetOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBudgetOutcome(3, 1, false)
	m.RecordBudgetOutcome(0, 0, true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.budgetUnitsConsumed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetExhausted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetCacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetCacheMisses))
}

func TestMetrics_RecordJobCompletion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordJobCompletion("SUCCESS", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsTotal.WithLabelValues("SUCCESS")))
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableReportingOriginLabel: true})

	m.RecordShardRead(context.Background(), "reports", 10*time.Millisecond, nil)
	m.RecordJobCompletion("SUCCESS", time.Second)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	for _, name := range []string{"shards_read_total", "jobs_total"} {
		assert.True(t, strings.Contains(body, name), "expected body to contain %q", name)
	}
}
