package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableReportingOriginLabel bool
}

// Metrics holds every Prometheus series emitted by the worker process.
type Metrics struct {
	config Config

	shardsRead        *prometheus.CounterVec
	shardReadDuration *prometheus.HistogramVec
	shardReadErrors   *prometheus.CounterVec

	reportsDecrypted  *prometheus.CounterVec
	decryptDuration   prometheus.Histogram
	reportErrors      *prometheus.CounterVec

	bucketsAccepted  prometheus.Counter
	domainJoinResult *prometheus.CounterVec

	budgetUnitsConsumed prometheus.Counter
	budgetExhausted     prometheus.Counter
	budgetCacheHits     prometheus.Counter
	budgetCacheMisses   prometheus.Counter

	resultWriteDuration *prometheus.HistogramVec
	resultWriteErrors   *prometheus.CounterVec

	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableReportingOriginLabel: true})
}

// NewMetricsWithConfig creates a metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a metrics instance against a caller-supplied
// registry, used by tests to avoid collector-registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableReportingOriginLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		shardsRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shards_read_total",
				Help: "Total number of input shards read.",
			},
			[]string{"kind"}, // "reports" or "domain"
		),
		shardReadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shard_read_duration_seconds",
				Help:    "Time spent reading and decoding one shard.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		shardReadErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shard_read_errors_total",
				Help: "Total number of shard read/decode failures.",
			},
			[]string{"kind"},
		),
		reportsDecrypted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reports_processed_total",
				Help: "Total number of reports processed, by outcome.",
			},
			[]string{"outcome"}, // "accepted", or the per-report ErrorCounter name (e.g. "DECRYPTION_ERROR")
		),
		decryptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "report_decrypt_duration_seconds",
				Help:    "Per-report hybrid decryption latency.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),
		reportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_errors_total",
				Help: "Per-report errors by validator counter name.",
			},
			[]string{"counter"},
		),
		bucketsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregation_buckets_accepted_total",
				Help: "Total number of bucket contributions accepted into the aggregation engine.",
			},
		),
		domainJoinResult: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "domain_join_buckets_total",
				Help: "Bucket counts after the domain join, by membership class.",
			},
			[]string{"class"}, // "both", "reports_only", "domain_only"
		),
		budgetUnitsConsumed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_budget_units_consumed_total",
				Help: "Total privacy budget units submitted to the ledger bridge.",
			},
		),
		budgetExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_budget_units_exhausted_total",
				Help: "Total privacy budget units the ledger reported as already exhausted.",
			},
		),
		budgetCacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_budget_idempotency_cache_hits_total",
				Help: "Budget bridge lookups resolved from the idempotency cache without calling the ledger.",
			},
		),
		budgetCacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_budget_idempotency_cache_misses_total",
				Help: "Budget bridge lookups that required a ledger call.",
			},
		),
		resultWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "result_write_duration_seconds",
				Help:    "Time spent encoding and uploading a result shard, including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"}, // "summary" or "debug"
		),
		resultWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "result_write_errors_total",
				Help: "Total number of result shard write failures, after exhausting retries.",
			},
			[]string{"kind"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Total number of jobs processed, by return code.",
			},
			[]string{"return_code"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "End-to-end job duration, by return code.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"return_code"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines.",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed.",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from the OS.",
			},
		),
	}
}

// RecordShardRead records one shard having been read, successfully or not.
func (m *Metrics) RecordShardRead(ctx context.Context, kind string, duration time.Duration, err error) {
	if err != nil {
		m.shardReadErrors.WithLabelValues(kind).Inc()
		return
	}
	m.incCounter(ctx, m.shardsRead.WithLabelValues(kind))
	m.observeHistogram(ctx, m.shardReadDuration.WithLabelValues(kind), duration.Seconds())
}

// RecordReportOutcome tallies one processed report by outcome class.
func (m *Metrics) RecordReportOutcome(ctx context.Context, outcome string) {
	m.incCounter(ctx, m.reportsDecrypted.WithLabelValues(outcome))
}

// RecordDecryptDuration observes one hybrid decrypt call's latency.
func (m *Metrics) RecordDecryptDuration(d time.Duration) {
	m.decryptDuration.Observe(d.Seconds())
}

// RecordReportError increments the named per-report error counter.
func (m *Metrics) RecordReportError(counter string) {
	m.reportErrors.WithLabelValues(counter).Inc()
}

// RecordBucketsAccepted adds n bucket contributions to the running total.
func (m *Metrics) RecordBucketsAccepted(n int) {
	m.bucketsAccepted.Add(float64(n))
}

// RecordDomainJoin tallies the bucket membership classes produced by the
// domain join stage.
func (m *Metrics) RecordDomainJoin(class string, n int) {
	m.domainJoinResult.WithLabelValues(class).Add(float64(n))
}

// RecordBudgetOutcome tallies one budget bridge resolution.
func (m *Metrics) RecordBudgetOutcome(consumed, exhausted int, cacheHit bool) {
	m.budgetUnitsConsumed.Add(float64(consumed))
	m.budgetExhausted.Add(float64(exhausted))
	if cacheHit {
		m.budgetCacheHits.Inc()
	} else {
		m.budgetCacheMisses.Inc()
	}
}

// RecordResultWrite records the outcome of one result shard write.
func (m *Metrics) RecordResultWrite(kind string, duration time.Duration, err error) {
	m.resultWriteDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if err != nil {
		m.resultWriteErrors.WithLabelValues(kind).Inc()
	}
}

// RecordJobCompletion records the terminal outcome of a job run.
func (m *Metrics) RecordJobCompletion(returnCode string, duration time.Duration) {
	m.jobsTotal.WithLabelValues(returnCode).Inc()
	m.jobDuration.WithLabelValues(returnCode).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes goroutine and memory gauges.
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a background goroutine that refreshes
// system metrics every 5 seconds until ctx is cancelled.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) incCounter(ctx context.Context, c prometheus.Counter) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := c.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	c.Inc()
}

func (m *Metrics) observeHistogram(ctx context.Context, h prometheus.Observer, v float64) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := h.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(v, exemplar)
			return
		}
	}
	h.Observe(v)
}

// getExemplar extracts the active trace ID from ctx for exemplar attachment.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
