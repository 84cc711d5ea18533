// Package metrics provides Prometheus metrics collection for the
// autocapture engine.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autocapture/engine/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for the running engine instance.
type Metrics struct {
	// Capture pipeline
	CaptureFramesTotal    *prometheus.CounterVec
	CaptureDropsTotal     *prometheus.CounterVec
	SegmentsSealedTotal   prometheus.Counter
	SegmentEncodeDuration *prometheus.HistogramVec

	// Governor / scheduler
	GovernorModeTotal       *prometheus.CounterVec
	SchedulerLeaseGrantedMs prometheus.Counter
	SchedulerJobsTotal      *prometheus.CounterVec

	// Indexing / retrieval
	IndexMutationsTotal  *prometheus.CounterVec
	RetrievalTierTotal   *prometheus.CounterVec
	RetrievalQueryLatency prometheus.Histogram

	// Sanitizer
	SanitizerTokensTotal *prometheus.CounterVec

	// Errors
	ErrorsTotal *prometheus.CounterVec

	// Engine health
	EngineUptime prometheus.Gauge
	EngineInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CaptureFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_frames_total",
				Help: "Total number of frames admitted by the capture pipeline",
			},
			[]string{"stage"},
		),
		CaptureDropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_drops_total",
				Help: "Total number of frames dropped by the capture pipeline",
			},
			[]string{"stage", "policy"},
		),
		SegmentsSealedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_segments_sealed_total",
				Help: "Total number of segments sealed",
			},
		),
		SegmentEncodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capture_segment_encode_duration_seconds",
				Help:    "Segment encode duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"container_type"},
		),
		GovernorModeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_mode_total",
				Help: "Total number of Governor mode decisions",
			},
			[]string{"mode", "reason"},
		),
		SchedulerLeaseGrantedMs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "scheduler_lease_granted_ms_total",
				Help: "Total milliseconds granted by the Scheduler's lease budget",
			},
		),
		SchedulerJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scheduler_jobs_total",
				Help: "Total number of scheduler job outcomes",
			},
			[]string{"outcome"}, // completed|deferred|preempted|routed
		),
		IndexMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_mutations_total",
				Help: "Total number of index mutations",
			},
			[]string{"index"},
		),
		RetrievalTierTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrieval_tier_total",
				Help: "Total number of queries resolved at each retrieval tier",
			},
			[]string{"tier"}, // FAST|FUSION|RERANK
		),
		RetrievalQueryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_query_duration_seconds",
				Help:    "Retrieval query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		SanitizerTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanitizer_tokens_total",
				Help: "Total number of PII tokens substituted",
			},
			[]string{"entity_type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by kind",
			},
			[]string{"kind", "operation"},
		),
		EngineUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		EngineInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_info",
				Help: "Engine build/run information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.CaptureFramesTotal,
			m.CaptureDropsTotal,
			m.SegmentsSealedTotal,
			m.SegmentEncodeDuration,
			m.GovernorModeTotal,
			m.SchedulerLeaseGrantedMs,
			m.SchedulerJobsTotal,
			m.IndexMutationsTotal,
			m.RetrievalTierTotal,
			m.RetrievalQueryLatency,
			m.SanitizerTokensTotal,
			m.ErrorsTotal,
			m.EngineUptime,
			m.EngineInfo,
		)
	}

	m.EngineInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordCaptureFrame records a frame admitted at a pipeline stage.
func (m *Metrics) RecordCaptureFrame(stage string) {
	m.CaptureFramesTotal.WithLabelValues(stage).Inc()
}

// RecordCaptureDrop records a dropped frame and the drop policy responsible.
func (m *Metrics) RecordCaptureDrop(stage, policy string) {
	m.CaptureDropsTotal.WithLabelValues(stage, policy).Inc()
}

// RecordSegmentSealed records a successfully sealed segment.
func (m *Metrics) RecordSegmentSealed(containerType string, encodeDuration time.Duration) {
	m.SegmentsSealedTotal.Inc()
	m.SegmentEncodeDuration.WithLabelValues(containerType).Observe(encodeDuration.Seconds())
}

// RecordGovernorMode records a mode decision and its reason.
func (m *Metrics) RecordGovernorMode(mode, reason string) {
	m.GovernorModeTotal.WithLabelValues(mode, reason).Inc()
}

// RecordLeaseGranted records milliseconds granted from the rolling budget.
func (m *Metrics) RecordLeaseGranted(grantedMs int64) {
	m.SchedulerLeaseGrantedMs.Add(float64(grantedMs))
}

// RecordSchedulerJob records a job outcome.
func (m *Metrics) RecordSchedulerJob(outcome string) {
	m.SchedulerJobsTotal.WithLabelValues(outcome).Inc()
}

// RecordIndexMutation records a successful index mutation.
func (m *Metrics) RecordIndexMutation(index string) {
	m.IndexMutationsTotal.WithLabelValues(index).Inc()
}

// RecordRetrieval records the tier a query resolved at and its latency.
func (m *Metrics) RecordRetrieval(tier string, duration time.Duration) {
	m.RetrievalTierTotal.WithLabelValues(tier).Inc()
	m.RetrievalQueryLatency.Observe(duration.Seconds())
}

// RecordSanitizerToken records a PII substitution by entity type.
func (m *Metrics) RecordSanitizerToken(entityType string) {
	m.SanitizerTokensTotal.WithLabelValues(entityType).Inc()
}

// RecordError records an error by kind and operation.
func (m *Metrics) RecordError(kind, operation string) {
	m.ErrorsTotal.WithLabelValues(kind, operation).Inc()
}

// UpdateUptime updates the engine uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.EngineUptime.Set(time.Since(startTime).Seconds())
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production (safe mode): disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("autocapture")
	}
	return globalMetrics
}
