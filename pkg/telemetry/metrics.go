package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for evaluation passes. A Metrics
// created with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   prometheus.Counter
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	activePasses    prometheus.Gauge

	// Block metrics
	blocksEvaluated *prometheus.CounterVec
	blockDuration   *prometheus.HistogramVec
	invocations     prometheus.Counter
	cacheHits       prometheus.Counter
	blocks          prometheus.Gauge

	// Document metrics
	documentErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of evaluation passes started",
			},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of evaluation passes finished, by status",
			},
			[]string{"status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of evaluation passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Number of evaluation passes in progress",
			},
		),

		blocksEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_evaluated_total",
				Help:      "Total number of block results, by state and cache use",
			},
			[]string{"state", "cached"},
		),
		blockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_duration_seconds",
				Help:      "Time to produce a block result in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		invocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_invocations_total",
				Help:      "Total number of script executions",
			},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of block results reused from the cache",
			},
		),
		blocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocks",
				Help:      "Number of blocks in the last completed pass",
			},
		),

		documentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_errors_total",
				Help:      "Total number of documents that failed to load, by reason",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.activePasses,
		m.blocksEvaluated,
		m.blockDuration,
		m.invocations,
		m.cacheHits,
		m.blocks,
		m.documentErrors,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted counts a started pass.
func (m *Metrics) RecordPassStarted() {
	if m.passesStarted == nil {
		return
	}
	m.passesStarted.Inc()
	m.activePasses.Inc()
}

// RecordPassCompleted records a finished pass with its status, duration,
// script invocations and cache hits.
func (m *Metrics) RecordPassCompleted(status string, duration time.Duration, invocations, hits int) {
	if m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(status).Inc()
	m.passDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.invocations.Add(float64(invocations))
	m.cacheHits.Add(float64(hits))
	m.activePasses.Dec()
}

// Block Metrics

// RecordBlockEvaluated records one block result.
func (m *Metrics) RecordBlockEvaluated(state string, cached bool, duration time.Duration) {
	if m.blocksEvaluated == nil {
		return
	}
	m.blocksEvaluated.WithLabelValues(state, strconv.FormatBool(cached)).Inc()
	m.blockDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// SetBlockCount sets the number of blocks in the last pass.
func (m *Metrics) SetBlockCount(count float64) {
	if m.blocks == nil {
		return
	}
	m.blocks.Set(count)
}

// Document Metrics

// RecordDocumentError counts a document that failed to load.
func (m *Metrics) RecordDocumentError(reason string) {
	if m.documentErrors == nil {
		return
	}
	m.documentErrors.WithLabelValues(reason).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics until ctx is done. It returns
// immediately; listener errors are logged.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return nil
}
