package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the compilation engine. A Metrics
// created with collection disabled, or a nil *Metrics, accepts every call and
// records nothing.
type Metrics struct {
	config MetricsConfig

	// Compile pass metrics
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec

	// Unit metrics
	unitsCompiled *prometheus.CounterVec
	unitFailures  *prometheus.CounterVec

	// Value and module lifecycle metrics
	valueSwaps      prometheus.Counter
	modulesReleased prometheus.Counter
	pendingRelease  prometheus.Gauge

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

		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compile_passes_total",
				Help:      "Total number of surface compile passes",
			},
			[]string{"surface", "status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_pass_duration_seconds",
				Help:      "Duration of surface compile passes in seconds",
				Buckets:   buckets,
			},
			[]string{"surface"},
		),

		unitsCompiled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_compiled_total",
				Help:      "Total number of runtime units compiled",
			},
			[]string{"kind"},
		),
		unitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_failures_total",
				Help:      "Total number of runtime units that failed to compile",
			},
			[]string{"kind", "class"},
		),

		valueSwaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "value_swaps_total",
				Help:      "Total number of value storages published into slots",
			},
		),
		modulesReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_released_total",
				Help:      "Total number of retired modules released",
			},
		),
		pendingRelease: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_pending_release",
				Help:      "Current number of retired modules waiting to be released",
			},
		),
	}

	registry.MustRegister(
		m.passes,
		m.passDuration,
		m.unitsCompiled,
		m.unitFailures,
		m.valueSwaps,
		m.modulesReleased,
		m.pendingRelease,
	)

	return m, nil
}

// RecordCompilePass records a finished compile pass of a surface.
func (m *Metrics) RecordCompilePass(surface, status string, duration time.Duration) {
	if m == nil || m.passes == nil {
		return
	}
	m.passes.WithLabelValues(surface, status).Inc()
	m.passDuration.WithLabelValues(surface).Observe(duration.Seconds())
}

// RecordUnitCompiled records a successfully compiled unit.
func (m *Metrics) RecordUnitCompiled(kind string) {
	if m == nil || m.unitsCompiled == nil {
		return
	}
	m.unitsCompiled.WithLabelValues(kind).Inc()
}

// RecordUnitFailure records a unit that failed to compile.
func (m *Metrics) RecordUnitFailure(kind, class string) {
	if m == nil || m.unitFailures == nil {
		return
	}
	m.unitFailures.WithLabelValues(kind, class).Inc()
}

// RecordValueSwap records a storage published into a value slot.
func (m *Metrics) RecordValueSwap() {
	if m == nil || m.valueSwaps == nil {
		return
	}
	m.valueSwaps.Inc()
}

// RecordModulesReleased records retired modules that were released.
func (m *Metrics) RecordModulesReleased(n int) {
	if m == nil || m.modulesReleased == nil || n == 0 {
		return
	}
	m.modulesReleased.Add(float64(n))
}

// SetPendingRelease sets the number of retired modules awaiting release.
func (m *Metrics) SetPendingRelease(n int) {
	if m == nil || m.pendingRelease == nil {
		return
	}
	m.pendingRelease.Set(float64(n))
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. An empty addr
// falls back to the configured listen address.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || !m.config.Enabled {
		return nil
	}
	if addr == "" {
		addr = m.config.ListenAddress
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
