package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config groups tracing and metrics settings.
type Config struct {
	Tracing TracerConfig  `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Manager owns the tracer provider and metrics recorder for one process.
type Manager struct {
	mu             sync.RWMutex
	config         Config
	tracerProvider trace.TracerProvider
	metrics        Metrics
	metricsServer  *http.Server
}

// NewManager builds an uninitialized manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config:         cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        NoopMetrics{},
	}
}

// NoopManager returns a manager with everything disabled.
func NoopManager() *Manager {
	return NewManager(Config{})
}

// Initialize starts the configured exporters. When metrics are enabled a
// scrape server is started on the configured address.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(ctx, m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	SetGlobalMetrics(metrics)

	if m.config.Metrics.Enabled && m.config.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		m.metricsServer = &http.Server{Addr: m.config.Metrics.Addr, Handler: mux}
		go func() {
			if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

// Tracer returns a named tracer from the managed provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the managed recorder, never nil.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics == nil {
		return NoopMetrics{}
	}
	return m.metrics
}

// Shutdown flushes spans and stops the scrape server.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		m.metricsServer = nil
	}
	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := sd.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
