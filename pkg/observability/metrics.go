package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig enables the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Metrics records orchestration-level measurements.
type Metrics interface {
	RecordTurn(ctx context.Context, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	Handler() http.Handler
}

var (
	globalMetrics Metrics = NoopMetrics{}
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics swaps the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// PrometheusMetrics exports measurements through the otel Prometheus bridge.
type PrometheusMetrics struct {
	turnDuration    metric.Float64Histogram
	turnsTotal      metric.Int64Counter
	turnErrors      metric.Int64Counter
	turnTokens      metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	modelDuration   metric.Float64Histogram
	modelInTokens   metric.Int64Counter
	modelOutTokens  metric.Int64Counter
	modelCallErrors metric.Int64Counter
}

// InitMetrics builds the Prometheus-backed recorder. Disabled config yields
// a NoopMetrics.
func InitMetrics(_ context.Context, cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("jaato")

	m := &PrometheusMetrics{}
	for _, inst := range []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.turnDuration, "jaato_turn_duration_seconds", "Full turn duration in seconds"},
		{&m.toolDuration, "jaato_tool_execution_duration_seconds", "Tool execution duration in seconds"},
		{&m.modelDuration, "jaato_model_request_duration_seconds", "Model request duration in seconds"},
	} {
		*inst.dst, err = meter.Float64Histogram(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", inst.name, err)
		}
	}
	for _, inst := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.turnsTotal, "jaato_turns_total", "Total completed turns"},
		{&m.turnErrors, "jaato_turn_errors_total", "Total turns ending in error"},
		{&m.turnTokens, "jaato_turn_tokens_total", "Total tokens consumed by turns"},
		{&m.toolCalls, "jaato_tool_calls_total", "Total tool calls"},
		{&m.toolErrors, "jaato_tool_errors_total", "Total tool call errors"},
		{&m.modelInTokens, "jaato_model_tokens_input_total", "Total input tokens sent to the model"},
		{&m.modelOutTokens, "jaato_model_tokens_output_total", "Total output tokens from the model"},
		{&m.modelCallErrors, "jaato_model_errors_total", "Total model call errors"},
	} {
		*inst.dst, err = meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", inst.name, err)
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordTurn(ctx context.Context, duration time.Duration, tokens int, err error) {
	m.turnDuration.Record(ctx, duration.Seconds())
	m.turnsTotal.Add(ctx, 1)
	if tokens > 0 {
		m.turnTokens.Add(ctx, int64(tokens))
	}
	if err != nil {
		m.turnErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.modelDuration.Record(ctx, duration.Seconds(), attrs)
	m.modelInTokens.Add(ctx, int64(inputTokens), attrs)
	m.modelOutTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.modelCallErrors.Add(ctx, 1, attrs)
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordTurn(context.Context, time.Duration, int, error) {}
func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {
}
func (NoopMetrics) RecordModelCall(context.Context, string, time.Duration, int, int, error) {
}

// Handler reports that metrics are disabled.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
