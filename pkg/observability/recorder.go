package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordTransition(ctx context.Context, from, to string, duration time.Duration)
	RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, retries int, err error)
	RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordEventDropped(ctx context.Context, eventType string)
	RecordCheckpointSave(ctx context.Context, backend string, err error)
}

type PrometheusMetrics struct {
	transitions        metric.Int64Counter
	transitionDuration metric.Float64Histogram

	toolCallsTotal   metric.Int64Counter
	toolRetriesTotal metric.Int64Counter
	toolErrorsTotal  metric.Int64Counter
	toolDuration     metric.Float64Histogram

	modelDuration     metric.Float64Histogram
	modelInputTokens  metric.Int64Counter
	modelOutputTokens metric.Int64Counter
	modelErrorsTotal  metric.Int64Counter

	eventsDropped    metric.Int64Counter
	checkpointSaves  metric.Int64Counter
	checkpointErrors metric.Int64Counter
}

func (m *PrometheusMetrics) RecordTransition(ctx context.Context, from, to string, duration time.Duration) {
	if m == nil || m.transitions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("from", from),
		attribute.String("to", to),
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.transitionDuration != nil {
		m.transitionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("to", to)))
	}
}

func (m *PrometheusMetrics) RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, retries int, err error) {
	if m == nil || m.toolDuration == nil || m.toolCallsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
	}

	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.toolCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if retries > 0 && m.toolRetriesTotal != nil {
		m.toolRetriesTotal.Add(ctx, int64(retries), metric.WithAttributes(attrs...))
	}

	if err != nil && m.toolErrorsTotal != nil {
		m.toolErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordModelCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.modelDuration == nil || m.modelInputTokens == nil || m.modelOutputTokens == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.modelDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.modelInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.modelOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.modelErrorsTotal != nil {
		m.modelErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	if m == nil || m.eventsDropped == nil {
		return
	}

	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *PrometheusMetrics) RecordCheckpointSave(ctx context.Context, backend string, err error) {
	if m == nil || m.checkpointSaves == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
	}

	m.checkpointSaves.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.checkpointErrors != nil {
		m.checkpointErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
