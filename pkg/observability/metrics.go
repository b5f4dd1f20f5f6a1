package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("priam")

	transitions, err := meter.Int64Counter(
		"priam_session_transitions_total",
		metric.WithDescription("Total session state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	transitionDuration, err := meter.Float64Histogram(
		"priam_transition_duration_seconds",
		metric.WithDescription("Session state transition duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transition duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"priam_tool_invocations_total",
		metric.WithDescription("Total tool invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolRetries, err := meter.Int64Counter(
		"priam_tool_retries_total",
		metric.WithDescription("Total tool invocation retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool retries counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"priam_tool_errors_total",
		metric.WithDescription("Total tool invocation errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"priam_tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	modelDuration, err := meter.Float64Histogram(
		"priam_model_request_duration_seconds",
		metric.WithDescription("Model request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model duration histogram: %w", err)
	}

	modelInputTokens, err := meter.Int64Counter(
		"priam_model_tokens_input_total",
		metric.WithDescription("Total input tokens sent to models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model input tokens counter: %w", err)
	}

	modelOutputTokens, err := meter.Int64Counter(
		"priam_model_tokens_output_total",
		metric.WithDescription("Total output tokens from models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model output tokens counter: %w", err)
	}

	modelErrors, err := meter.Int64Counter(
		"priam_model_errors_total",
		metric.WithDescription("Total model request errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model errors counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"priam_events_dropped_total",
		metric.WithDescription("Total events dropped from full session buses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events dropped counter: %w", err)
	}

	checkpointSaves, err := meter.Int64Counter(
		"priam_checkpoint_saves_total",
		metric.WithDescription("Total checkpoint saves"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint saves counter: %w", err)
	}

	checkpointErrors, err := meter.Int64Counter(
		"priam_checkpoint_errors_total",
		metric.WithDescription("Total checkpoint save errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint errors counter: %w", err)
	}

	return &PrometheusMetrics{
		transitions:        transitions,
		transitionDuration: transitionDuration,
		toolCallsTotal:     toolCalls,
		toolRetriesTotal:   toolRetries,
		toolErrorsTotal:    toolErrors,
		toolDuration:       toolDuration,
		modelDuration:      modelDuration,
		modelInputTokens:   modelInputTokens,
		modelOutputTokens:  modelOutputTokens,
		modelErrorsTotal:   modelErrors,
		eventsDropped:      eventsDropped,
		checkpointSaves:    checkpointSaves,
		checkpointErrors:   checkpointErrors,
	}, nil
}
