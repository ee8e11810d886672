// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics tracks turn and tool-call outcomes for production monitoring.
// A nil receiver is valid and records nothing, so callers can wire metrics
// unconditionally.
type RunMetrics struct {
	turnCounter     metric.Int64Counter
	turnDuration    metric.Float64Histogram
	toolCallCounter metric.Int64Counter
}

// NewRunMetrics creates the runtime metric instruments on the global meter.
func NewRunMetrics() (*RunMetrics, error) {
	meter := otel.Meter("loom/engine")

	turnCounter, err := meter.Int64Counter(
		"loom.turns.total",
		metric.WithDescription("Completed turns by finish reason"),
	)
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram(
		"loom.turns.duration",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	toolCallCounter, err := meter.Int64Counter(
		"loom.tool_calls.total",
		metric.WithDescription("Tool invocations by tool name and outcome"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		turnCounter:     turnCounter,
		turnDuration:    turnDuration,
		toolCallCounter: toolCallCounter,
	}, nil
}

// RecordTurn records one completed turn and its duration.
func (m *RunMetrics) RecordTurn(ctx context.Context, reason string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.turnCounter.Add(ctx, 1, attrs)
	m.turnDuration.Record(ctx, seconds, attrs)
}

// RecordToolCall records one tool invocation outcome.
func (m *RunMetrics) RecordToolCall(ctx context.Context, tool string, success bool) {
	if m == nil {
		return
	}
	m.toolCallCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.Bool("success", success),
		),
	)
}
