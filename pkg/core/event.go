// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import "time"

// EventType identifies a stream event emitted during a turn.
type EventType string

const (
	EventTurnStarted      EventType = "turn.started"
	EventTextDelta        EventType = "turn.text.delta"
	EventToolCallStarted  EventType = "turn.tool.started"
	EventToolCallFinished EventType = "turn.tool.finished"
	EventTurnFinished     EventType = "turn.finished"
	EventError            EventType = "turn.error"
)

// FinishReason explains why a turn terminated.
type FinishReason string

const (
	// FinishStop means the model signaled completion.
	FinishStop FinishReason = "stop"
	// FinishToolCalls means the model requested more tool calls. Internal to
	// the loop; never the reason on a turn.finished event.
	FinishToolCalls FinishReason = "tool-calls"
	// FinishStepLimit means the configured tool-call budget was exhausted.
	FinishStepLimit FinishReason = "step-limit"
	// FinishLength means the model stopped at its output token limit.
	FinishLength FinishReason = "length"
	// FinishCanceled means the caller canceled the run.
	FinishCanceled FinishReason = "canceled"
)

// StreamEvent is one entry in the ordered event stream produced by a run.
// Exactly one payload field is set, selected by Type. The stream is finite
// and ends after a turn.finished or turn.error event.
type StreamEvent struct {
	Type      EventType `json:"type"`
	TurnID    string    `json:"turn_id"`
	Timestamp time.Time `json:"timestamp"`

	// EventTextDelta
	Delta string `json:"delta,omitempty"`

	// EventToolCallStarted
	Request *ToolInvocationRequest `json:"request,omitempty"`

	// EventToolCallFinished
	Result *ToolInvocationResult `json:"result,omitempty"`

	// EventTurnFinished
	Reason FinishReason `json:"reason,omitempty"`

	// EventError
	Err string `json:"error,omitempty"`
}

// NewStreamEvent builds an event with the current timestamp.
func NewStreamEvent(eventType EventType, turnID string) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
	}
}
