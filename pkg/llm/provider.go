// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm defines the model provider abstraction used by the execution
// engine. A provider accepts an arbitrary tool catalog per call; no
// pre-registration is required.
package llm

import "context"

// Role identifies who authored a message in the transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolType discriminates tool declarations; function tools are the only
// kind currently spoken.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
)

// FunctionDef describes a callable function: its name, a model-facing
// description, and a JSON Schema for its parameters.
type FunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters"`
}

// Tool is one entry in the per-request tool catalog.
type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionCall carries the target function name and its arguments as the
// raw JSON string the model produced.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one transcript entry. ToolCallID links a RoleTool message back
// to the call it answers.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is a complete model call: transcript, tool catalog, and
// sampling knobs. Zero-valued knobs defer to provider defaults.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the assembled result of a non-streaming call.
type ChatResponse struct {
	Content      string       `json:"content"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        Usage        `json:"usage"`
}

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinishReason explains why the model stopped producing output.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// StreamChunk is one element of a streamed completion: a text fragment, the
// final chunk carrying fully-assembled tool calls plus the finish reason, or
// a provider error terminating the stream.
type StreamChunk struct {
	Content   string
	ToolCalls []ToolCall
	Done      bool
	Finish    FinishReason
	Usage     *Usage
	Err       error
}

// Provider defines the interface for interacting with LLM backends.
type Provider interface {
	// Chat sends a chat request to the LLM and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a chat request and streams the response. The
	// returned channel is closed after a Done or Err chunk. Providers must
	// deliver fragments in order and stop promptly when ctx is canceled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}
