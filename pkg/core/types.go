// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package core defines the shared data model of the Loom runtime: agent
// profiles, conversation messages, tool invocations, and the stream events
// emitted by the execution engine.
package core

import (
	"context"
	"time"

	"github.com/loomlabs/loom/pkg/schema"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool-result"
)

// ConversationMessage is one entry in a session's append-only history.
// The engine never mutates history it did not just produce; ownership of
// emitted messages transfers to the caller.
type ConversationMessage struct {
	ID        string                 `json:"id"`
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	ToolCalls []ToolInvocationRequest `json:"tool_calls,omitempty"`
	Results   []ToolInvocationResult  `json:"tool_results,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ToolInvocationRequest is a tool call produced by the model. The invocation
// id is unique within a turn so results can be correlated.
type ToolInvocationRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolInvocationResult is the outcome of exactly one invocation request.
// A request that never resolves still produces a result carrying a failure.
type ToolInvocationResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Capability describes a single invocable operation: a name unique within
// the assembled catalog, a human description, and a typed input shape.
type Capability struct {
	Name        string
	Description string
	Input       *schema.Object
	Server      string
}

// SkillReference points at a skill enabled for an agent. Resolution tries the
// stored path first and falls back to lookup by id.
type SkillReference struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// ServerReference enables an external tool server for an agent, with an
// optional allow-list of capability names.
type ServerReference struct {
	ID    string   `json:"id"`
	Allow []string `json:"allow,omitempty"`
}

// ToolConfiguration selects the tools available to an agent.
type ToolConfiguration struct {
	Builtins []string          `json:"builtins,omitempty"`
	Servers  []ServerReference `json:"servers,omitempty"`
}

// ModelParams carries the model-selection parameters of a profile.
type ModelParams struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	MaxToolCalls int     `json:"max_tool_calls,omitempty"`
}

// AgentProfile is the configured persona driving an execution. It is
// immutable once loaded; the engine holds a read-only snapshot for the
// duration of one turn loop.
type AgentProfile struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	PromptPath   string            `json:"prompt_path,omitempty"`
	Skills       []SkillReference  `json:"skills,omitempty"`
	Tools        ToolConfiguration `json:"tools"`
	Model        ModelParams       `json:"model"`
}

// Tool is an invocable capability available to the engine without going
// through an external server.
type Tool interface {
	Name() string
	Capability() Capability
	Call(ctx context.Context, args map[string]any) (any, error)
}
