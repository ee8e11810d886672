// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the conversation execution engine: it assembles
// the system prompt and tool catalog for an agent, drives the model-call /
// tool-call loop, and emits an ordered, finite stream of events per turn.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomlabs/loom/pkg/builtin"
	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/llm"
	"github.com/loomlabs/loom/pkg/mcp"
	"github.com/loomlabs/loom/pkg/schema"
	"github.com/loomlabs/loom/pkg/skills"
	"github.com/loomlabs/loom/pkg/telemetry"
)

const (
	defaultToolCallTimeout = 30 * time.Second
	defaultMaxToolCalls    = 8
)

// Option configures an Engine.
type Option func(*Engine)

// WithToolCallTimeout bounds each tool invocation. A tool that never returns
// fails after the timeout instead of stalling the turn.
func WithToolCallTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.toolTimeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// Engine orchestrates one agent's conversation turns. It holds a read-only
// snapshot of the agent profile between Initialize and UpdateConfig; Run
// keeps no message history of its own.
type Engine struct {
	provider llm.Provider
	pool     *mcp.Manager
	builtins *builtin.Registry
	skills   *skills.Store

	toolTimeout time.Duration
	log         *slog.Logger
	tracer      trace.Tracer
	metrics     *telemetry.RunMetrics

	mu           sync.Mutex
	ready        bool
	profile      core.AgentProfile
	systemPrompt string
	activeSkills []skills.Skill
	catalog      []core.Capability
}

// New creates an engine over its collaborators. Nothing is loaded until
// Initialize.
func New(provider llm.Provider, pool *mcp.Manager, builtins *builtin.Registry, store *skills.Store, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		pool:        pool,
		builtins:    builtins,
		skills:      store,
		toolTimeout: defaultToolCallTimeout,
		log:         slog.Default(),
		tracer:      otel.Tracer("loom/engine"),
	}
	// Instrument creation only fails on a broken meter provider; run without
	// metrics in that case.
	e.metrics, _ = telemetry.NewRunMetrics()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize loads the system prompt, injects skill content, and assembles
// the combined tool catalog for the profile. It is idempotent: repeated
// calls with the same profile id reuse the cached state. An unreadable
// prompt source is a configuration error; missing skills are skipped
// silently and never fatal.
func (e *Engine) Initialize(profile core.AgentProfile) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready && e.profile.ID == profile.ID {
		return nil
	}

	prompt := profile.SystemPrompt
	if prompt == "" && profile.PromptPath != "" {
		data, err := os.ReadFile(profile.PromptPath)
		if err != nil {
			return errors.New(errors.CodeConfiguration, fmt.Sprintf("read system prompt %s", profile.PromptPath), err)
		}
		prompt = string(data)
	}

	var active []skills.Skill
	if e.skills != nil && len(profile.Skills) > 0 {
		refs := make([]skills.Ref, len(profile.Skills))
		for i, ref := range profile.Skills {
			refs[i] = skills.Ref{ID: ref.ID, Path: ref.Path}
		}
		active = e.skills.LoadForAgent(refs)
	}

	e.profile = profile
	e.systemPrompt = skills.AppendToPrompt(prompt, active)
	e.activeSkills = active
	e.catalog = e.assembleCatalog(profile)
	e.ready = true

	e.log.Info("engine.initialized",
		slog.String("agent_id", profile.ID),
		slog.Int("skills", len(active)),
		slog.Int("capabilities", len(e.catalog)),
	)
	return nil
}

// UpdateConfig invalidates cached prompt, skill, and tool state. The next
// Run requires a fresh Initialize.
func (e *Engine) UpdateConfig() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = false
	e.systemPrompt = ""
	e.activeSkills = nil
	e.catalog = nil
}

// SystemPrompt returns the assembled prompt, skill block included.
func (e *Engine) SystemPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemPrompt
}

// Catalog returns the assembled capability catalog snapshot.
func (e *Engine) Catalog() []core.Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Capability, len(e.catalog))
	copy(out, e.catalog)
	return out
}

// MatchSkills returns the active skills whose triggers match the input, in
// activation order.
func (e *Engine) MatchSkills(input string) []skills.Skill {
	e.mu.Lock()
	active := e.activeSkills
	e.mu.Unlock()
	return skills.MatchTriggers(input, active)
}

// assembleCatalog combines enabled built-in tools with the connected
// external catalog, applying per-server allow-lists. Caller holds e.mu.
func (e *Engine) assembleCatalog(profile core.AgentProfile) []core.Capability {
	var catalog []core.Capability
	if e.builtins != nil && len(profile.Tools.Builtins) > 0 {
		catalog = append(catalog, e.builtins.Capabilities(profile.Tools.Builtins)...)
	}
	if e.pool == nil || len(profile.Tools.Servers) == 0 {
		return catalog
	}

	allowed := make(map[string]map[string]bool, len(profile.Tools.Servers))
	for _, ref := range profile.Tools.Servers {
		var allow map[string]bool
		if len(ref.Allow) > 0 {
			allow = make(map[string]bool, len(ref.Allow))
			for _, name := range ref.Allow {
				allow[name] = true
			}
		}
		allowed[ref.ID] = allow
	}

	for _, cap := range e.pool.Catalog() {
		allow, ok := allowed[cap.Server]
		if !ok {
			continue
		}
		if allow != nil {
			_, bare, err := mcp.SplitName(cap.Name)
			if err != nil || !allow[bare] {
				continue
			}
		}
		catalog = append(catalog, cap)
	}
	return catalog
}

// Run executes one conversation turn over the given history and returns the
// event stream. The stream is finite, single-pass, and closed after a
// terminal event; any unrecoverable failure becomes exactly one error event.
// The caller owns persistence of whatever the stream produces.
func (e *Engine) Run(ctx context.Context, history []core.ConversationMessage) (<-chan core.StreamEvent, error) {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return nil, errors.Newf(errors.CodeConfiguration, "engine is not initialized")
	}
	profile := e.profile
	systemPrompt := e.systemPrompt
	catalog := make([]core.Capability, len(e.catalog))
	copy(catalog, e.catalog)
	e.mu.Unlock()

	events := make(chan core.StreamEvent)
	go e.runTurn(ctx, profile, systemPrompt, catalog, history, events)
	return events, nil
}

func (e *Engine) runTurn(ctx context.Context, profile core.AgentProfile, systemPrompt string, catalog []core.Capability, history []core.ConversationMessage, events chan<- core.StreamEvent) {
	defer close(events)

	turnID := uuid.NewString()
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.turn",
		trace.WithAttributes(
			attribute.String("agent.id", profile.ID),
			attribute.String("turn.id", turnID),
		),
	)
	defer span.End()

	emit := func(ev core.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		e.metrics.RecordTurn(ctx, "error", time.Since(started).Seconds())
		ev := core.NewStreamEvent(core.EventError, turnID)
		ev.Err = err.Error()
		emit(ev)
	}
	finish := func(reason core.FinishReason) {
		e.metrics.RecordTurn(ctx, string(reason), time.Since(started).Seconds())
		ev := core.NewStreamEvent(core.EventTurnFinished, turnID)
		ev.Reason = reason
		emit(ev)
	}

	if !emit(core.NewStreamEvent(core.EventTurnStarted, turnID)) {
		return
	}

	msgs := buildMessages(systemPrompt, history)
	tools := toolDefs(catalog)
	maxCalls := profile.Model.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxToolCalls
	}
	steps := 0

	for {
		req := llm.ChatRequest{
			Model:       profile.Model.Model,
			Messages:    msgs,
			Tools:       tools,
			Temperature: profile.Model.Temperature,
			MaxTokens:   profile.Model.MaxTokens,
		}
		stream, err := e.provider.ChatStream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				finish(core.FinishCanceled)
				return
			}
			fail(errors.New(errors.CodeLLM, "model stream failed", err))
			return
		}

		var (
			toolCalls    []llm.ToolCall
			finishReason llm.FinishReason
			content      strings.Builder
		)
		for chunk := range stream {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					finish(core.FinishCanceled)
					return
				}
				fail(errors.New(errors.CodeLLM, "model stream failed", chunk.Err))
				return
			}
			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				ev := core.NewStreamEvent(core.EventTextDelta, turnID)
				ev.Delta = chunk.Content
				if !emit(ev) {
					return
				}
			}
			if chunk.Done {
				toolCalls = chunk.ToolCalls
				finishReason = chunk.Finish
				break
			}
		}
		if ctx.Err() != nil {
			finish(core.FinishCanceled)
			return
		}

		if finishReason != llm.FinishToolCalls || len(toolCalls) == 0 {
			if finishReason == llm.FinishLength {
				finish(core.FinishLength)
			} else {
				finish(core.FinishStop)
			}
			return
		}

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		})

		for _, tc := range toolCalls {
			if steps >= maxCalls {
				finish(core.FinishStepLimit)
				return
			}
			steps++

			request := parseToolCall(tc)
			ev := core.NewStreamEvent(core.EventToolCallStarted, turnID)
			ev.Request = &request
			if !emit(ev) {
				return
			}

			result := e.invoke(ctx, request)

			ev = core.NewStreamEvent(core.EventToolCallFinished, turnID)
			ev.Result = &result
			if !emit(ev) {
				return
			}

			// Synthetic tool-result message so the model sees the outcome in
			// subsequent reasoning within the same turn.
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    resultPayload(result),
				ToolCallID: request.ID,
			})
		}
	}
}

// invoke resolves one tool call against the built-in registry or the
// connection pool. Failures of any kind come back as data; a turn survives
// an unavailable tool.
func (e *Engine) invoke(ctx context.Context, request core.ToolInvocationRequest) core.ToolInvocationResult {
	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	var (
		out any
		err error
	)
	if e.builtins != nil && e.builtins.Has(request.Name) {
		var tool core.Tool
		tool, err = e.builtins.Get(request.Name)
		if err == nil {
			out, err = tool.Call(callCtx, request.Arguments)
		}
	} else if e.pool != nil {
		out, err = e.pool.Dispatch(callCtx, request.Name, request.Arguments)
	} else {
		err = errors.Newf(errors.CodeNotFound, "unknown tool %s", request.Name)
	}

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = errors.Newf(errors.CodeTimeout, "tool %s timed out after %s", request.Name, e.toolTimeout)
		}
		e.log.Warn("engine.tool_failed",
			slog.String("tool", request.Name),
			slog.String("error", err.Error()),
		)
		e.metrics.RecordToolCall(ctx, request.Name, false)
		return core.ToolInvocationResult{ID: request.ID, Success: false, Error: err.Error()}
	}
	e.metrics.RecordToolCall(ctx, request.Name, true)
	return core.ToolInvocationResult{ID: request.ID, Success: true, Result: out}
}

func parseToolCall(tc llm.ToolCall) core.ToolInvocationRequest {
	id := tc.ID
	if id == "" {
		id = uuid.NewString()
	}
	args := map[string]any{}
	if tc.Function.Arguments != "" {
		// Malformed argument JSON becomes an empty bag; schema validation at
		// dispatch reports the missing fields.
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
	}
	return core.ToolInvocationRequest{ID: id, Name: tc.Function.Name, Arguments: args}
}

func resultPayload(result core.ToolInvocationResult) string {
	if !result.Success {
		return fmt.Sprintf(`{"error": %q}`, result.Error)
	}
	data, err := json.Marshal(result.Result)
	if err != nil {
		return fmt.Sprintf("%v", result.Result)
	}
	return string(data)
}

func buildMessages(systemPrompt string, history []core.ConversationMessage) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case core.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case core.RoleAssistant:
			msgs = append(msgs, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   m.Content,
				ToolCalls: toLLMToolCalls(m.ToolCalls),
			})
		case core.RoleSystem:
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: m.Content})
		case core.RoleToolResult:
			for _, r := range m.Results {
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    resultPayload(r),
					ToolCallID: r.ID,
				})
			}
		}
	}
	return msgs
}

func toLLMToolCalls(requests []core.ToolInvocationRequest) []llm.ToolCall {
	if len(requests) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(requests))
	for i, r := range requests {
		args, err := json.Marshal(r.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out[i] = llm.ToolCall{
			ID:   r.ID,
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionCall{
				Name:      r.Name,
				Arguments: string(args),
			},
		}
	}
	return out
}

func toolDefs(catalog []core.Capability) []llm.Tool {
	if len(catalog) == 0 {
		return nil
	}
	defs := make([]llm.Tool, len(catalog))
	for i, cap := range catalog {
		defs[i] = llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        cap.Name,
				Description: cap.Description,
				Parameters:  schema.JSONSchema(cap.Input),
			},
		}
	}
	return defs
}
