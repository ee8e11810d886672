// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomlabs/loom/pkg/builtin"
	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/llm"
	"github.com/loomlabs/loom/pkg/mcp"
	"github.com/loomlabs/loom/pkg/skills"
)

// fakeRPC serves a fixed tool list in-process.
type fakeRPC struct {
	tools   []mcpgo.Tool
	callErr error
}

func (f *fakeRPC) Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error) {
	return &mcpgo.InitializeResult{}, nil
}

func (f *fakeRPC) ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error) {
	return &mcpgo.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeRPC) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "pong"}},
	}, nil
}

func (f *fakeRPC) Close() error { return nil }

func pingPool(t *testing.T) *mcp.Manager {
	t.Helper()
	rpc := &fakeRPC{tools: []mcpgo.Tool{{
		Name:           "ping",
		Description:    "replies with pong",
		RawInputSchema: []byte(`{"type": "object", "properties": {}}`),
	}}}
	pool := mcp.NewManager(mcp.WithDialer(func(ctx context.Context, cfg mcp.ServerConfig) (mcp.RPCClient, error) {
		return rpc, nil
	}))
	t.Cleanup(pool.Shutdown)
	cfg := mcp.ServerConfig{ID: "pings", Kind: mcp.TransportStdio, Enabled: true, Command: "ping-server"}
	if err := pool.AddServer(context.Background(), cfg, true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	return pool
}

func collect(t *testing.T, events <-chan core.StreamEvent) []core.StreamEvent {
	t.Helper()
	var out []core.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []core.StreamEvent) []core.EventType {
	types := make([]core.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func userTurn(content string) []core.ConversationMessage {
	return []core.ConversationMessage{{ID: "m1", Role: core.RoleUser, Content: content}}
}

func TestRunPingScenario(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.ScriptToolCall("call-1", "pings__ping", `{}`),
		llm.ScriptText(""),
	)
	e := New(provider, pingPool(t), builtin.NewRegistry(), nil)
	profile := core.AgentProfile{
		ID:           "helper",
		SystemPrompt: "You help.",
		Tools: core.ToolConfiguration{
			Builtins: []string{"clock"},
			Servers:  []core.ServerReference{{ID: "pings"}},
		},
	}
	if err := e.Initialize(profile); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("please ping"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	want := []core.EventType{
		core.EventTurnStarted,
		core.EventToolCallStarted,
		core.EventToolCallFinished,
		core.EventTurnFinished,
	}
	types := eventTypes(got)
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	if got[1].Request.Name != "pings__ping" {
		t.Errorf("tool call name = %q", got[1].Request.Name)
	}
	if !got[2].Result.Success {
		t.Errorf("tool result failed: %s", got[2].Result.Error)
	}
	if got[2].Result.Result != "pong" {
		t.Errorf("tool result = %v, want pong", got[2].Result.Result)
	}
	if got[3].Reason != core.FinishStop {
		t.Errorf("finish reason = %s, want %s", got[3].Reason, core.FinishStop)
	}
	for _, ev := range got {
		if ev.TurnID != got[0].TurnID {
			t.Error("turn id varies across events")
		}
	}
}

func TestRunStepLimit(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.ScriptToolCall("call-1", "clock", `{}`),
		llm.ScriptToolCall("call-2", "clock", `{}`),
	)
	e := New(provider, nil, builtin.NewRegistry(), nil)
	profile := core.AgentProfile{
		ID:           "looper",
		SystemPrompt: "Loop forever.",
		Tools:        core.ToolConfiguration{Builtins: []string{"clock"}},
		Model:        core.ModelParams{MaxToolCalls: 1},
	}
	if err := e.Initialize(profile); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("what time is it, forever"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	starts, finishes := 0, 0
	for _, ev := range got {
		switch ev.Type {
		case core.EventToolCallStarted:
			starts++
		case core.EventToolCallFinished:
			finishes++
		}
	}
	if starts != 1 || finishes != 1 {
		t.Errorf("tool events = %d started / %d finished, want 1/1", starts, finishes)
	}
	last := got[len(got)-1]
	if last.Type != core.EventTurnFinished || last.Reason != core.FinishStepLimit {
		t.Errorf("terminal event = %s/%s, want %s/%s", last.Type, last.Reason, core.EventTurnFinished, core.FinishStepLimit)
	}
}

func TestRunTextOnly(t *testing.T) {
	provider := llm.NewScriptedMockProvider(llm.ScriptText("hello there"))
	e := New(provider, nil, nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "talker", SystemPrompt: "Chat."}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var text string
	for _, ev := range got {
		if ev.Type == core.EventTextDelta {
			text += ev.Delta
		}
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
	last := got[len(got)-1]
	if last.Type != core.EventTurnFinished || last.Reason != core.FinishStop {
		t.Errorf("terminal event = %s/%s", last.Type, last.Reason)
	}
}

func TestRunModelErrorBecomesSingleErrorEvent(t *testing.T) {
	provider := &llm.FailingMockProvider{}
	e := New(provider, nil, nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "broken", SystemPrompt: "x"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	errCount := 0
	for _, ev := range got {
		if ev.Type == core.EventError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("error events = %d, want 1", errCount)
	}
	if got[len(got)-1].Type != core.EventError {
		t.Errorf("stream did not end on the error event: %v", eventTypes(got))
	}
}

func TestRunToolFailureKeepsTurnAlive(t *testing.T) {
	provider := llm.NewScriptedMockProvider(
		llm.ScriptToolCall("call-1", "ghost__boo", `{}`),
		llm.ScriptText("that tool is gone"),
	)
	e := New(provider, mcp.NewManager(), nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "resilient", SystemPrompt: "x"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("haunt"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var result *core.ToolInvocationResult
	for i := range got {
		if got[i].Type == core.EventToolCallFinished {
			result = got[i].Result
		}
	}
	if result == nil {
		t.Fatal("no tool-call-finished event")
	}
	if result.Success {
		t.Error("dispatch to unknown server reported success")
	}
	last := got[len(got)-1]
	if last.Type != core.EventTurnFinished || last.Reason != core.FinishStop {
		t.Errorf("terminal event = %s/%s, want finished/stop", last.Type, last.Reason)
	}
}

func TestRunLengthTruncationSurfaced(t *testing.T) {
	provider := llm.NewScriptedMockProvider(llm.ChatResponse{
		Content:      "half a thou",
		FinishReason: llm.FinishLength,
	})
	e := New(provider, nil, nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "brief", SystemPrompt: "x"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("write an essay"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != core.EventTurnFinished || last.Reason != core.FinishLength {
		t.Errorf("terminal event = %s/%s, want finished/length", last.Type, last.Reason)
	}
}

// stallTool blocks until its call context ends.
type stallTool struct{}

func (stallTool) Name() string { return "stall" }

func (stallTool) Capability() core.Capability {
	return core.Capability{Name: "stall", Description: "never returns"}
}

func (stallTool) Call(ctx context.Context, args map[string]any) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunToolCallTimeout(t *testing.T) {
	registry := builtin.NewRegistry()
	registry.Register(stallTool{})

	provider := llm.NewScriptedMockProvider(
		llm.ScriptToolCall("call-1", "stall", `{}`),
		llm.ScriptText("moving on"),
	)
	e := New(provider, nil, registry, nil, WithToolCallTimeout(20*time.Millisecond))
	profile := core.AgentProfile{
		ID:           "patient",
		SystemPrompt: "x",
		Tools:        core.ToolConfiguration{Builtins: []string{"stall"}},
	}
	if err := e.Initialize(profile); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(context.Background(), userTurn("wait for me"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var result *core.ToolInvocationResult
	for i := range got {
		if got[i].Type == core.EventToolCallFinished {
			result = got[i].Result
		}
	}
	if result == nil {
		t.Fatal("no tool-call-finished event")
	}
	if result.Success {
		t.Error("hung tool reported success")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("result error = %q, want a timeout", result.Error)
	}
	// The timeout is a tool failure, not a turn failure.
	last := got[len(got)-1]
	if last.Type != core.EventTurnFinished || last.Reason != core.FinishStop {
		t.Errorf("terminal event = %s/%s, want finished/stop", last.Type, last.Reason)
	}
}

// hangingStreamProvider emits one delta and then holds the stream open until
// the context is canceled.
type hangingStreamProvider struct{}

func (hangingStreamProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingStreamProvider) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		select {
		case ch <- llm.StreamChunk{Content: "thinking"}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestRunCancelClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New(hangingStreamProvider{}, nil, nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "slow", SystemPrompt: "x"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	events, err := e.Run(ctx, userTurn("hi"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Wait for the first delta so the cancel lands mid-stream.
	sawDelta := false
	for !sawDelta {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed before any delta")
			}
			if ev.Type == core.EventTextDelta {
				sawDelta = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delta before timeout")
		}
	}

	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return // stream closed promptly after cancel
			}
			if ev.Type == core.EventTurnFinished && ev.Reason != core.FinishCanceled {
				t.Errorf("finish reason = %s, want %s", ev.Reason, core.FinishCanceled)
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestRunRequiresInitialize(t *testing.T) {
	e := New(llm.NewScriptedMockProvider(), nil, nil, nil)
	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Fatal("Run succeeded without Initialize")
	}
}

func TestInitializePromptLoadFailure(t *testing.T) {
	e := New(llm.NewScriptedMockProvider(), nil, nil, nil)
	err := e.Initialize(core.AgentProfile{ID: "a", PromptPath: "/does/not/exist.md"})
	if err == nil {
		t.Fatal("Initialize accepted unreadable prompt source")
	}
	if code := errors.CodeOf(err); code != errors.CodeConfiguration {
		t.Errorf("code = %s, want %s", code, errors.CodeConfiguration)
	}
}

func TestInitializePromptFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("You are concise."), 0o600); err != nil {
		t.Fatal(err)
	}

	e := New(llm.NewScriptedMockProvider(), nil, nil, nil)
	if err := e.Initialize(core.AgentProfile{ID: "a", PromptPath: path}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if e.SystemPrompt() != "You are concise." {
		t.Errorf("prompt = %q", e.SystemPrompt())
	}
}

func TestInitializeEmptySkillsLeavesPromptUntouched(t *testing.T) {
	store := skills.NewStore(t.TempDir())
	e := New(llm.NewScriptedMockProvider(), nil, nil, store)
	if err := e.Initialize(core.AgentProfile{ID: "a", SystemPrompt: "raw prompt"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if e.SystemPrompt() != "raw prompt" {
		t.Errorf("prompt = %q, want the raw text exactly", e.SystemPrompt())
	}
}

func TestInitializeInjectsSkills(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SKILL.md")
	doc := "---\nname: reviewing\ndescription: Code review habits.\n---\nAlways check error paths."
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	store := skills.NewStore(dir)
	e := New(llm.NewScriptedMockProvider(), nil, nil, store)
	profile := core.AgentProfile{
		ID:           "reviewer",
		SystemPrompt: "Base.",
		Skills:       []core.SkillReference{{ID: "reviewing", Path: path}, {ID: "missing"}},
	}
	if err := e.Initialize(profile); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	prompt := e.SystemPrompt()
	if prompt == "Base." {
		t.Error("skill block not appended")
	}
	if want := "Always check error paths."; !strings.Contains(prompt, want) {
		t.Errorf("prompt missing skill body: %q", prompt)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	e := New(llm.NewScriptedMockProvider(), nil, nil, nil)
	profile := core.AgentProfile{ID: "a", SystemPrompt: "one"}
	if err := e.Initialize(profile); err != nil {
		t.Fatal(err)
	}
	// Same id: cached state is reused even if the snapshot differs.
	profile.SystemPrompt = "two"
	if err := e.Initialize(profile); err != nil {
		t.Fatal(err)
	}
	if e.SystemPrompt() != "one" {
		t.Errorf("prompt = %q, want cached %q", e.SystemPrompt(), "one")
	}

	e.UpdateConfig()
	if err := e.Initialize(profile); err != nil {
		t.Fatal(err)
	}
	if e.SystemPrompt() != "two" {
		t.Errorf("prompt after UpdateConfig = %q, want %q", e.SystemPrompt(), "two")
	}
}

func TestCatalogAllowList(t *testing.T) {
	rpc := &fakeRPC{tools: []mcpgo.Tool{
		{Name: "ping", RawInputSchema: []byte(`{"type":"object"}`)},
		{Name: "traceroute", RawInputSchema: []byte(`{"type":"object"}`)},
	}}
	pool := mcp.NewManager(mcp.WithDialer(func(ctx context.Context, cfg mcp.ServerConfig) (mcp.RPCClient, error) {
		return rpc, nil
	}))
	defer pool.Shutdown()
	cfg := mcp.ServerConfig{ID: "net", Kind: mcp.TransportStdio, Enabled: true, Command: "net-server"}
	if err := pool.AddServer(context.Background(), cfg, true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	e := New(llm.NewScriptedMockProvider(), pool, nil, nil)
	profile := core.AgentProfile{
		ID:           "restricted",
		SystemPrompt: "x",
		Tools: core.ToolConfiguration{
			Servers: []core.ServerReference{{ID: "net", Allow: []string{"ping"}}},
		},
	}
	if err := e.Initialize(profile); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	catalog := e.Catalog()
	if len(catalog) != 1 {
		t.Fatalf("catalog = %d entries, want 1", len(catalog))
	}
	if catalog[0].Name != "net__ping" {
		t.Errorf("catalog entry = %q, want net__ping", catalog[0].Name)
	}
}
