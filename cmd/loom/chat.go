// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loomlabs/loom/pkg/builtin"
	"github.com/loomlabs/loom/pkg/config"
	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/engine"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/llm"
	"github.com/loomlabs/loom/pkg/mcp"
	"github.com/loomlabs/loom/pkg/skills"
	"github.com/loomlabs/loom/pkg/storage"
	"github.com/loomlabs/loom/providers/anthropic"
	"github.com/loomlabs/loom/providers/openai"
)

// runtime bundles the collaborators every command needs: persistent storage,
// the connection pool over stored server configs, the skill store, and the
// built-in tool registry.
type runtime struct {
	store    *storage.Store
	pool     *mcp.Manager
	skills   *skills.Store
	builtins *builtin.Registry
}

func (r *runtime) close() {
	if r.pool != nil {
		r.pool.Shutdown()
	}
	if r.store != nil {
		r.store.Close()
	}
}

// buildRuntime opens storage and registers every stored server with the pool
// without connecting. Commands that dispatch tools call connect themselves.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", cfg.Storage.Path, err)
	}

	pool := mcp.NewManager(mcp.WithRequestTimeout(cfg.Tools.RequestTimeout))
	serverCfgs, err := store.ListServers(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	for _, sc := range serverCfgs {
		if err := pool.AddServer(ctx, sc, false); err != nil {
			store.Close()
			return nil, err
		}
	}

	skillsDir := cfg.Skills.Dir
	if dir, err := store.SkillsDir(ctx); err == nil {
		skillsDir = dir
	}

	return &runtime{
		store:    store,
		pool:     pool,
		skills:   skills.NewStore(skillsDir),
		builtins: builtin.NewRegistry(),
	}, nil
}

// connectPool connects every enabled server and reports failures without
// aborting; a dead server just contributes nothing to the catalog.
func (r *runtime) connectPool(ctx context.Context, jsonOutput bool) {
	failures := r.pool.ConnectAll(ctx)
	for id, err := range failures {
		if err == nil {
			continue
		}
		if !jsonOutput {
			fmt.Fprintf(os.Stderr, "Warning: server %s unavailable: %v\n", id, err)
		}
	}
}

func runChat(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	cmd := flag.NewFlagSet("chat", flag.ContinueOnError)
	agentID := cmd.String("agent", "", "Stored agent profile to run")
	sessionID := cmd.String("session", "", "Session to resume (default: new session)")
	prompt := cmd.String("prompt", "", "Single prompt to run (non-interactive)")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer rt.close()

	profile, err := resolveProfile(ctx, rt, cfg, *agentID)
	if err != nil {
		NewNotFoundError("agent", *agentID).PrintError(flags.JSON)
		os.Exit(1)
	}

	provider, err := newProvider(cfg, profile)
	if err != nil {
		fatal(err)
	}

	rt.connectPool(ctx, flags.JSON)

	eng := engine.New(provider, rt.pool, rt.builtins, rt.skills,
		engine.WithToolCallTimeout(cfg.Tools.CallTimeout),
	)
	if err := eng.Initialize(profile); err != nil {
		fatal(err)
	}

	session, err := resolveSession(ctx, rt.store, profile.ID, *sessionID)
	if err != nil {
		NewNotFoundError("session", *sessionID).PrintError(flags.JSON)
		os.Exit(1)
	}

	if !flags.JSON {
		fmt.Printf("Loom Agent: %s\n", profile.Name)
		fmt.Printf("LLM: %s (%s)\n", profile.Model.Provider, profile.Model.Model)
		fmt.Printf("Session: %s\n", session.ID)
		if n := len(eng.Catalog()); n > 0 {
			fmt.Printf("Tools: %d\n", n)
		}
		fmt.Println()
	}

	if *prompt != "" {
		runSingleTurn(ctx, rt.store, eng, session.ID, *prompt, flags.JSON)
		return
	}
	runREPL(ctx, rt.store, eng, session.ID, flags.JSON)
}

// resolveProfile loads the stored profile, or synthesizes an ad-hoc one over
// every built-in tool and every stored server when no agent is named.
func resolveProfile(ctx context.Context, rt *runtime, cfg *config.Config, agentID string) (core.AgentProfile, error) {
	if agentID != "" {
		return rt.store.GetAgent(ctx, agentID)
	}

	var servers []core.ServerReference
	for _, status := range rt.pool.Servers() {
		servers = append(servers, core.ServerReference{ID: status.Config.ID})
	}
	return core.AgentProfile{
		ID:           "default",
		Name:         "loom",
		SystemPrompt: "You are a helpful assistant with access to tools. Use them when they help answer the question.",
		Tools: core.ToolConfiguration{
			Builtins: rt.builtins.Names(),
			Servers:  servers,
		},
		Model: core.ModelParams{
			Provider:     cfg.LLM.Provider,
			Model:        cfg.LLM.Model,
			MaxToolCalls: cfg.Tools.MaxToolCalls,
		},
	}, nil
}

func resolveSession(ctx context.Context, store *storage.Store, agentID, sessionID string) (storage.Session, error) {
	if sessionID != "" {
		return store.GetSession(ctx, sessionID)
	}
	return store.CreateSession(ctx, agentID)
}

func newProvider(cfg *config.Config, profile core.AgentProfile) (llm.Provider, error) {
	name := profile.Model.Provider
	if name == "" {
		name = cfg.LLM.Provider
	}
	switch strings.ToLower(name) {
	case "", "ollama":
		return llm.NewOllama(cfg.LLM.BaseURL), nil
	case "openai":
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		if cfg.LLM.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.LLM.APIKey))
		}
		return openai.New(opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anthropic.WithAPIKey(cfg.LLM.APIKey))
		}
		return anthropic.New(opts...), nil
	case "mock":
		return &llm.MockProvider{Response: "This is a mock response."}, nil
	default:
		return nil, errors.Newf(errors.CodeConfiguration, "unknown LLM provider %q", name)
	}
}

func runSingleTurn(ctx context.Context, store *storage.Store, eng *engine.Engine, sessionID, prompt string, jsonOutput bool) {
	if err := executeTurn(ctx, store, eng, sessionID, prompt, jsonOutput); err != nil {
		PrintTurnError(err, jsonOutput)
		os.Exit(1)
	}
}

func runREPL(ctx context.Context, store *storage.Store, eng *engine.Engine, sessionID string, jsonOutput bool) {
	if !jsonOutput {
		fmt.Println("Interactive mode. Type 'exit' or Ctrl+C to quit.")
		fmt.Println("---")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if !jsonOutput {
			fmt.Print("\n> ")
		}

		select {
		case <-ctx.Done():
			if !jsonOutput {
				fmt.Println("\nGoodbye!")
			}
			return
		default:
		}

		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			if !jsonOutput {
				fmt.Println("Goodbye!")
			}
			return
		}

		if err := executeTurn(ctx, store, eng, sessionID, input, jsonOutput); err != nil {
			PrintTurnError(err, jsonOutput)
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
	}
}

// executeTurn appends the user message, drains one engine run, prints the
// stream, and persists what the turn produced.
func executeTurn(ctx context.Context, store *storage.Store, eng *engine.Engine, sessionID, input string, jsonOutput bool) error {
	history, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	userMsg := core.ConversationMessage{Role: core.RoleUser, Content: input}
	if err := store.AppendMessage(ctx, sessionID, userMsg); err != nil {
		return err
	}
	history = append(history, userMsg)

	events, err := eng.Run(ctx, history)
	if err != nil {
		return err
	}

	var (
		content  strings.Builder
		requests []core.ToolInvocationRequest
		results  []core.ToolInvocationResult
		turnErr  error
	)
	for ev := range events {
		switch ev.Type {
		case core.EventTextDelta:
			content.WriteString(ev.Delta)
			if !jsonOutput {
				fmt.Print(ev.Delta)
			}
		case core.EventToolCallStarted:
			requests = append(requests, *ev.Request)
			if !jsonOutput {
				fmt.Printf("\n[tool %s]", ev.Request.Name)
			}
		case core.EventToolCallFinished:
			results = append(results, *ev.Result)
			if !jsonOutput && !ev.Result.Success {
				fmt.Printf(" failed: %s", ev.Result.Error)
			}
		case core.EventTurnFinished:
			if !jsonOutput {
				fmt.Println()
			}
		case core.EventError:
			turnErr = fmt.Errorf("%s", ev.Err)
		}
		if jsonOutput {
			printJSON(ev)
		}
	}
	if turnErr != nil {
		return turnErr
	}

	assistant := core.ConversationMessage{
		Role:      core.RoleAssistant,
		Content:   content.String(),
		ToolCalls: requests,
	}
	if err := store.AppendMessage(ctx, sessionID, assistant); err != nil {
		return err
	}
	if len(results) > 0 {
		toolMsg := core.ConversationMessage{Role: core.RoleToolResult, Results: results}
		if err := store.AppendMessage(ctx, sessionID, toolMsg); err != nil {
			return err
		}
	}
	return nil
}
