// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/loomlabs/loom/pkg/config"
	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/mcp"
	"github.com/loomlabs/loom/pkg/storage"
)

func openStore(cfg *config.Config) *storage.Store {
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		fatal(fmt.Errorf("open storage at %s: %w", cfg.Storage.Path, err))
	}
	return store
}

func runAgents(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: loom agents <list|show|add|remove>"))
	}

	store := openStore(cfg)
	defer store.Close()

	switch sub := args[0]; sub {
	case "list":
		agents, err := store.ListAgents(ctx)
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(agents)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tSKILLS\tSERVERS")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				a.ID, a.Name, a.Model.Provider, a.Model.Model, len(a.Skills), len(a.Tools.Servers))
		}
		w.Flush()
	case "show":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: loom agents show <id>"))
		}
		profile, err := store.GetAgent(ctx, args[1])
		if err != nil {
			NewNotFoundError("agent", args[1]).PrintError(flags.JSON)
			os.Exit(1)
		}
		printJSON(profile)
	case "add":
		cmd := flag.NewFlagSet("agents add", flag.ContinueOnError)
		file := cmd.String("file", "", "Agent profile JSON file")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		if *file == "" {
			fatal(fmt.Errorf("usage: loom agents add --file <profile.json>"))
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			fatal(err)
		}
		var profile core.AgentProfile
		if err := json.Unmarshal(data, &profile); err != nil {
			fatal(fmt.Errorf("parse %s: %w", *file, err))
		}
		if profile.ID == "" {
			fatal(fmt.Errorf("agent profile requires an id"))
		}
		if err := store.SaveAgent(ctx, profile); err != nil {
			fatal(err)
		}
		if !flags.JSON {
			fmt.Printf("Saved agent %s\n", profile.ID)
		}
	case "remove":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: loom agents remove <id>"))
		}
		if err := store.DeleteAgent(ctx, args[1]); err != nil {
			NewNotFoundError("agent", args[1]).PrintError(flags.JSON)
			os.Exit(1)
		}
		if !flags.JSON {
			fmt.Printf("Removed agent %s\n", args[1])
		}
	default:
		fatal(fmt.Errorf("unknown agents subcommand %q", sub))
	}
}

func runServers(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: loom servers <list|add|remove>"))
	}

	store := openStore(cfg)
	defer store.Close()

	switch sub := args[0]; sub {
	case "list":
		servers, err := store.ListServers(ctx)
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(servers)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tENABLED\tTARGET")
		for _, s := range servers {
			target := s.URL
			if s.Kind == mcp.TransportStdio {
				target = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.ID, s.Kind, s.Enabled, target)
		}
		w.Flush()
	case "add":
		cmd := flag.NewFlagSet("servers add", flag.ContinueOnError)
		id := cmd.String("id", "", "Server id")
		command := cmd.String("command", "", "Command for a stdio server")
		url := cmd.String("url", "", "URL for a streamable-HTTP server")
		disabled := cmd.Bool("disabled", false, "Register without enabling")
		var headers headerFlags
		cmd.Var(&headers, "header", "HTTP header as key=value (repeatable)")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}

		sc := mcp.ServerConfig{
			ID:      *id,
			Enabled: !*disabled,
		}
		switch {
		case *command != "":
			sc.Kind = mcp.TransportStdio
			parts := strings.Fields(*command)
			sc.Command = parts[0]
			sc.Args = parts[1:]
		case *url != "":
			sc.Kind = mcp.TransportHTTP
			sc.URL = *url
			sc.Headers = headers.values
		default:
			fatal(fmt.Errorf("usage: loom servers add --id <id> (--command <cmd> | --url <url>)"))
		}
		if err := store.SaveServer(ctx, sc); err != nil {
			fatal(err)
		}
		if !flags.JSON {
			fmt.Printf("Saved server %s\n", sc.ID)
		}
	case "remove":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: loom servers remove <id>"))
		}
		if err := store.DeleteServer(ctx, args[1]); err != nil {
			NewNotFoundError("server", args[1]).PrintError(flags.JSON)
			os.Exit(1)
		}
		if !flags.JSON {
			fmt.Printf("Removed server %s\n", args[1])
		}
	default:
		fatal(fmt.Errorf("unknown servers subcommand %q", sub))
	}
}

func runSessions(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: loom sessions <list|show>"))
	}

	store := openStore(cfg)
	defer store.Close()

	switch sub := args[0]; sub {
	case "list":
		cmd := flag.NewFlagSet("sessions list", flag.ContinueOnError)
		agentID := cmd.String("agent", "", "Filter by agent id")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		sessions, err := store.ListSessions(ctx, *agentID)
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(sessions)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAGENT\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.AgentID, s.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
	case "show":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: loom sessions show <id>"))
		}
		messages, err := store.ListMessages(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		if flags.JSON {
			printJSON(messages)
			return
		}
		for _, m := range messages {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Printf("  -> %s\n", tc.Name)
			}
		}
	default:
		fatal(fmt.Errorf("unknown sessions subcommand %q", sub))
	}
}

func runSkills(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	if len(args) == 0 {
		fatal(fmt.Errorf("usage: loom skills <list|set-dir>"))
	}

	switch sub := args[0]; sub {
	case "list":
		rt, err := buildRuntime(ctx, cfg)
		if err != nil {
			fatal(err)
		}
		defer rt.close()

		loaded, err := rt.skills.LoadDir()
		if err != nil {
			fatal(fmt.Errorf("scan skills dir %s: %w", rt.skills.Root(), err))
		}
		if flags.JSON {
			printJSON(loaded)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTRIGGERS\tDESCRIPTION")
		for _, s := range loaded {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, strings.Join(s.Triggers, ","), s.Description)
		}
		w.Flush()
	case "set-dir":
		if len(args) < 2 {
			fatal(fmt.Errorf("usage: loom skills set-dir <path>"))
		}
		store := openStore(cfg)
		defer store.Close()
		if err := store.SetSkillsDir(ctx, args[1]); err != nil {
			fatal(err)
		}
		if !flags.JSON {
			fmt.Printf("Skills directory set to %s\n", args[1])
		}
	default:
		fatal(fmt.Errorf("unknown skills subcommand %q", sub))
	}
}

func runTools(ctx context.Context, flags globalFlags, cfg *config.Config, args []string) {
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	defer rt.close()

	rt.connectPool(ctx, flags.JSON)

	catalog := rt.builtins.Capabilities(nil)
	catalog = append(catalog, rt.pool.Catalog()...)

	if flags.JSON {
		type toolInfo struct {
			Name        string `json:"name"`
			Server      string `json:"server,omitempty"`
			Description string `json:"description,omitempty"`
		}
		out := make([]toolInfo, len(catalog))
		for i, c := range catalog {
			out[i] = toolInfo{Name: c.Name, Server: c.Server, Description: c.Description}
		}
		printJSON(out)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION")
	for _, c := range catalog {
		source := c.Server
		if source == "" {
			source = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, source, c.Description)
	}
	w.Flush()
}

// headerFlags collects repeated --header key=value flags.
type headerFlags struct {
	values map[string]string
}

func (h *headerFlags) String() string {
	return fmt.Sprintf("%v", h.values)
}

func (h *headerFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("header must be key=value, got %q", value)
	}
	if h.values == nil {
		h.values = make(map[string]string)
	}
	h.values[key] = val
	return nil
}
