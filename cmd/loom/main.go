// Package main implements the Loom CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/loomlabs/loom/pkg/config"
	"github.com/loomlabs/loom/pkg/telemetry"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigPath string
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; explicit config and env vars still apply.
	_ = godotenv.Load()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		NewConfigError(err, global.ConfigPath).PrintError(global.JSON)
		os.Exit(1)
	}

	telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdown, err := telemetry.Init("loom", version, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: true,
	})
	if err != nil {
		fatal(fmt.Errorf("init telemetry: %w", err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	switch cmd := args[0]; cmd {
	case "chat":
		runChat(ctx, global, cfg, args[1:])
	case "agents":
		runAgents(ctx, global, cfg, args[1:])
	case "servers":
		runServers(ctx, global, cfg, args[1:])
	case "sessions":
		runSessions(ctx, global, cfg, args[1:])
	case "skills":
		runSkills(ctx, global, cfg, args[1:])
	case "tools":
		runTools(ctx, global, cfg, args[1:])
	case "help":
		printUsage()
	case "version":
		printVersion(global.JSON)
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	var flags globalFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func printUsage() {
	fmt.Print(`loom - agent tool-orchestration runtime

Usage:
  loom [global flags] <command> [args]

Commands:
  chat       Run a conversation turn against an agent
  agents     Manage agent profiles (list, show, add, remove)
  servers    Manage external tool servers (list, add, remove)
  sessions   Inspect stored sessions (list, show)
  skills     Inspect skill documents (list, set-dir)
  tools      List the connected tool catalog
  version    Print the version
  help       Show this help

Global flags:
  --config <path>   Configuration file (YAML)
  --json            Machine-readable output
  -h, --help        Show help

Environment:
  LOOM_*            Overrides configuration keys (e.g. LOOM_LLM_MODEL)
`)
}

func printVersion(jsonOutput bool) {
	if jsonOutput {
		printJSON(map[string]string{"version": version})
		return
	}
	fmt.Printf("loom %s\n", version)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
