// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
)

// dialTransport is the production Dialer. It launches a subprocess for
// stdio servers and opens a streamable HTTP session for remote ones. The
// returned client is started but not yet initialized; the connection state
// machine drives the initialize handshake.
func dialTransport(ctx context.Context, cfg ServerConfig) (RPCClient, error) {
	switch cfg.Kind {
	case TransportStdio:
		c, err := client.NewStdioMCPClient(cfg.Command, buildEnv(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", cfg.Command, err)
		}
		return c, nil
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.URL, err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start session %s: %w", cfg.URL, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Kind)
	}
}

// buildEnv merges configured variables over the parent environment so
// subprocess servers inherit PATH and friends.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
