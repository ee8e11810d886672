// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp manages connections to external MCP tool servers: a per-server
// connection state machine, capability discovery, and a pool manager that
// aggregates capability catalogs and dispatches invocations by namespaced
// name.
package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/schema"
)

// Status is the connection state of one server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// TransportKind selects how to reach a server.
type TransportKind string

const (
	// TransportStdio spawns a local subprocess speaking MCP over stdio.
	TransportStdio TransportKind = "stdio"
	// TransportHTTP connects to a streamable-HTTP endpoint, optionally with
	// custom headers.
	TransportHTTP TransportKind = "http"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	ID      string        `json:"id"`
	Kind    TransportKind `json:"kind"`
	Enabled bool          `json:"enabled"`

	// Stdio transport.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// HTTP transport.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Validate checks the config for structural problems.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.Newf(errors.CodeInvalidInput, "server id is required")
	}
	if strings.Contains(c.ID, nsSeparator) {
		return errors.Newf(errors.CodeInvalidInput, "server id %q must not contain %q", c.ID, nsSeparator)
	}
	switch c.Kind {
	case TransportStdio:
		if c.Command == "" {
			return errors.Newf(errors.CodeInvalidInput, "stdio server %q requires a command", c.ID)
		}
	case TransportHTTP:
		if c.URL == "" {
			return errors.Newf(errors.CodeInvalidInput, "http server %q requires a url", c.ID)
		}
	default:
		return errors.Newf(errors.CodeInvalidInput, "server %q has unknown transport %q", c.ID, c.Kind)
	}
	return nil
}

// RPCClient is the slice of the MCP client surface the state machine needs.
// *client.Client from mcp-go satisfies it; tests substitute fakes.
type RPCClient interface {
	Initialize(ctx context.Context, req mcpgo.InitializeRequest) (*mcpgo.InitializeResult, error)
	ListTools(ctx context.Context, req mcpgo.ListToolsRequest) (*mcpgo.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
	Close() error
}

// Dialer opens the transport for a server config and returns an
// uninitialized client.
type Dialer func(ctx context.Context, cfg ServerConfig) (RPCClient, error)

// Conn owns the connection to one external tool server.
//
// State transitions:
//
//	disconnected → connecting → connected
//	connecting   → error
//	connected    → error        (transport fault)
//	connected    → disconnected (explicit close)
//	error        → disconnected (explicit close)
//	error        → connecting   (reconnect attempt)
type Conn struct {
	cfg     ServerConfig
	dial    Dialer
	timeout time.Duration

	mu          sync.Mutex
	status      Status
	lastErr     string
	client      RPCClient
	caps        []core.Capability
	connectedAt time.Time
	gen         uint64
}

func newConn(cfg ServerConfig, dial Dialer, timeout time.Duration) *Conn {
	return &Conn{
		cfg:     cfg,
		dial:    dial,
		timeout: timeout,
		status:  StatusDisconnected,
	}
}

// Config returns the server configuration.
func (c *Conn) Config() ServerConfig { return c.cfg }

// Status returns the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the message recorded on the last failure, if any.
func (c *Conn) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ConnectedAt returns when the connection was established, zero if it is not
// connected.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Capabilities returns a copy of the discovered capability list.
func (c *Conn) Capabilities() []core.Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Capability, len(c.caps))
	copy(out, c.caps)
	return out
}

// Connect establishes the transport and performs capability discovery.
// It is idempotent: a call while connecting or connected is a no-op, so
// concurrent callers cannot start duplicate connection attempts. A discovery
// failure after a successful transport connect transitions to the error
// state rather than leaving a silently empty catalog.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.lastErr = ""
	gen := c.gen
	c.mu.Unlock()

	client, caps, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// Disconnected (or replaced) while we were connecting. The state
		// already moved on; just release whatever we opened.
		if client != nil {
			_ = client.Close()
		}
		return errors.Newf(errors.CodeNotConnected, "server %s was closed during connect", c.cfg.ID)
	}
	if err != nil {
		c.status = StatusError
		c.lastErr = err.Error()
		if client != nil {
			_ = client.Close()
		}
		return errors.New(errors.CodeConnection, fmt.Sprintf("connect %s", c.cfg.ID), err)
	}

	c.client = client
	c.caps = caps
	c.status = StatusConnected
	c.connectedAt = time.Now().UTC()
	return nil
}

func (c *Conn) establish(ctx context.Context) (RPCClient, []core.Capability, error) {
	client, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	initCtx, cancel := c.withTimeout(ctx)
	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "loom", Version: "0.1.0"}
	_, err = client.Initialize(initCtx, initReq)
	cancel()
	if err != nil {
		return client, nil, fmt.Errorf("initialize: %w", err)
	}

	listCtx, cancel := c.withTimeout(ctx)
	result, err := client.ListTools(listCtx, mcpgo.ListToolsRequest{})
	cancel()
	if err != nil {
		return client, nil, fmt.Errorf("discover capabilities: %w", err)
	}

	caps := make([]core.Capability, 0, len(result.Tools))
	for _, tool := range result.Tools {
		caps = append(caps, capabilityFromTool(c.cfg.ID, tool))
	}
	return client, caps, nil
}

// Disconnect releases the transport and clears the discovered capability
// list and connected-at timestamp regardless of prior state. It never
// fails: close errors are swallowed since the connection is being torn down.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.caps = nil
	c.connectedAt = time.Time{}
	c.status = StatusDisconnected
	c.lastErr = ""
	c.gen++
	c.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
}

// Invoke forwards a tool call to the server. When the connection is not in
// the connected state it fails immediately with a local not-connected error
// and performs no transport I/O. Arguments are validated against the
// discovered capability schema before dispatch.
func (c *Conn) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		status := c.status
		c.mu.Unlock()
		return nil, errors.Newf(errors.CodeNotConnected, "server %s is %s", c.cfg.ID, status)
	}
	client := c.client
	var input *schema.Object
	for _, cap := range c.caps {
		if cap.Name == Name(c.cfg.ID, name) {
			input = cap.Input
			break
		}
	}
	c.mu.Unlock()

	if args == nil {
		args = map[string]any{}
	}
	if input != nil {
		if err := schema.Validate(input, args); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("arguments for %s", name), err)
		}
	}

	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := client.CallTool(callCtx, req)
	if err != nil {
		// Tool-level failures arrive as IsError results, not Go errors, so
		// an error here means the session itself broke. Timeouts are local
		// and leave the connection state alone.
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
			return nil, errors.New(errors.CodeTimeout, fmt.Sprintf("call %s on %s", name, c.cfg.ID), err)
		}
		c.fail(err.Error())
		return nil, errors.New(errors.CodeToolFailure, fmt.Sprintf("call %s on %s", name, c.cfg.ID), err)
	}
	return mapToolResult(result)
}

// fail records a transport fault observed outside the connect path.
func (c *Conn) fail(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConnected {
		c.status = StatusError
		c.lastErr = msg
	}
}

func (c *Conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// capabilityFromTool converts a discovered MCP tool into a namespaced
// capability descriptor. The input schema goes through the schema adapter,
// so malformed schemas degrade instead of dropping the tool.
func capabilityFromTool(serverID string, tool mcpgo.Tool) core.Capability {
	var raw any
	if len(tool.RawInputSchema) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(tool.RawInputSchema, &decoded); err == nil {
			raw = decoded
		}
	} else {
		node := map[string]any{"type": tool.InputSchema.Type}
		if len(tool.InputSchema.Properties) > 0 {
			node["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			required := make([]any, len(tool.InputSchema.Required))
			for i, name := range tool.InputSchema.Required {
				required[i] = name
			}
			node["required"] = required
		}
		raw = node
	}
	return core.Capability{
		Name:        Name(serverID, tool.Name),
		Description: tool.Description,
		Input:       schema.Compile(raw),
		Server:      serverID,
	}
}

// mapToolResult flattens the varying MCP result shapes into a single value
// or a tool-failure error.
func mapToolResult(result *mcpgo.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.Newf(errors.CodeToolFailure, "tool returned no result")
	}
	if result.IsError {
		msg := extractTextContent(result.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, errors.Newf(errors.CodeToolFailure, "%s", msg)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	if text := extractTextContent(result.Content); text != "" {
		return text, nil
	}
	return result, nil
}

func extractTextContent(items []mcpgo.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcpgo.TextContent:
			parts = append(parts, content.Text)
		case *mcpgo.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
