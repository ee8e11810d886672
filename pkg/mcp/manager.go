// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
)

const nsSeparator = "__"

// Name qualifies a capability name with its owning server id, guaranteeing
// catalog-wide uniqueness.
func Name(serverID, capability string) string {
	return serverID + nsSeparator + capability
}

// SplitName parses a namespaced identifier back into server id and
// capability name.
func SplitName(namespaced string) (serverID, capability string, err error) {
	idx := strings.Index(namespaced, nsSeparator)
	if idx <= 0 || idx+len(nsSeparator) >= len(namespaced) {
		return "", "", errors.Newf(errors.CodeInvalidIdentifier, "malformed capability identifier %q", namespaced)
	}
	return namespaced[:idx], namespaced[idx+len(nsSeparator):], nil
}

// Manager owns the set of configured external tool servers. Each server has
// an independent lifecycle: connecting, discovering, and invoking on one
// server never blocks another.
type Manager struct {
	dial    Dialer
	timeout time.Duration
	log     *slog.Logger
	tracer  trace.Tracer

	mu      sync.RWMutex
	servers map[string]*Conn
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRequestTimeout bounds each transport round-trip (initialize,
// discovery, invocation).
func WithRequestTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithDialer replaces the transport dialer. Tests use this to run against
// in-process fakes.
func WithDialer(dial Dialer) ManagerOption {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager creates an empty connection pool manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:    dialTransport,
		timeout: 10 * time.Second,
		log:     slog.Default(),
		tracer:  otel.Tracer("loom/mcp"),
		servers: make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddServer registers a new server. With autoConnect it also attempts the
// first connection; a connect failure is returned but the server stays
// registered with status error, reachable for reconnect attempts.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig, autoConnect bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[cfg.ID]; exists {
		m.mu.Unlock()
		return errors.Newf(errors.CodeDuplicateServer, "server %s already registered", cfg.ID)
	}
	conn := newConn(cfg, m.dial, m.timeout)
	m.servers[cfg.ID] = conn
	m.mu.Unlock()

	m.log.Info("mcp.server.added", slog.String("server_id", cfg.ID), slog.String("transport", string(cfg.Kind)))

	if !autoConnect {
		return nil
	}
	return conn.Connect(ctx)
}

// RemoveServer disconnects and deletes a server. It reports whether the
// server existed.
func (m *Manager) RemoveServer(id string) bool {
	m.mu.Lock()
	conn, ok := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	conn.Disconnect()
	m.log.Info("mcp.server.removed", slog.String("server_id", id))
	return true
}

// ConnectServer connects one server by id.
func (m *Manager) ConnectServer(ctx context.Context, id string) error {
	conn, err := m.server(id)
	if err != nil {
		return err
	}
	ctx, span := m.tracer.Start(ctx, "mcp.connect",
		trace.WithAttributes(attribute.String("server.id", id)))
	defer span.End()
	if err := conn.Connect(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// DisconnectServer disconnects one server by id.
func (m *Manager) DisconnectServer(id string) error {
	conn, err := m.server(id)
	if err != nil {
		return err
	}
	conn.Disconnect()
	return nil
}

// ConnectAll attempts every enabled server concurrently and independently,
// returning a per-server outcome map. One server's failure never aborts the
// others; partial failure is the normal case, not an exception.
func (m *Manager) ConnectAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.servers))
	for _, conn := range m.servers {
		if conn.Config().Enabled {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	outcomes := make(map[string]error, len(conns))
	var outcomeMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			cctx, span := m.tracer.Start(gctx, "mcp.connect",
				trace.WithAttributes(attribute.String("server.id", conn.Config().ID)))
			err := conn.Connect(cctx)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
			outcomeMu.Lock()
			outcomes[conn.Config().ID] = err
			outcomeMu.Unlock()
			if err != nil {
				m.log.Warn("mcp.server.connect_failed",
					slog.String("server_id", conn.Config().ID),
					slog.String("error", err.Error()),
				)
			}
			// Always nil: failures are outcomes, not reasons to cancel the
			// sibling connects.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Catalog returns the union of capability descriptors from connected
// servers only, sorted by name. Disconnected or errored servers contribute
// nothing, so the catalog always reflects what can actually be invoked.
func (m *Manager) Catalog() []core.Capability {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var catalog []core.Capability
	for _, conn := range conns {
		if conn.Status() != StatusConnected {
			continue
		}
		catalog = append(catalog, conn.Capabilities()...)
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	return catalog
}

// Dispatch parses a namespaced capability identifier and forwards the
// invocation to the owning server. Failure modes are structured errors:
// INVALID_IDENTIFIER, NOT_FOUND, NOT_CONNECTED.
func (m *Manager) Dispatch(ctx context.Context, namespaced string, args map[string]any) (any, error) {
	ctx, span := m.tracer.Start(ctx, "mcp.dispatch",
		trace.WithAttributes(attribute.String("capability", namespaced)))
	defer span.End()

	serverID, capability, err := SplitName(namespaced)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	conn, err := m.server(serverID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result, err := conn.Invoke(ctx, capability, args)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// UpdateServer replaces a server's configuration, preserving the previous
// connection intent: it reconnects only if the server was connected (or in
// the middle of connecting) before the update.
func (m *Manager) UpdateServer(ctx context.Context, id string, cfg ServerConfig) error {
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return errors.Newf(errors.CodeInvalidInput, "config id %q does not match server %q", cfg.ID, id)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	old, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.CodeNotFound, "unknown server %s", id)
	}
	wasConnected := false
	switch old.Status() {
	case StatusConnected, StatusConnecting:
		wasConnected = true
	}
	replacement := newConn(cfg, m.dial, m.timeout)
	m.servers[id] = replacement
	m.mu.Unlock()

	old.Disconnect()
	m.log.Info("mcp.server.updated", slog.String("server_id", id))

	if !wasConnected {
		return nil
	}
	return replacement.Connect(ctx)
}

// ServerStatus describes one registered server for callers.
type ServerStatus struct {
	Config       ServerConfig
	Status       Status
	LastError    string
	ConnectedAt  time.Time
	Capabilities int
}

// Servers returns a snapshot of all registered servers sorted by id.
func (m *Manager) Servers() []ServerStatus {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, ServerStatus{
			Config:       conn.Config(),
			Status:       conn.Status(),
			LastError:    conn.LastError(),
			ConnectedAt:  conn.ConnectedAt(),
			Capabilities: len(conn.Capabilities()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Shutdown disconnects every server and clears the registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.servers = make(map[string]*Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}

func (m *Manager) server(id string) (*Conn, error) {
	m.mu.RLock()
	conn, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown server %s", id)
	}
	return conn, nil
}
