// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	stderrors "errors"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomlabs/loom/pkg/errors"
)

func TestNameRoundTrip(t *testing.T) {
	namespaced := Name("files", "read_file")
	if namespaced != "files__read_file" {
		t.Fatalf("Name = %q", namespaced)
	}
	server, capability, err := SplitName(namespaced)
	if err != nil {
		t.Fatalf("SplitName: %v", err)
	}
	if server != "files" || capability != "read_file" {
		t.Errorf("SplitName = (%q, %q)", server, capability)
	}
}

func TestSplitNameRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "noseparator", "__leading", "trailing__", "__"} {
		if _, _, err := SplitName(in); err == nil {
			t.Errorf("SplitName(%q) accepted malformed input", in)
		} else if code := errors.CodeOf(err); code != errors.CodeInvalidIdentifier {
			t.Errorf("SplitName(%q) code = %s, want %s", in, code, errors.CodeInvalidIdentifier)
		}
	}
}

// multiDialer hands each server id its own fake client.
func multiDialer(clients map[string]*fakeClient) Dialer {
	return func(ctx context.Context, cfg ServerConfig) (RPCClient, error) {
		fc, ok := clients[cfg.ID]
		if !ok {
			return nil, stderrors.New("no fake for " + cfg.ID)
		}
		return fc, nil
	}
}

func TestAddServerRejectsDuplicate(t *testing.T) {
	m := NewManager(WithDialer(fakeDialer(&fakeClient{})))
	defer m.Shutdown()

	if err := m.AddServer(context.Background(), stdioConfig("files"), false); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	err := m.AddServer(context.Background(), stdioConfig("files"), false)
	if err == nil {
		t.Fatal("duplicate AddServer succeeded")
	}
	if code := errors.CodeOf(err); code != errors.CodeDuplicateServer {
		t.Errorf("code = %s, want %s", code, errors.CodeDuplicateServer)
	}
}

func TestAddServerAutoConnectFailureKeepsRegistration(t *testing.T) {
	fc := &fakeClient{initErr: stderrors.New("refused")}
	m := NewManager(WithDialer(fakeDialer(fc)))
	defer m.Shutdown()

	if err := m.AddServer(context.Background(), stdioConfig("files"), true); err == nil {
		t.Fatal("AddServer with failing connect returned nil")
	}
	servers := m.Servers()
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}
	if servers[0].Status != StatusError {
		t.Errorf("status = %s, want %s", servers[0].Status, StatusError)
	}
}

func TestConnectAllPartialFailure(t *testing.T) {
	clients := map[string]*fakeClient{
		"good": {tools: []mcpgo.Tool{echoTool("echo")}},
		"bad":  {initErr: stderrors.New("refused")},
	}
	m := NewManager(WithDialer(multiDialer(clients)))
	defer m.Shutdown()

	for id := range clients {
		if err := m.AddServer(context.Background(), stdioConfig(id), false); err != nil {
			t.Fatalf("AddServer(%s): %v", id, err)
		}
	}

	outcomes := m.ConnectAll(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	if outcomes["good"] != nil {
		t.Errorf("good server failed: %v", outcomes["good"])
	}
	if outcomes["bad"] == nil {
		t.Error("bad server reported success")
	}

	// The catalog reflects only the connected server.
	catalog := m.Catalog()
	if len(catalog) != 1 {
		t.Fatalf("catalog = %d entries, want 1", len(catalog))
	}
	if catalog[0].Name != "good__echo" {
		t.Errorf("catalog entry = %q, want good__echo", catalog[0].Name)
	}
}

func TestConnectAllSkipsDisabledServers(t *testing.T) {
	fc := &fakeClient{tools: []mcpgo.Tool{echoTool("echo")}}
	m := NewManager(WithDialer(fakeDialer(fc)))
	defer m.Shutdown()

	cfg := stdioConfig("files")
	cfg.Enabled = false
	if err := m.AddServer(context.Background(), cfg, false); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	outcomes := m.ConnectAll(context.Background())
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(outcomes))
	}
}

func TestDispatchRouting(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {tools: []mcpgo.Tool{echoTool("echo")}},
	}
	m := NewManager(WithDialer(multiDialer(clients)))
	defer m.Shutdown()
	if err := m.AddServer(context.Background(), stdioConfig("files"), true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	out, err := m.Dispatch(context.Background(), "files__echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != "ok" {
		t.Errorf("result = %v, want ok", out)
	}
}

func TestDispatchErrorTaxonomy(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {tools: []mcpgo.Tool{echoTool("echo")}},
		"idle":  {panicOnCall: true},
	}
	m := NewManager(WithDialer(multiDialer(clients)))
	defer m.Shutdown()
	if err := m.AddServer(context.Background(), stdioConfig("files"), true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.AddServer(context.Background(), stdioConfig("idle"), false); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	cases := []struct {
		name       string
		identifier string
		wantCode   errors.ErrorCode
	}{
		{"malformed identifier", "not-namespaced", errors.CodeInvalidIdentifier},
		{"unknown server", "ghost__echo", errors.CodeNotFound},
		{"disconnected server", "idle__echo", errors.CodeNotConnected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Dispatch(context.Background(), tc.identifier, nil)
			if err == nil {
				t.Fatal("Dispatch succeeded")
			}
			if code := errors.CodeOf(err); code != tc.wantCode {
				t.Errorf("code = %s, want %s", code, tc.wantCode)
			}
		})
	}
}

func TestRemoveServer(t *testing.T) {
	fc := &fakeClient{tools: []mcpgo.Tool{echoTool("echo")}}
	m := NewManager(WithDialer(fakeDialer(fc)))
	defer m.Shutdown()
	if err := m.AddServer(context.Background(), stdioConfig("files"), true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if !m.RemoveServer("files") {
		t.Fatal("RemoveServer reported missing server")
	}
	if m.RemoveServer("files") {
		t.Error("second RemoveServer reported success")
	}
	if fc.closeCalls != 1 {
		t.Errorf("transport closed %d times, want 1", fc.closeCalls)
	}
	if len(m.Catalog()) != 0 {
		t.Error("catalog still lists removed server")
	}
}

func TestUpdateServerPreservesConnectionIntent(t *testing.T) {
	oldClient := &fakeClient{tools: []mcpgo.Tool{echoTool("echo")}}
	newClient := &fakeClient{tools: []mcpgo.Tool{echoTool("echo"), echoTool("shout")}}
	first := true
	dial := func(ctx context.Context, cfg ServerConfig) (RPCClient, error) {
		if first {
			first = false
			return oldClient, nil
		}
		return newClient, nil
	}
	m := NewManager(WithDialer(dial))
	defer m.Shutdown()
	if err := m.AddServer(context.Background(), stdioConfig("files"), true); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	cfg := stdioConfig("files")
	cfg.Args = []string{"--verbose"}
	if err := m.UpdateServer(context.Background(), "files", cfg); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}

	if oldClient.closeCalls != 1 {
		t.Errorf("old transport closed %d times, want 1", oldClient.closeCalls)
	}
	servers := m.Servers()
	if len(servers) != 1 || servers[0].Status != StatusConnected {
		t.Fatalf("server not reconnected after update: %+v", servers)
	}
	if servers[0].Capabilities != 2 {
		t.Errorf("capabilities = %d, want 2 from new transport", servers[0].Capabilities)
	}
	if len(servers[0].Config.Args) != 1 {
		t.Error("updated config not stored")
	}
}

func TestUpdateServerStaysDisconnected(t *testing.T) {
	fc := &fakeClient{panicOnCall: true}
	m := NewManager(WithDialer(fakeDialer(fc)))
	defer m.Shutdown()
	if err := m.AddServer(context.Background(), stdioConfig("files"), false); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if err := m.UpdateServer(context.Background(), "files", stdioConfig("files")); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	servers := m.Servers()
	if servers[0].Status != StatusDisconnected {
		t.Errorf("status = %s, want %s", servers[0].Status, StatusDisconnected)
	}
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	clients := map[string]*fakeClient{
		"a": {tools: []mcpgo.Tool{echoTool("echo")}},
		"b": {tools: []mcpgo.Tool{echoTool("echo")}},
	}
	m := NewManager(WithDialer(multiDialer(clients)))
	for id := range clients {
		if err := m.AddServer(context.Background(), stdioConfig(id), true); err != nil {
			t.Fatalf("AddServer(%s): %v", id, err)
		}
	}

	m.Shutdown()
	for id, fc := range clients {
		if fc.closeCalls != 1 {
			t.Errorf("server %s closed %d times, want 1", id, fc.closeCalls)
		}
	}
	if len(m.Servers()) != 0 {
		t.Error("servers remain after shutdown")
	}
}
