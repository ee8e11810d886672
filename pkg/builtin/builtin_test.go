// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"clock", "calc", "read_file"} {
		if !r.Has(name) {
			t.Errorf("registry missing %s", name)
		}
	}
	if _, err := r.Get("teleport"); err == nil {
		t.Error("Get accepted unknown tool")
	}
}

func TestRegistryCapabilitiesFiltered(t *testing.T) {
	r := NewRegistry()
	caps := r.Capabilities([]string{"clock", "nope"})
	if len(caps) != 1 {
		t.Fatalf("capabilities = %d, want 1", len(caps))
	}
	if caps[0].Name != "clock" {
		t.Errorf("capability = %q, want clock", caps[0].Name)
	}
	if all := r.Capabilities(nil); len(all) != 3 {
		t.Errorf("all capabilities = %d, want 3", len(all))
	}
}

func TestClockTool(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool := &ClockTool{Now: func() time.Time { return fixed }}

	out, err := tool.Call(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "2026-03-14T09:26:53Z" {
		t.Errorf("clock = %v", out)
	}

	out, err = tool.Call(context.Background(), map[string]any{"format": "2006-01-02"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "2026-03-14" {
		t.Errorf("formatted clock = %v", out)
	}
}

func TestCalcTool(t *testing.T) {
	tool := &CalcTool{}
	cases := []struct {
		op      string
		a, b    float64
		want    float64
		wantErr bool
	}{
		{"add", 2, 3, 5, false},
		{"sub", 2, 3, -1, false},
		{"mul", 4, 2.5, 10, false},
		{"div", 9, 3, 3, false},
		{"div", 1, 0, 0, true},
		{"mod", 7, 3, 1, false},
		{"pow", 2, 10, 1024, false},
		{"xor", 1, 2, 0, true},
	}
	for _, tc := range cases {
		out, err := tool.Call(context.Background(), map[string]any{"op": tc.op, "a": tc.a, "b": tc.b})
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s(%v, %v): want error", tc.op, tc.a, tc.b)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s(%v, %v): %v", tc.op, tc.a, tc.b, err)
			continue
		}
		if out != tc.want {
			t.Errorf("%s(%v, %v) = %v, want %v", tc.op, tc.a, tc.b, out, tc.want)
		}
	}
}

func TestCalcToolRejectsNonNumbers(t *testing.T) {
	tool := &CalcTool{}
	if _, err := tool.Call(context.Background(), map[string]any{"op": "add", "a": "one", "b": 2}); err == nil {
		t.Error("Call accepted string operand")
	}
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello loom"), 0o600); err != nil {
		t.Fatal(err)
	}

	tool := &ReadFileTool{}
	out, err := tool.Call(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hello loom" {
		t.Errorf("content = %q", out)
	}

	if _, err := tool.Call(context.Background(), map[string]any{"path": filepath.Join(dir, "missing")}); err == nil {
		t.Error("Call succeeded on missing file")
	}
	if _, err := tool.Call(context.Background(), map[string]any{}); err == nil {
		t.Error("Call succeeded without path")
	}
}

func TestReadFileToolTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 100)), 0o600); err != nil {
		t.Fatal(err)
	}

	tool := &ReadFileTool{MaxBytes: 10}
	out, err := tool.Call(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := out.(string); len(got) != 10 {
		t.Errorf("read %d bytes, want 10", len(got))
	}
}
