// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/schema"
)

const defaultReadLimit = 64 * 1024

// ClockTool reports the current time.
type ClockTool struct {
	// Now is swappable for tests. Nil means time.Now.
	Now func() time.Time
}

func (t *ClockTool) Name() string { return "clock" }

func (t *ClockTool) Capability() core.Capability {
	return core.Capability{
		Name:        t.Name(),
		Description: "Returns the current date and time in UTC.",
		Input: &schema.Object{
			Properties: map[string]*schema.Property{
				"format": {Kind: schema.KindString, Description: "Go time layout, defaults to RFC 3339."},
			},
		},
	}
}

func (t *ClockTool) Call(ctx context.Context, args map[string]any) (any, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	layout := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		layout = f
	}
	return now().UTC().Format(layout), nil
}

// CalcTool performs basic arithmetic on two operands.
type CalcTool struct{}

func (t *CalcTool) Name() string { return "calc" }

func (t *CalcTool) Capability() core.Capability {
	return core.Capability{
		Name:        t.Name(),
		Description: "Performs arithmetic: add, sub, mul, div, pow, mod.",
		Input: &schema.Object{
			Properties: map[string]*schema.Property{
				"op": {Kind: schema.KindString, Description: "One of add, sub, mul, div, pow, mod."},
				"a":  {Kind: schema.KindNumber, Description: "Left operand."},
				"b":  {Kind: schema.KindNumber, Description: "Right operand."},
			},
			Required: []string{"op", "a", "b"},
		},
	}
}

func (t *CalcTool) Call(ctx context.Context, args map[string]any) (any, error) {
	op, _ := args["op"].(string)
	a, aok := toFloat(args["a"])
	b, bok := toFloat(args["b"])
	if !aok || !bok {
		return nil, errors.Newf(errors.CodeInvalidInput, "operands must be numbers")
	}
	switch op {
	case "add":
		return a + b, nil
	case "sub":
		return a - b, nil
	case "mul":
		return a * b, nil
	case "div":
		if b == 0 {
			return nil, errors.Newf(errors.CodeInvalidInput, "division by zero")
		}
		return a / b, nil
	case "pow":
		return math.Pow(a, b), nil
	case "mod":
		if b == 0 {
			return nil, errors.Newf(errors.CodeInvalidInput, "division by zero")
		}
		return math.Mod(a, b), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown operation %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ReadFileTool reads a local file, truncated to MaxBytes.
type ReadFileTool struct {
	MaxBytes int64
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Capability() core.Capability {
	return core.Capability{
		Name:        t.Name(),
		Description: fmt.Sprintf("Reads a text file from disk, up to %d bytes.", t.limit()),
		Input: &schema.Object{
			Properties: map[string]*schema.Property{
				"path": {Kind: schema.KindString, Description: "Path of the file to read."},
			},
			Required: []string{"path"},
		},
	}
}

func (t *ReadFileTool) Call(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(errors.CodeToolFailure, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, t.limit()))
	if err != nil {
		return nil, errors.New(errors.CodeToolFailure, fmt.Sprintf("read %s", path), err)
	}
	return string(data), nil
}

func (t *ReadFileTool) limit() int64 {
	if t.MaxBytes > 0 {
		return t.MaxBytes
	}
	return defaultReadLimit
}
