// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtin provides the tools that ship with the runtime itself and
// run in-process, without an external server.
package builtin

import (
	"sort"
	"sync"

	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
)

// Registry holds built-in tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]core.Tool
}

// NewRegistry returns a registry preloaded with the standard tool set.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]core.Tool)}
	r.Register(&ClockTool{})
	r.Register(&CalcTool{})
	r.Register(&ReadFileTool{MaxBytes: defaultReadLimit})
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t core.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (core.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown builtin tool %s", name)
	}
	return t, nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns descriptors for the named tools, or for every
// registered tool when names is empty. Unknown names are skipped.
func (r *Registry) Capabilities(names []string) []core.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps []core.Capability
	if len(names) == 0 {
		for _, t := range r.tools {
			caps = append(caps, t.Capability())
		}
	} else {
		for _, name := range names {
			if t, ok := r.tools[name]; ok {
				caps = append(caps, t.Capability())
			}
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}
