package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "SKILL.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	root := t.TempDir()
	path := writeSkill(t, root, "code-review", `---
name: code-review
description: Review code changes for defects and style.
triggers:
  - /review
  - review this
tags:
  - engineering
metadata:
  author: example-org
---

Focus on correctness first, style second.
`)

	store := NewStore(root)
	skill, err := store.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if skill.Name != "code-review" {
		t.Errorf("unexpected name: %s", skill.Name)
	}
	if len(skill.Triggers) != 2 || skill.Triggers[0] != "/review" {
		t.Errorf("unexpected triggers: %v", skill.Triggers)
	}
	if skill.Body != "Focus on correctness first, style second." {
		t.Errorf("unexpected body: %q", skill.Body)
	}
}

func TestLoadFileValidation(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	tests := []struct {
		name    string
		content string
	}{
		{"missing frontmatter", "no frontmatter here\n"},
		{"missing name", "---\ndescription: d\n---\nbody\n"},
		{"missing description", "---\nname: a-skill\n---\nbody\n"},
		{"bad name", "---\nname: Not Valid!\ndescription: d\n---\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSkill(t, root, "bad-skill", tt.content)
			store.Invalidate(path)
			if _, err := store.LoadFile(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: First.\n---\nbody a\n")
	writeSkill(t, root, "beta", "---\nname: beta\ndescription: Second.\n---\nbody b\n")
	// A directory without SKILL.md is skipped.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store := NewStore(root)
	list, err := store.LoadDir()
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(list))
	}
}

func TestCacheAndInvalidation(t *testing.T) {
	root := t.TempDir()
	path := writeSkill(t, root, "cached", "---\nname: cached\ndescription: Version one.\n---\n")

	store := NewStore(root)
	first, err := store.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// An update without invalidation must serve the cached copy.
	writeSkill(t, root, "cached", "---\nname: cached\ndescription: Version two.\n---\n")
	second, err := store.LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.Description != first.Description {
		t.Error("cache should have served the stale copy")
	}

	store.Invalidate(path)
	third, err := store.LoadFile(path)
	if err != nil {
		t.Fatalf("reload after invalidate: %v", err)
	}
	if third.Description != "Version two." {
		t.Errorf("invalidation not visible: %q", third.Description)
	}
}

func TestLoadForAgent(t *testing.T) {
	root := t.TempDir()
	pathA := writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: First.\n---\n")
	writeSkill(t, root, "beta", "---\nname: beta\ndescription: Second.\n---\n")

	store := NewStore(root)
	list := store.LoadForAgent([]Ref{
		{ID: "alpha", Path: pathA},
		{ID: "beta"},                       // resolved by id fallback
		{ID: "ghost"},                      // missing: skipped silently
		{ID: "alpha"},                      // duplicate: dropped
		{Path: filepath.Join(root, "nope")}, // unresolvable path, no id
	})

	if len(list) != 2 {
		t.Fatalf("expected 2 skills, got %d: %+v", len(list), list)
	}
	if list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Errorf("order not preserved: %s, %s", list[0].Name, list[1].Name)
	}
}

func TestLoadForAgentBadPathFallsBackToID(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "gamma", "---\nname: gamma\ndescription: Third.\n---\n")

	store := NewStore(root)
	list := store.LoadForAgent([]Ref{{ID: "gamma", Path: "/does/not/exist/SKILL.md"}})
	if len(list) != 1 || list[0].Name != "gamma" {
		t.Fatalf("id fallback failed: %+v", list)
	}
}
