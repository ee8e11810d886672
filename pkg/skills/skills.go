// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package skills loads skill documents and injects them into an agent's
// system prompt. A skill is a SKILL.md file with YAML frontmatter followed
// by freeform instructional text.
package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Skill describes one loaded skill document.
type Skill struct {
	Name        string
	Description string
	Triggers    []string
	Tags        []string
	Metadata    map[string]string
	Body        string
	Path        string
	Dir         string
}

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Store loads and caches skill documents. Cache entries are keyed by source
// path and invalidated explicitly on create/update/delete, never by time.
type Store struct {
	root string

	mu    sync.RWMutex
	cache map[string]Skill
}

// NewStore creates a Store rooted at the given skills directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		cache: make(map[string]Skill),
	}
}

// Root returns the skills directory.
func (s *Store) Root() string { return s.root }

// LoadFile parses a single SKILL.md file, serving from cache when present.
func (s *Store) LoadFile(path string) (Skill, error) {
	s.mu.RLock()
	cached, ok := s.cache[path]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	skill, err := parseFile(path)
	if err != nil {
		return Skill{}, err
	}

	s.mu.Lock()
	s.cache[path] = skill
	s.mu.Unlock()
	return skill, nil
}

// LoadDir scans the root for skill subdirectories containing SKILL.md.
func (s *Store) LoadDir() ([]Skill, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.root, entry.Name(), "SKILL.md")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := s.LoadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, skill)
	}
	return out, nil
}

// Ref identifies an enabled skill: resolution tries Path first and falls
// back to lookup by id under the store root.
type Ref struct {
	ID   string
	Path string
}

// LoadForAgent resolves each enabled reference, skipping unresolved
// references silently and de-duplicating by skill name within one load.
// A missing skill never fails the whole load.
func (s *Store) LoadForAgent(refs []Ref) []Skill {
	seen := make(map[string]bool, len(refs))
	out := make([]Skill, 0, len(refs))
	for _, ref := range refs {
		skill, err := s.resolve(ref)
		if err != nil {
			continue
		}
		if seen[skill.Name] {
			continue
		}
		seen[skill.Name] = true
		out = append(out, skill)
	}
	return out
}

func (s *Store) resolve(ref Ref) (Skill, error) {
	if ref.Path != "" {
		if skill, err := s.LoadFile(ref.Path); err == nil {
			return skill, nil
		}
	}
	if ref.ID == "" {
		return Skill{}, errors.New("unresolvable skill reference")
	}
	return s.LoadFile(filepath.Join(s.root, ref.ID, "SKILL.md"))
}

// Invalidate drops one cache entry. Call after updating or deleting the
// underlying document.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
}

// InvalidateAll drops every cache entry.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]Skill)
	s.mu.Unlock()
}

func parseFile(path string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Skill{}, fmt.Errorf("%s: %w", path, err)
	}
	var parsed frontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return Skill{}, fmt.Errorf("%s: parse frontmatter: %w", path, err)
	}
	skill := Skill{
		Name:        parsed.Name,
		Description: parsed.Description,
		Triggers:    cleanList(parsed.Triggers),
		Tags:        cleanList(parsed.Tags),
		Metadata:    parsed.Metadata,
		Body:        strings.TrimSpace(body),
		Path:        path,
		Dir:         filepath.Dir(path),
	}
	if err := validate(skill); err != nil {
		return Skill{}, fmt.Errorf("%s: %w", path, err)
	}
	return skill, nil
}

type frontmatter struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Triggers    []string          `yaml:"triggers"`
	Tags        []string          `yaml:"tags"`
	Metadata    map[string]string `yaml:"metadata"`
}

func splitFrontmatter(content string) (string, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", errors.New("missing frontmatter")
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return "", "", errors.New("invalid frontmatter")
	}
	return strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}

func validate(skill Skill) error {
	name := strings.TrimSpace(skill.Name)
	if name == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("name exceeds %d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	desc := strings.TrimSpace(skill.Description)
	if desc == "" {
		return errors.New("description is required")
	}
	if utf8.RuneCountInString(desc) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	return nil
}

func cleanList(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
