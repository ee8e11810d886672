// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import "strings"

// CommandMarker prefixes command-style triggers. A trigger beginning with
// the marker matches only when the input begins with the trigger; any other
// trigger matches anywhere in the input.
const CommandMarker = "/"

// BuildContext renders the skill block appended to an agent's system prompt.
// The output is deterministic: skills render in input order, and an empty
// skill list yields the empty string with no stray separators.
func BuildContext(list []Skill) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Skills\n")
	for _, skill := range list {
		b.WriteString("\n## ")
		b.WriteString(skill.Name)
		b.WriteString("\n")
		b.WriteString(skill.Description)
		b.WriteString("\n")
		if skill.Body != "" {
			b.WriteString("\n")
			b.WriteString(skill.Body)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// AppendToPrompt joins the base system prompt and the rendered skill block.
// With no skills the assembled prompt equals the base prompt exactly.
func AppendToPrompt(base string, list []Skill) string {
	block := BuildContext(list)
	if block == "" {
		return base
	}
	if base == "" {
		return block
	}
	return base + "\n\n" + block
}

// MatchTriggers returns the subset of skills with at least one trigger
// matching the input, preserving input order. Matching is case-insensitive:
// command-style triggers match by input prefix, all others by substring.
func MatchTriggers(input string, list []Skill) []Skill {
	lowered := strings.ToLower(input)
	var matched []Skill
	for _, skill := range list {
		if triggersMatch(lowered, skill.Triggers) {
			matched = append(matched, skill)
		}
	}
	return matched
}

func triggersMatch(loweredInput string, triggers []string) bool {
	for _, trigger := range triggers {
		t := strings.ToLower(trigger)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, CommandMarker) {
			if strings.HasPrefix(loweredInput, t) {
				return true
			}
			continue
		}
		if strings.Contains(loweredInput, t) {
			return true
		}
	}
	return false
}
