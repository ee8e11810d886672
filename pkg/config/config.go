// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads runtime configuration from defaults, an optional
// YAML file, and LOOM_-prefixed environment variables, in that precedence
// order.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Storage   StorageConfig   `koanf:"storage"`
	Skills    SkillsConfig    `koanf:"skills"`
	Tools     ToolsConfig     `koanf:"tools"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // openai, anthropic, ollama
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   string `koanf:"api_key"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type SkillsConfig struct {
	Dir string `koanf:"dir"`
}

type ToolsConfig struct {
	// CallTimeout bounds one tool invocation within a turn.
	CallTimeout time.Duration `koanf:"call_timeout"`
	// RequestTimeout bounds one transport round-trip to an external server.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// MaxToolCalls is the default per-turn tool budget when an agent profile
	// sets none.
	MaxToolCalls int `koanf:"max_tool_calls"`
}

type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Exporter string `koanf:"exporter"` // stdout, otlp
	Endpoint string `koanf:"endpoint"`
}

// Load reads configuration. path may be empty to use defaults + env only.
// Environment variables override the file: LOOM_LLM_PROVIDER → llm.provider.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen3:8b")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("storage.path", "loom.db")
	k.Set("skills.dir", "skills")
	k.Set("tools.call_timeout", "30s")
	k.Set("tools.request_timeout", "10s")
	k.Set("tools.max_tool_calls", 8)
	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Sections are single words, so only the first underscore separates the
	// section from the key: LOOM_TOOLS_MAX_TOOL_CALLS → tools.max_tool_calls.
	if err := k.Load(env.Provider("LOOM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "LOOM_")), "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
