// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists agent profiles, server configurations, sessions,
// and messages in SQLite. The runtime treats stored records as the
// authoritative copies; everything it holds in memory is a transient
// snapshot.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomlabs/loom/pkg/core"
	"github.com/loomlabs/loom/pkg/errors"
	"github.com/loomlabs/loom/pkg/mcp"
)

const settingSkillsDir = "skills_dir"

// Store is a SQLite-backed record store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc sqlite serializes writes itself; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			profile_json BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			config_json BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message_json BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY(session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveAgent inserts or replaces an agent profile.
func (s *Store) SaveAgent(ctx context.Context, profile core.AgentProfile) error {
	if profile.ID == "" {
		return errors.Newf(errors.CodeInvalidInput, "agent id is required")
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, profile_json, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		profile.ID, profile.Name, payload, time.Now().UTC().UnixMilli())
	return err
}

// GetAgent loads an agent profile by id.
func (s *Store) GetAgent(ctx context.Context, id string) (core.AgentProfile, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT profile_json FROM agents WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return core.AgentProfile{}, errors.Newf(errors.CodeNotFound, "agent %s not found", id)
	}
	var profile core.AgentProfile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return core.AgentProfile{}, err
	}
	return profile, nil
}

// ListAgents returns all stored profiles ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]core.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT profile_json FROM agents ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.AgentProfile
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var profile core.AgentProfile
		if err := json.Unmarshal(payload, &profile); err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent profile.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeNotFound, "agent %s not found", id)
	}
	return nil
}

// SaveServer inserts or replaces an external server configuration.
func (s *Store) SaveServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers (id, config_json, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		cfg.ID, payload, time.Now().UTC().UnixMilli())
	return err
}

// GetServer loads a server configuration by id.
func (s *Store) GetServer(ctx context.Context, id string) (mcp.ServerConfig, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM servers WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return mcp.ServerConfig{}, errors.Newf(errors.CodeNotFound, "server %s not found", id)
	}
	var cfg mcp.ServerConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return mcp.ServerConfig{}, err
	}
	return cfg, nil
}

// ListServers returns all stored server configurations ordered by id.
func (s *Store) ListServers(ctx context.Context) ([]mcp.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config_json FROM servers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mcp.ServerConfig
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cfg mcp.ServerConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteServer removes a server configuration.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeNotFound, "server %s not found", id)
	}
	return nil
}

// Session is one conversation thread against an agent.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSession starts a new session for an agent.
func (s *Store) CreateSession(ctx context.Context, agentID string) (Session, error) {
	sess := Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, created_at) VALUES (?, ?, ?)`,
		sess.ID, sess.AgentID, sess.CreatedAt.UnixMilli())
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.AgentID, &createdAt)
	if err != nil {
		return Session{}, errors.Newf(errors.CodeNotFound, "session %s not found", id)
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	return sess, nil
}

// ListSessions returns the sessions of one agent, newest first.
func (s *Store) ListSessions(ctx context.Context, agentID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, created_at FROM sessions WHERE agent_id = ? ORDER BY created_at DESC, id ASC`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var createdAt int64
		if err := rows.Scan(&sess.ID, &sess.AgentID, &createdAt); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendMessage appends one message to a session's strict append-only
// sequence. Missing id and timestamp are filled in.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg core.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, message_json, created_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?)`,
		sessionID, sessionID, payload, msg.CreatedAt.UnixMilli())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListMessages returns a session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]core.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_json FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ConversationMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg core.ConversationMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SetSkillsDir stores the skills directory setting.
func (s *Store) SetSkillsDir(ctx context.Context, dir string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingSkillsDir, dir)
	return err
}

// SkillsDir returns the stored skills directory, or not-found when unset.
func (s *Store) SkillsDir(ctx context.Context) (string, error) {
	var dir string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, settingSkillsDir).Scan(&dir)
	if err != nil {
		return "", errors.Newf(errors.CodeNotFound, "skills directory is not configured")
	}
	return dir, nil
}
