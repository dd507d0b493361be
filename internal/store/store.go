// Package store provides the embedded relational store for agent records,
// issued approval tokens, and the audit index.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the single-file SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id   TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			last_seen  INTEGER NOT NULL,
			metadata   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS approval_tokens (
			token_id   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			scope      TEXT NOT NULL,
			issued_at  INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0,
			signature  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_agent ON approval_tokens(agent_id)`,
		`CREATE TABLE IF NOT EXISTS audit_index (
			seq       INTEGER PRIMARY KEY,
			tool      TEXT,
			agent_id  TEXT,
			status    TEXT,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_index(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_index(tool)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Agent is a persisted agent record.
type Agent struct {
	AgentID   string            `json:"agent_id"`
	CreatedAt time.Time         `json:"created_at"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// UpsertAgent creates the agent record on first contact and refreshes
// last_seen on subsequent calls.
func (s *Store) UpsertAgent(ctx context.Context, agentID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, created_at, last_seen, metadata)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(agent_id) DO UPDATE SET last_seen = excluded.last_seen
	`, agentID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent record.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, created_at, last_seen, metadata FROM agents WHERE agent_id = ?
	`, agentID)

	var agent Agent
	var created, seen int64
	var metadata sql.NullString
	if err := row.Scan(&agent.AgentID, &created, &seen, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	agent.CreatedAt = time.Unix(0, created).UTC()
	agent.LastSeen = time.Unix(0, seen).UTC()
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &agent.Metadata); err != nil {
			return nil, fmt.Errorf("decode agent metadata: %w", err)
		}
	}
	return &agent, nil
}

// DeleteAgentsIdleSince removes agents whose last_seen is older than cutoff.
// Returns the number removed.
func (s *Store) DeleteAgentsIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE last_seen < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete idle agents: %w", err)
	}
	return res.RowsAffected()
}

// Token is a persisted approval-token record.
type Token struct {
	TokenID   string    `json:"token_id"`
	AgentID   string    `json:"agent_id"`
	Scope     string    `json:"scope"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Signature string    `json:"signature"`
}

// InsertToken persists a newly issued token.
func (s *Store) InsertToken(ctx context.Context, t *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_tokens (token_id, agent_id, scope, issued_at, expires_at, revoked, signature)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, t.TokenID, t.AgentID, t.Scope, t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(), t.Signature)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken fetches a token record.
func (s *Store) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, agent_id, scope, issued_at, expires_at, revoked, signature
		FROM approval_tokens WHERE token_id = ?
	`, tokenID)

	var t Token
	var issued, expires int64
	var revoked int
	if err := row.Scan(&t.TokenID, &t.AgentID, &t.Scope, &issued, &expires, &revoked, &t.Signature); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.IssuedAt = time.Unix(0, issued).UTC()
	t.ExpiresAt = time.Unix(0, expires).UTC()
	t.Revoked = revoked != 0
	return &t, nil
}

// RevokeToken marks a token revoked. Idempotent: revoking an already revoked
// token succeeds and reports false.
func (s *Store) RevokeToken(ctx context.Context, tokenID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_tokens SET revoked = 1 WHERE token_id = ? AND revoked = 0
	`, tokenID)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListTokens returns tokens for an agent, newest first. Empty agentID lists
// all tokens.
func (s *Store) ListTokens(ctx context.Context, agentID string) ([]*Token, error) {
	query := `
		SELECT token_id, agent_id, scope, issued_at, expires_at, revoked, signature
		FROM approval_tokens`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		var t Token
		var issued, expires int64
		var revoked int
		if err := rows.Scan(&t.TokenID, &t.AgentID, &t.Scope, &issued, &expires, &revoked, &t.Signature); err != nil {
			return nil, err
		}
		t.IssuedAt = time.Unix(0, issued).UTC()
		t.ExpiresAt = time.Unix(0, expires).UTC()
		t.Revoked = revoked != 0
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// IndexAuditRecord maintains the audit_index table for operator queries.
func (s *Store) IndexAuditRecord(ctx context.Context, seq int64, tool, agentID, status string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_index (seq, tool, agent_id, status, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, seq, tool, agentID, status, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("index audit record: %w", err)
	}
	return nil
}

// AuditIndexEntry is one row of the audit index.
type AuditIndexEntry struct {
	Seq       int64     `json:"seq"`
	Tool      string    `json:"tool,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// QueryAuditIndex returns index rows for an agent and/or tool, newest first.
func (s *Store) QueryAuditIndex(ctx context.Context, agentID, tool string, limit int) ([]*AuditIndexEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, tool, agent_id, status, timestamp FROM audit_index WHERE 1=1`
	args := []any{}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	if tool != "" {
		query += ` AND tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit index: %w", err)
	}
	defer rows.Close()

	var entries []*AuditIndexEntry
	for rows.Next() {
		var e AuditIndexEntry
		var tool, agent, status sql.NullString
		var ts int64
		if err := rows.Scan(&e.Seq, &tool, &agent, &status, &ts); err != nil {
			return nil, err
		}
		e.Tool = tool.String
		e.AgentID = agent.String
		e.Status = status.String
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
