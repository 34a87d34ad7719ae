// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePatternStore persists error patterns in SQLite. Similarity is
// computed in process over the agent's patterns, so the table stays a plain
// append-only log.
type SQLitePatternStore struct {
	db *sql.DB
}

// NewSQLitePatternStore creates a SQLite-backed pattern store and ensures
// schema.
func NewSQLitePatternStore(db *sql.DB) (*SQLitePatternStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS error_patterns (
			id TEXT,
			agent_id TEXT NOT NULL,
			description TEXT NOT NULL,
			created_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_error_patterns_agent ON error_patterns (agent_id);
	`)
	if err != nil {
		return nil, err
	}
	return &SQLitePatternStore{db: db}, nil
}

// Record appends a pattern.
func (s *SQLitePatternStore) Record(ctx context.Context, pattern ErrorPattern) error {
	createdAt := pattern.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_patterns (id, agent_id, description, created_at)
		VALUES (?, ?, ?, ?)
	`, pattern.ID, pattern.AgentID, pattern.Description, createdAt)
	return err
}

// Similar loads the agent's patterns and ranks them by token-set similarity.
func (s *SQLitePatternStore) Similar(ctx context.Context, agentID, text string, threshold float64) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, description, created_at
		FROM error_patterns WHERE agent_id = ?
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queryTokens := tokenize(text)
	var matches []Match
	for rows.Next() {
		var p ErrorPattern
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		sim := jaccard(queryTokens, tokenize(p.Description))
		if sim >= threshold {
			matches = append(matches, Match{Pattern: p, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	return matches, nil
}
