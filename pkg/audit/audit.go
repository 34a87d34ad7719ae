// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit persists risk decisions and step traces for compliance
// review, queryable independently of any Turn object. The core only appends;
// reads happen out of band.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Decision records one risk gate outcome.
type Decision struct {
	ID         string
	TurnID     string
	Tool       string
	ArgsDigest string
	Tier       string
	Approved   bool
	Reason     string
	CreatedAt  time.Time
}

// Step records one reasoning step for out-of-band trace review.
type Step struct {
	TurnID    string
	Index     int
	Type      string
	Content   string
	Tool      string
	IsError   bool
	CreatedAt time.Time
	Duration  time.Duration
}

// TurnRecord summarizes one completed turn for out-of-band review.
type TurnRecord struct {
	TurnID      string
	SessionID   string
	AgentID     string
	Outcome     string
	Steps       int
	TotalTokens int
	Confidence  float64
	CreatedAt   time.Time
}

// DecisionFilter limits decision queries.
type DecisionFilter struct {
	TurnID string
	Tool   string
	Tier   string
	Limit  int
}

// Store is the audit sink. Implementations must support safe concurrent
// append; the core treats it as write-only and fire-and-forget.
type Store interface {
	RecordDecision(ctx context.Context, decision Decision) error
	RecordStep(ctx context.Context, step Step) error
	RecordTurn(ctx context.Context, turn TurnRecord) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]Decision, error)
	ListSteps(ctx context.Context, turnID string) ([]Step, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
}

// DigestArgs produces a stable digest of tool arguments for audit keying,
// so raw argument payloads never need to be retained.
func DigestArgs(rawArgs string) string {
	sum := sha256.Sum256([]byte(rawArgs))
	return hex.EncodeToString(sum[:8])
}

// MemoryStore keeps audit records in memory. The default for tests and for
// callers that bring their own compliance pipeline.
type MemoryStore struct {
	mu        sync.Mutex
	decisions []Decision
	steps     []Step
	turns     []TurnRecord
}

// NewMemoryStore returns an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RecordDecision appends a decision record.
func (s *MemoryStore) RecordDecision(_ context.Context, decision Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, decision)
	return nil
}

// RecordStep appends a step record.
func (s *MemoryStore) RecordStep(_ context.Context, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return nil
}

// RecordTurn appends a turn summary record.
func (s *MemoryStore) RecordTurn(_ context.Context, turn TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

// ListDecisions returns filtered decision records in append order.
func (s *MemoryStore) ListDecisions(_ context.Context, filter DecisionFilter) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		if filter.TurnID != "" && d.TurnID != filter.TurnID {
			continue
		}
		if filter.Tool != "" && d.Tool != filter.Tool {
			continue
		}
		if filter.Tier != "" && d.Tier != filter.Tier {
			continue
		}
		out = append(out, d)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListSteps returns a turn's step records in append order.
func (s *MemoryStore) ListSteps(_ context.Context, turnID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, 0)
	for _, step := range s.steps {
		if step.TurnID == turnID {
			out = append(out, step)
		}
	}
	return out, nil
}

// ListTurns returns turn summaries in append order, optionally scoped to a
// session and capped at limit.
func (s *MemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRecord, 0)
	for _, turn := range s.turns {
		if sessionID != "" && turn.SessionID != sessionID {
			continue
		}
		out = append(out, turn)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
