// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import "sync"

// SessionApprovals holds single-use confirmation tokens granted by a user
// within a session. A grant approves exactly one invocation of one tool.
type SessionApprovals struct {
	mu     sync.Mutex
	grants map[string]map[string]int
}

// NewSessionApprovals creates an empty approval store.
func NewSessionApprovals() *SessionApprovals {
	return &SessionApprovals{grants: make(map[string]map[string]int)}
}

// Grant records one approval for toolName within the session.
func (s *SessionApprovals) Grant(sessionID, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool := s.grants[sessionID]
	if byTool == nil {
		byTool = make(map[string]int)
		s.grants[sessionID] = byTool
	}
	byTool[toolName]++
}

// Consume uses up one approval if present. Returns false when none remain.
func (s *SessionApprovals) Consume(sessionID, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTool := s.grants[sessionID]
	if byTool == nil || byTool[toolName] <= 0 {
		return false
	}
	byTool[toolName]--
	if byTool[toolName] == 0 {
		delete(byTool, toolName)
	}
	return true
}

// Revoke drops all grants for a session, for when a session ends.
func (s *SessionApprovals) Revoke(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, sessionID)
}
