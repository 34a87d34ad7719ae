// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrorPattern records one historical mistake for an agent: a short
// description of the query or answer that went wrong.
type ErrorPattern struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Match is an error pattern found similar to the current query.
type Match struct {
	Pattern    ErrorPattern `json:"pattern"`
	Similarity float64      `json:"similarity"`
}

// PatternStore persists error patterns and finds the ones similar to a text.
// Similar returns only matches at or above the threshold, highest first.
type PatternStore interface {
	Record(ctx context.Context, pattern ErrorPattern) error
	Similar(ctx context.Context, agentID, text string, threshold float64) ([]Match, error)
}

// MemoryPatternStore keeps patterns in process memory and compares them with
// token-set (Jaccard) similarity. Suitable for tests and single-process runs.
type MemoryPatternStore struct {
	mu       sync.RWMutex
	patterns []ErrorPattern
}

// NewMemoryPatternStore creates an empty in-memory store.
func NewMemoryPatternStore() *MemoryPatternStore {
	return &MemoryPatternStore{}
}

// Record appends a pattern.
func (s *MemoryPatternStore) Record(_ context.Context, pattern ErrorPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, pattern)
	return nil
}

// Similar returns the agent's patterns whose token overlap with text meets
// the threshold.
func (s *MemoryPatternStore) Similar(_ context.Context, agentID, text string, threshold float64) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryTokens := tokenize(text)
	var matches []Match
	for _, p := range s.patterns {
		if p.AgentID != agentID {
			continue
		}
		sim := jaccard(queryTokens, tokenize(p.Description))
		if sim >= threshold {
			matches = append(matches, Match{Pattern: p, Similarity: sim})
		}
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	return matches, nil
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		tokens[word] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
