// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func openPatternDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLitePatternStoreRoundTrip(t *testing.T) {
	store, err := NewSQLitePatternStore(openPatternDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	if err := store.Record(ctx, ErrorPattern{
		ID:          "p1",
		AgentID:     "agent-1",
		Description: "database migration rollback steps",
		CreatedAt:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(ctx, ErrorPattern{
		ID:          "p2",
		AgentID:     "other-agent",
		Description: "database migration rollback steps",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	matches, err := store.Similar(ctx, "agent-1", "database migration rollback steps", 0.5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].Pattern.ID != "p1" {
		t.Fatalf("match id = %q, want p1", matches[0].Pattern.ID)
	}
	if matches[0].Similarity != 1 {
		t.Fatalf("similarity = %f, want 1", matches[0].Similarity)
	}
}

func TestSQLitePatternStoreThreshold(t *testing.T) {
	store, err := NewSQLitePatternStore(openPatternDB(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	if err := store.Record(ctx, ErrorPattern{
		ID:          "p1",
		AgentID:     "agent-1",
		Description: "entirely different topic altogether",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	matches, err := store.Similar(ctx, "agent-1", "kubernetes pod scheduling", 0.5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("got %d matches below threshold, want 0", len(matches))
	}
}
