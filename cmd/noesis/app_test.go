// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/noesis-ai/noesis/pkg/config"
	"github.com/noesis-ai/noesis/pkg/loop"
	"github.com/noesis-ai/noesis/pkg/tools"
)

func testConfig() *config.Config {
	return &config.Config{
		Chains: map[string]config.Chain{
			"default": {Providers: []config.ChainProvider{{Name: "mock"}}},
		},
		Risk: config.RiskConfig{DailyBudget: 50},
		Complexity: config.ComplexityConfig{
			MinLength:   200,
			MinKeywords: 2,
			Keywords:    config.DefaultComplexityKeywords(),
		},
		Confidence: config.ConfidenceConfig{
			SimilarityThreshold: 0.55,
			PenaltyPerMatch:     0.1,
			Chain:               "economy",
		},
		Loop: config.LoopConfig{
			MaxSteps:      10,
			WallClockSecs: 30,
			DefaultChain:  "default",
			ComplexChain:  "complex",
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAppRunsTurnWithMockChain(t *testing.T) {
	a := newTestApp(t, testConfig())

	rs, err := a.newRunnerSet()
	if err != nil {
		t.Fatalf("newRunnerSet: %v", err)
	}

	turn := rs.runner.Run(context.Background(), loop.TurnInput{
		SessionID: "cli",
		AgentID:   "noesis",
		Text:      "hello",
	}, loop.ContextBundle{})

	if turn.Outcome != loop.OutcomeCompleted {
		t.Fatalf("Outcome = %s, want completed", turn.Outcome)
	}
	if turn.Output == "" {
		t.Fatal("Expected non-empty output")
	}
	if err := loop.ValidateTrace(turn.Steps); err != nil {
		t.Fatalf("ValidateTrace: %v", err)
	}
}

func TestAppUsesSQLiteStorageWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.SQLitePath = "file:" + t.Name() + "?mode=memory&cache=shared"

	a := newTestApp(t, cfg)
	if a.db == nil {
		t.Fatal("Expected sqlite handle to be opened")
	}
	if _, err := a.newRunnerSet(); err != nil {
		t.Fatalf("newRunnerSet: %v", err)
	}
}

func TestAppAttachesSQLTools(t *testing.T) {
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE tasks (id INTEGER PRIMARY KEY, title TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	cfg := testConfig()
	cfg.Tools.SQLPath = dsn
	cfg.Tools.SQLReadOnly = true

	a := newTestApp(t, cfg)
	if _, ok := a.registry.Get("list_tasks"); !ok {
		t.Fatal("Expected generated list_tasks tool")
	}
	if _, ok := a.registry.Get("delete_tasks"); ok {
		t.Fatal("Did not expect write tools on read-only source")
	}
}

func TestNewRunnerSetRejectsEmptyChains(t *testing.T) {
	cfg := testConfig()
	cfg.Chains = nil

	a := newTestApp(t, cfg)
	if _, err := a.newRunnerSet(); err == nil {
		t.Fatal("Expected error for missing chains")
	}
}

func TestBuildProvider(t *testing.T) {
	for _, name := range []string{"anthropic", "openai", "ollama", "mock"} {
		if _, err := buildProvider(config.ChainProvider{Name: name}); err != nil {
			t.Fatalf("buildProvider(%s): %v", name, err)
		}
	}
	if _, err := buildProvider(config.ChainProvider{Name: "grok"}); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}

func TestBuiltinTiers(t *testing.T) {
	reg := tools.NewRegistry()
	if err := registerBuiltins(reg); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}

	want := map[string]tools.Tier{
		"get_time":    tools.TierLow,
		"list_dir":    tools.TierLow,
		"read_file":   tools.TierMedium,
		"fetch_url":   tools.TierMedium,
		"write_file":  tools.TierHigh,
		"delete_path": tools.TierCritical,
	}
	for name, tier := range want {
		if got := reg.TierOf(name); got != tier {
			t.Errorf("TierOf(%s) = %s, want %s", name, got, tier)
		}
	}
}

func TestBuiltinFileTools(t *testing.T) {
	reg := tools.NewRegistry()
	if err := registerBuiltins(reg); err != nil {
		t.Fatalf("registerBuiltins: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	ctx := context.Background()

	obs := reg.Invoke(ctx, "write_file", mustJSON(t, map[string]any{"path": path, "content": "remember this"}))
	if obs.IsError {
		t.Fatalf("write_file failed: %s", obs.Content)
	}

	obs = reg.Invoke(ctx, "read_file", mustJSON(t, map[string]any{"path": path}))
	if obs.IsError || obs.Content != "remember this" {
		t.Fatalf("read_file = %+v", obs)
	}

	obs = reg.Invoke(ctx, "list_dir", mustJSON(t, map[string]any{"path": dir}))
	if obs.IsError || !strings.Contains(obs.Content, "note.txt") {
		t.Fatalf("list_dir = %+v", obs)
	}

	obs = reg.Invoke(ctx, "delete_path", mustJSON(t, map[string]any{"path": path}))
	if obs.IsError {
		t.Fatalf("delete_path failed: %s", obs.Content)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("Expected file to be removed")
	}
}

func TestDeletePathRefusesRoot(t *testing.T) {
	if _, err := handleDeletePath(context.Background(), map[string]interface{}{"path": "/"}); err == nil {
		t.Fatal("Expected refusal for root path")
	}
	if _, err := handleDeletePath(context.Background(), map[string]interface{}{"path": "  "}); err == nil {
		t.Fatal("Expected refusal for empty path")
	}
}

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{"--json", "--session=dev", "--timeout", "5s", "ask", "hello"})
	if err != nil {
		t.Fatalf("parseGlobalFlags: %v", err)
	}
	if !flags.JSON || flags.Session != "dev" || flags.Timeout.Seconds() != 5 {
		t.Fatalf("flags = %+v", flags)
	}
	if len(rest) != 2 || rest[0] != "ask" {
		t.Fatalf("rest = %v", rest)
	}

	if _, _, err := parseGlobalFlags([]string{"--bogus"}); err == nil {
		t.Fatal("Expected error for unknown flag")
	}
}

func mustJSON(t *testing.T, value any) string {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}
