// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import (
	"context"
	"math"
	"testing"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
)

type fixedCaller struct {
	content string
	err     error
	calls   int
}

func (f *fixedCaller) Invoke(_ context.Context, _, _ string, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}

func TestQuantifyBands(t *testing.T) {
	cases := []struct {
		raw  string
		band Band
	}{
		{raw: "0.9", band: BandLow},
		{raw: "0.7", band: BandLow},
		{raw: "0.5", band: BandMedium},
		{raw: "0.4", band: BandMedium},
		{raw: "0.25", band: BandHigh},
		{raw: "0.0", band: BandHigh},
	}
	for _, tc := range cases {
		c := NewCalibrator(&fixedCaller{content: tc.raw}, "economy")
		result := c.Quantify(context.Background(), "q", "a", "agent-1")
		if result.Band != tc.band {
			t.Fatalf("raw %s: band = %s, want %s", tc.raw, result.Band, tc.band)
		}
		if result.Recommendation != recommendations[tc.band] {
			t.Fatalf("raw %s: wrong recommendation %q", tc.raw, result.Recommendation)
		}
	}
}

func TestQuantifyAppliesPatternPenalty(t *testing.T) {
	store := NewMemoryPatternStore()
	for _, desc := range []string{
		"quarterly revenue forecast for the sales team",
		"revenue forecast for quarterly sales",
	} {
		if err := store.Record(context.Background(), ErrorPattern{
			AgentID:     "agent-1",
			Description: desc,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	c := NewCalibrator(&fixedCaller{content: "0.8"}, "economy",
		WithPatternStore(store),
		WithThresholds(0.5, 0.1))
	result := c.Quantify(context.Background(), "quarterly revenue forecast for the sales team", "a", "agent-1")

	if result.MatchedErrors != 2 {
		t.Fatalf("matched = %d, want 2", result.MatchedErrors)
	}
	if result.Calibrated >= result.Raw {
		t.Fatalf("calibrated %f not below raw %f despite matches", result.Calibrated, result.Raw)
	}
	if result.Calibrated < 0 || result.Calibrated > 1 {
		t.Fatalf("calibrated %f outside [0,1]", result.Calibrated)
	}
}

func TestQuantifyPenaltyScopedToAgent(t *testing.T) {
	store := NewMemoryPatternStore()
	if err := store.Record(context.Background(), ErrorPattern{
		AgentID:     "other-agent",
		Description: "quarterly revenue forecast",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	c := NewCalibrator(&fixedCaller{content: "0.8"}, "economy",
		WithPatternStore(store), WithThresholds(0.3, 0.1))
	result := c.Quantify(context.Background(), "quarterly revenue forecast", "a", "agent-1")
	if result.MatchedErrors != 0 {
		t.Fatalf("matched another agent's patterns: %d", result.MatchedErrors)
	}
	if result.Calibrated != result.Raw {
		t.Fatalf("penalty applied without matches: raw %f calibrated %f", result.Raw, result.Calibrated)
	}
}

func TestQuantifyDegradesOnProviderFailure(t *testing.T) {
	c := NewCalibrator(&fixedCaller{
		err: errors.New(errors.CodeProviderExhausted, "all providers failed", nil),
	}, "economy")

	result := c.Quantify(context.Background(), "q", "a", "agent-1")
	if result.Raw != 0.5 || result.Calibrated != 0.5 {
		t.Fatalf("degraded scores = %f/%f, want 0.5/0.5", result.Raw, result.Calibrated)
	}
	if result.Band != BandMedium {
		t.Fatalf("degraded band = %s, want medium", result.Band)
	}
}

func TestQuantifyDegradesOnUnparseableOutput(t *testing.T) {
	c := NewCalibrator(&fixedCaller{content: "quite confident overall"}, "economy")
	result := c.Quantify(context.Background(), "q", "a", "agent-1")
	if result.Raw != 0.5 || result.Band != BandMedium {
		t.Fatalf("got %f/%s, want 0.5/medium", result.Raw, result.Band)
	}
}

func TestQuantifyIdempotent(t *testing.T) {
	store := NewMemoryPatternStore()
	if err := store.Record(context.Background(), ErrorPattern{
		AgentID:     "agent-1",
		Description: "parsing nested json structures",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	c := NewCalibrator(&fixedCaller{content: "0.6"}, "economy",
		WithPatternStore(store), WithThresholds(0.3, 0.1))

	first := c.Quantify(context.Background(), "parsing nested json structures", "a", "agent-1")
	second := c.Quantify(context.Background(), "parsing nested json structures", "a", "agent-1")

	if first.Band != second.Band {
		t.Fatalf("bands differ: %s vs %s", first.Band, second.Band)
	}
	if math.Abs(first.Calibrated-second.Calibrated) > 1e-9 {
		t.Fatalf("calibrated scores differ: %f vs %f", first.Calibrated, second.Calibrated)
	}
}

func TestParseScore(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "0.85", want: 0.85, ok: true},
		{in: "Confidence: 0.4", want: 0.4, ok: true},
		{in: "1", want: 1, ok: true},
		{in: ".9", want: 0.9, ok: true},
		{in: "5", want: 1, ok: true}, // clamped
		{in: "no digits", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseScore(tc.in)
		if ok != tc.ok {
			t.Fatalf("parseScore(%q) ok = %v, want %v", tc.in, ok, tc.ok)
		}
		if ok && math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("parseScore(%q) = %f, want %f", tc.in, got, tc.want)
		}
	}
}

func TestMemoryStoreSimilarityOrderAndThreshold(t *testing.T) {
	store := NewMemoryPatternStore()
	patterns := []string{
		"alpha beta gamma delta",
		"alpha beta gamma",
		"completely unrelated words here",
	}
	for _, desc := range patterns {
		if err := store.Record(context.Background(), ErrorPattern{
			AgentID:     "agent-1",
			Description: desc,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	matches, err := store.Similar(context.Background(), "agent-1", "alpha beta gamma delta", 0.5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Similarity < matches[1].Similarity {
		t.Fatal("matches not ordered by similarity")
	}
	if matches[0].Pattern.Description != "alpha beta gamma delta" {
		t.Fatalf("best match = %q", matches[0].Pattern.Description)
	}
}

func TestJaccardEdgeCases(t *testing.T) {
	if sim := jaccard(tokenize(""), tokenize("words")); sim != 0 {
		t.Fatalf("empty query similarity = %f", sim)
	}
	if sim := jaccard(tokenize("same words"), tokenize("same words")); sim != 1 {
		t.Fatalf("identical similarity = %f, want 1", sim)
	}
}
