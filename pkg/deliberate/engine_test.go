// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package deliberate

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/noesis-ai/noesis/pkg/config"
	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
)

// fakeCaller routes requests by their prompt text so one fake can serve
// generation, scoring, and synthesis calls in a single deliberation.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []llm.ChatRequest
	handler func(req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (f *fakeCaller) Invoke(_ context.Context, _, _ string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeCaller) countCalls(kind func(llm.ChatRequest) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if kind(c) {
			n++
		}
	}
	return n
}

func isScoring(req llm.ChatRequest) bool {
	return len(req.Messages) == 1 && strings.HasPrefix(req.Messages[0].Content, "Score the following")
}

func isSynthesis(req llm.ChatRequest) bool {
	return len(req.Messages) == 1 && strings.HasPrefix(req.Messages[0].Content, "Combine the following")
}

func generationStrategy(req llm.ChatRequest) (Strategy, bool) {
	if len(req.Messages) == 0 || req.Messages[0].Role != llm.RoleSystem {
		return "", false
	}
	for strategy, prompt := range strategyPrompts {
		if req.Messages[0].Content == prompt {
			return strategy, true
		}
	}
	return "", false
}

func TestDeliberateAllThreeSucceed(t *testing.T) {
	caller := &fakeCaller{handler: func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case isScoring(req):
			return &llm.ChatResponse{Content: "8,7,6,5"}, nil
		case isSynthesis(req):
			return &llm.ChatResponse{Content: "synthesized answer"}, nil
		default:
			strategy, ok := generationStrategy(req)
			if !ok {
				t.Errorf("unexpected request: %+v", req)
			}
			return &llm.ChatResponse{Content: "answer from " + string(strategy)}, nil
		}
	}}

	engine := NewEngine(caller, "complex")
	result, err := engine.Deliberate(context.Background(), "compare X vs Y", "")
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if result.Synthesis != "synthesized answer" {
		t.Fatalf("synthesis = %q", result.Synthesis)
	}
	if result.Partial {
		t.Fatal("full deliberation flagged partial")
	}
	if len(result.Hypotheses) != 3 {
		t.Fatalf("got %d hypotheses, want 3", len(result.Hypotheses))
	}
	for _, h := range result.Hypotheses {
		if h.Scores.Total() != 26 {
			t.Fatalf("strategy %s total = %d, want 26", h.Strategy, h.Scores.Total())
		}
	}
	if result.ConfidenceLabel != "medium" {
		t.Fatalf("label = %q, want medium for total 26", result.ConfidenceLabel)
	}
}

func TestDeliberateSynthesizesTopTwo(t *testing.T) {
	scores := map[Strategy]string{
		StrategyConservative: "9,9,9,9",
		StrategyCreative:     "2,2,2,2",
		StrategyAnalytical:   "8,8,8,8",
	}
	var synthesisPrompt string
	caller := &fakeCaller{}
	caller.handler = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case isScoring(req):
			for strategy := range scores {
				if strings.Contains(req.Messages[0].Content, "answer from "+string(strategy)) {
					return &llm.ChatResponse{Content: scores[strategy]}, nil
				}
			}
			t.Errorf("scoring request for unknown hypothesis")
			return &llm.ChatResponse{Content: "5,5,5,5"}, nil
		case isSynthesis(req):
			synthesisPrompt = req.Messages[0].Content
			return &llm.ChatResponse{Content: "combined"}, nil
		default:
			strategy, _ := generationStrategy(req)
			return &llm.ChatResponse{Content: "answer from " + string(strategy)}, nil
		}
	}

	engine := NewEngine(caller, "complex")
	result, err := engine.Deliberate(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if result.Synthesis != "combined" {
		t.Fatalf("synthesis = %q", result.Synthesis)
	}
	if !strings.Contains(synthesisPrompt, "answer from conservative") ||
		!strings.Contains(synthesisPrompt, "answer from analytical") {
		t.Fatalf("synthesis prompt missing a top-2 hypothesis:\n%s", synthesisPrompt)
	}
	if strings.Contains(synthesisPrompt, "answer from creative") {
		t.Fatal("lowest-scored hypothesis leaked into synthesis")
	}
	if result.ConfidenceLabel != "high" {
		t.Fatalf("label = %q, want high for totals 36/32", result.ConfidenceLabel)
	}
}

func TestDeliberatePartialOnOneFailure(t *testing.T) {
	caller := &fakeCaller{}
	caller.handler = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case isScoring(req):
			return &llm.ChatResponse{Content: "9,9,9,9"}, nil
		case isSynthesis(req):
			return &llm.ChatResponse{Content: "combined"}, nil
		default:
			strategy, _ := generationStrategy(req)
			if strategy == StrategyCreative {
				return nil, errors.New(errors.CodeProviderExhausted, "chain failed", nil)
			}
			return &llm.ChatResponse{Content: "answer from " + string(strategy)}, nil
		}
	}

	engine := NewEngine(caller, "complex")
	result, err := engine.Deliberate(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if !result.Partial {
		t.Fatal("missing partial flag after a generation failure")
	}
	if !strings.Contains(result.Synthesis, "reduced confidence") {
		t.Fatal("partial synthesis missing reduced-confidence note")
	}
	if result.ConfidenceLabel == "high" {
		t.Fatal("partial deliberation reported high confidence")
	}
	var failed *Hypothesis
	for i := range result.Hypotheses {
		if result.Hypotheses[i].Strategy == StrategyCreative {
			failed = &result.Hypotheses[i]
		}
	}
	if failed == nil || failed.GenError == "" {
		t.Fatal("failed hypothesis not recorded with its error")
	}
}

func TestDeliberateFailsOnlyWhenAllGenerationsFail(t *testing.T) {
	caller := &fakeCaller{handler: func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New(errors.CodeProviderExhausted, "down", nil)
	}}

	engine := NewEngine(caller, "complex")
	_, err := engine.Deliberate(context.Background(), "q", "")
	if err == nil {
		t.Fatal("expected error with zero hypotheses")
	}
	if !errors.HasCode(err, errors.CodeDeliberationPartial) {
		t.Fatalf("error code = %v, want DELIBERATION_PARTIAL", err)
	}
}

func TestMalformedScoreRetriedThenNeutral(t *testing.T) {
	caller := &fakeCaller{}
	caller.handler = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case isScoring(req):
			return &llm.ChatResponse{Content: "I would rate this rather highly overall"}, nil
		case isSynthesis(req):
			return &llm.ChatResponse{Content: "combined"}, nil
		default:
			strategy, _ := generationStrategy(req)
			return &llm.ChatResponse{Content: "answer from " + string(strategy)}, nil
		}
	}

	engine := NewEngine(caller, "complex")
	result, err := engine.Deliberate(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	for _, h := range result.Hypotheses {
		want := ScoreVector{Accuracy: 5, Completeness: 5, Practicality: 5, Originality: 5}
		if h.Scores != want {
			t.Fatalf("strategy %s scores = %+v, want neutral 5s", h.Strategy, h.Scores)
		}
	}
	// One retry per hypothesis means exactly two scoring attempts each.
	if n := caller.countCalls(isScoring); n != 6 {
		t.Fatalf("scoring calls = %d, want 6", n)
	}
}

func TestSynthesisFailureFallsBackToTopHypothesis(t *testing.T) {
	caller := &fakeCaller{}
	caller.handler = func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch {
		case isScoring(req):
			if strings.Contains(req.Messages[0].Content, "answer from analytical") {
				return &llm.ChatResponse{Content: "10,10,10,10"}, nil
			}
			return &llm.ChatResponse{Content: "3,3,3,3"}, nil
		case isSynthesis(req):
			return nil, errors.New(errors.CodeProviderExhausted, "down", nil)
		default:
			strategy, _ := generationStrategy(req)
			return &llm.ChatResponse{Content: "answer from " + string(strategy)}, nil
		}
	}

	engine := NewEngine(caller, "complex")
	result, err := engine.Deliberate(context.Background(), "q", "")
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if result.Synthesis != "answer from analytical" {
		t.Fatalf("fallback synthesis = %q, want top hypothesis", result.Synthesis)
	}
}

func TestParseScores(t *testing.T) {
	cases := []struct {
		in      string
		want    ScoreVector
		wantErr bool
	}{
		{in: "8,7,6,5", want: ScoreVector{8, 7, 6, 5}},
		{in: "Scores: 8, 7, 6, 5", want: ScoreVector{8, 7, 6, 5}},
		{in: "8 7 6", wantErr: true},
		{in: "8,7,6,11", wantErr: true},
		{in: "no numbers here", wantErr: true},
		{in: "1,2,3,4,5", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseScores(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseScores(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseScores(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseScores(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(config.ComplexityConfig{})

	if c.IsComplex("what time is it") {
		t.Fatal("trivial query classified complex")
	}
	if c.IsComplex("please analyze this log line") {
		t.Fatal("one keyword alone classified complex")
	}
	if !c.IsComplex("compare the two designs and recommend one") {
		t.Fatal("two keywords not classified complex")
	}
	if !c.IsComplex(strings.Repeat("word ", 50)) {
		t.Fatal("long query not classified complex")
	}
}

func TestClassifierCustomThresholds(t *testing.T) {
	c := NewClassifier(config.ComplexityConfig{
		MinLength:   10,
		MinKeywords: 1,
		Keywords:    []string{"migrate"},
	})
	if !c.IsComplex("migrate db") {
		t.Fatal("custom keyword ignored")
	}
	if c.IsComplex("short") {
		t.Fatal("short non-keyword query classified complex")
	}
}
