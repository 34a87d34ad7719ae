// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package deliberate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/resilience"
)

// Strategy labels one independent line of reasoning.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyCreative     Strategy = "creative"
	StrategyAnalytical   Strategy = "analytical"
)

var strategyPrompts = map[Strategy]string{
	StrategyConservative: "Reason conservatively. Prefer well-established, low-risk approaches " +
		"with strong precedent. Flag anything uncertain rather than speculating.",
	StrategyCreative: "Reason creatively. Explore unconventional angles and novel combinations " +
		"the obvious approach would miss, while staying grounded in the question.",
	StrategyAnalytical: "Reason analytically. Decompose the problem into parts, weigh each with " +
		"explicit criteria, and build the answer from that structure.",
}

// ScoreVector holds the four rubric dimensions, each 0 to 10.
type ScoreVector struct {
	Accuracy     int `json:"accuracy"`
	Completeness int `json:"completeness"`
	Practicality int `json:"practicality"`
	Originality  int `json:"originality"`
}

// Total sums the dimensions.
func (s ScoreVector) Total() int {
	return s.Accuracy + s.Completeness + s.Practicality + s.Originality
}

// Hypothesis is one generated strategy with its score.
type Hypothesis struct {
	Strategy Strategy    `json:"strategy"`
	Text     string      `json:"text"`
	Scores   ScoreVector `json:"scores"`
	// GenError records why this hypothesis is absent; Text is empty then.
	GenError string `json:"gen_error,omitempty"`
}

// Result is the outcome of one deliberation: the synthesized answer plus the
// full hypothesis record kept for audit.
type Result struct {
	Synthesis       string       `json:"synthesis"`
	ConfidenceLabel string       `json:"confidence_label"` // low, medium, high
	Hypotheses      []Hypothesis `json:"hypotheses"`
	Partial         bool         `json:"partial"`
}

// ModelCaller issues one chat call through a named chain. *router.Router
// satisfies this.
type ModelCaller interface {
	Invoke(ctx context.Context, chainName, agentTier string, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Engine runs tree-of-thought deliberation over a model chain.
type Engine struct {
	caller       ModelCaller
	chain        string
	agentTier    string
	genTimeout   time.Duration
	scoreTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAgentTier sets the rate-budget tier used for deliberation calls.
func WithAgentTier(tier string) EngineOption {
	return func(e *Engine) { e.agentTier = tier }
}

// WithTimeouts overrides the per-generation and per-scoring call timeouts.
func WithTimeouts(gen, score time.Duration) EngineOption {
	return func(e *Engine) {
		if gen > 0 {
			e.genTimeout = gen
		}
		if score > 0 {
			e.scoreTimeout = score
		}
	}
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a deliberation engine calling the named chain.
func NewEngine(caller ModelCaller, chain string, opts ...EngineOption) *Engine {
	e := &Engine{
		caller:       caller,
		chain:        chain,
		agentTier:    "standard",
		genTimeout:   45 * time.Second,
		scoreTimeout: 20 * time.Second,
		logger:       slog.Default(),
		tracer:       otel.Tracer("noesis/deliberate"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliberate generates three hypotheses in parallel, scores each, and
// synthesizes the two strongest into one answer. A failed or timed-out
// generation removes that hypothesis; synthesis proceeds with whatever
// survives, down to a minimum of one. Only zero survivors is an error.
func (e *Engine) Deliberate(ctx context.Context, query, contextText string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "Deliberate.Run",
		trace.WithAttributes(attribute.String("chain", e.chain)))
	defer span.End()

	strategies := []Strategy{StrategyConservative, StrategyCreative, StrategyAnalytical}
	hypotheses := make([]Hypothesis, len(strategies))

	var wg sync.WaitGroup
	for i, strategy := range strategies {
		wg.Add(1)
		go func(i int, strategy Strategy) {
			defer wg.Done()
			text, err := e.generate(ctx, strategy, query, contextText)
			if err != nil {
				e.logger.WarnContext(ctx, "hypothesis generation failed",
					"strategy", strategy, "error", err)
				hypotheses[i] = Hypothesis{Strategy: strategy, GenError: err.Error()}
				return
			}
			hypotheses[i] = Hypothesis{Strategy: strategy, Text: text}
		}(i, strategy)
	}
	wg.Wait()

	survivors := make([]int, 0, len(hypotheses))
	for i := range hypotheses {
		if hypotheses[i].GenError == "" {
			survivors = append(survivors, i)
		}
	}
	if len(survivors) == 0 {
		return nil, errors.New(errors.CodeDeliberationPartial,
			"all hypothesis generations failed", nil)
	}

	// Scoring calls fan out too; a malformed score is retried once, then
	// defaulted to a neutral 5 on every dimension rather than failing.
	var scoreWG sync.WaitGroup
	for _, i := range survivors {
		scoreWG.Add(1)
		go func(i int) {
			defer scoreWG.Done()
			hypotheses[i].Scores = e.score(ctx, query, hypotheses[i].Text)
		}(i)
	}
	scoreWG.Wait()

	sort.SliceStable(survivors, func(a, b int) bool {
		return hypotheses[survivors[a]].Scores.Total() > hypotheses[survivors[b]].Scores.Total()
	})
	top := survivors
	if len(top) > 2 {
		top = top[:2]
	}

	partial := len(survivors) < len(strategies)
	label := confidenceLabel(hypotheses, top, partial)

	synthesis := e.synthesize(ctx, query, hypotheses, top, label)
	if partial {
		synthesis += "\n\nNote: this answer was synthesized from fewer reasoning " +
			"strategies than usual and may carry reduced confidence."
	}

	span.SetAttributes(
		attribute.Int("hypotheses.survived", len(survivors)),
		attribute.String("confidence.label", label),
	)
	return &Result{
		Synthesis:       synthesis,
		ConfidenceLabel: label,
		Hypotheses:      hypotheses,
		Partial:         partial,
	}, nil
}

func (e *Engine) generate(ctx context.Context, strategy Strategy, query, contextText string) (string, error) {
	return resilience.WithTimeoutResult(ctx, e.genTimeout, func(ctx context.Context) (string, error) {
		messages := []llm.Message{
			{Role: llm.RoleSystem, Content: strategyPrompts[strategy]},
		}
		if contextText != "" {
			messages = append(messages, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Relevant context:\n" + contextText,
			})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

		resp, err := e.caller.Invoke(ctx, e.chain, e.agentTier, llm.ChatRequest{Messages: messages})
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(resp.Content) == "" {
			return "", errors.New(errors.CodeLLMError, "empty hypothesis text", nil)
		}
		return resp.Content, nil
	})
}

func (e *Engine) score(ctx context.Context, query, hypothesis string) ScoreVector {
	prompt := fmt.Sprintf(
		"Score the following answer to the question %q on four dimensions, each an "+
			"integer from 0 to 10: accuracy, completeness, practicality, originality.\n"+
			"Reply with exactly four comma-separated integers and nothing else.\n\nAnswer:\n%s",
		query, hypothesis)

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := resilience.WithTimeoutResult(ctx, e.scoreTimeout, func(ctx context.Context) (*llm.ChatResponse, error) {
			return e.caller.Invoke(ctx, e.chain, e.agentTier, llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			})
		})
		if err != nil {
			e.logger.WarnContext(ctx, "scoring call failed", "attempt", attempt, "error", err)
			continue
		}
		scores, perr := parseScores(resp.Content)
		if perr == nil {
			return scores
		}
		e.logger.WarnContext(ctx, "malformed score output",
			"attempt", attempt, "output", resp.Content, "error", perr)
	}
	return ScoreVector{Accuracy: 5, Completeness: 5, Practicality: 5, Originality: 5}
}

func (e *Engine) synthesize(ctx context.Context, query string, hypotheses []Hypothesis, top []int, label string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Combine the following candidate answers to %q into one coherent answer. "+
		"Reconcile any contradictions explicitly and state the overall confidence as %q.\n", query, label)
	for rank, i := range top {
		fmt.Fprintf(&sb, "\nCandidate %d (%s strategy, score %d/40):\n%s\n",
			rank+1, hypotheses[i].Strategy, hypotheses[i].Scores.Total(), hypotheses[i].Text)
	}

	resp, err := resilience.WithTimeoutResult(ctx, e.genTimeout, func(ctx context.Context) (*llm.ChatResponse, error) {
		return e.caller.Invoke(ctx, e.chain, e.agentTier, llm.ChatRequest{
			Messages: []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		})
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		// Fall back to the best hypothesis verbatim rather than losing the turn.
		e.logger.WarnContext(ctx, "synthesis call failed, using top hypothesis", "error", err)
		return hypotheses[top[0]].Text
	}
	return resp.Content
}

// confidenceLabel derives low/medium/high from the top scores. A high label
// needs a strong leader and close agreement between the top two; a partial
// deliberation never reports high.
func confidenceLabel(hypotheses []Hypothesis, top []int, partial bool) string {
	best := hypotheses[top[0]].Scores.Total()
	spread := 0
	if len(top) > 1 {
		spread = best - hypotheses[top[1]].Scores.Total()
	}

	label := "low"
	switch {
	case best >= 28 && spread <= 8:
		label = "high"
	case best >= 20:
		label = "medium"
	}
	if partial && label == "high" {
		label = "medium"
	}
	return label
}

var scoreNumbers = regexp.MustCompile(`\d+`)

// parseScores extracts a 4-tuple of integers in [0,10] from model output.
func parseScores(s string) (ScoreVector, error) {
	matches := scoreNumbers.FindAllString(s, -1)
	if len(matches) != 4 {
		return ScoreVector{}, fmt.Errorf("expected 4 scores, found %d", len(matches))
	}
	vals := make([]int, 4)
	for i, m := range matches {
		n, err := strconv.Atoi(m)
		if err != nil || n < 0 || n > 10 {
			return ScoreVector{}, fmt.Errorf("score %q out of range", m)
		}
		vals[i] = n
	}
	return ScoreVector{
		Accuracy:     vals[0],
		Completeness: vals[1],
		Practicality: vals[2],
		Originality:  vals[3],
	}, nil
}
