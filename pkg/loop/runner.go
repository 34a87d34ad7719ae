// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noesis-ai/noesis/pkg/audit"
	"github.com/noesis-ai/noesis/pkg/confidence"
	"github.com/noesis-ai/noesis/pkg/deliberate"
	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/risk"
	"github.com/noesis-ai/noesis/pkg/telemetry"
	"github.com/noesis-ai/noesis/pkg/tools"
)

const systemPrompt = "You are a careful assistant. Think step by step. " +
	"Use the provided tools when they help, one decision at a time, and give " +
	"a direct final answer when you have enough information."

const (
	defaultMaxSteps  = 10
	defaultWallClock = 2 * time.Minute
)

// ModelCaller issues one chat call through a named chain.
type ModelCaller interface {
	Invoke(ctx context.Context, chainName, agentTier string, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// RiskGate decides whether a requested tool call may proceed.
type RiskGate interface {
	Classify(ctx context.Context, turnID, sessionID, toolName, rawArgs string) risk.Decision
}

// Deliberator runs tree-of-thought deliberation on complex queries.
type Deliberator interface {
	Deliberate(ctx context.Context, query, contextText string) (*deliberate.Result, error)
}

// Quantifier calibrates confidence in a final answer.
type Quantifier interface {
	Quantify(ctx context.Context, query, answer, agentID string) confidence.Result
}

// Runner executes turns. One Run call is one logical task; concurrent Runs
// share only the rate budget and the audit sink.
type Runner struct {
	router      ModelCaller
	registry    *tools.Registry
	gate        RiskGate
	classifier  *deliberate.Classifier
	deliberator Deliberator
	calibrator  Quantifier
	auditStore  audit.Store

	defaultChain string
	complexChain string
	agentTier    string
	maxSteps     int
	wallClock    time.Duration

	logger *slog.Logger
	tracer trace.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRiskGate installs the risk gate. Without one, every tool call proceeds.
func WithRiskGate(gate RiskGate) RunnerOption {
	return func(r *Runner) { r.gate = gate }
}

// WithDeliberation installs the complexity classifier and the engine complex
// queries are routed through.
func WithDeliberation(classifier *deliberate.Classifier, engine Deliberator) RunnerOption {
	return func(r *Runner) {
		r.classifier = classifier
		r.deliberator = engine
	}
}

// WithCalibrator installs the confidence calibrator applied to final answers.
func WithCalibrator(calibrator Quantifier) RunnerOption {
	return func(r *Runner) { r.calibrator = calibrator }
}

// WithAuditStore installs the fire-and-forget trace sink.
func WithAuditStore(store audit.Store) RunnerOption {
	return func(r *Runner) { r.auditStore = store }
}

// WithChains names the chains used for plain and complex turns.
func WithChains(defaultChain, complexChain string) RunnerOption {
	return func(r *Runner) {
		if defaultChain != "" {
			r.defaultChain = defaultChain
		}
		if complexChain != "" {
			r.complexChain = complexChain
		}
	}
}

// WithAgentTier sets the rate-budget tier for this runner's model calls.
func WithAgentTier(tier string) RunnerOption {
	return func(r *Runner) { r.agentTier = tier }
}

// WithBudgetDefaults sets the fallback step and wall-clock budgets applied
// when the context bundle carries none.
func WithBudgetDefaults(maxSteps int, wallClock time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxSteps > 0 {
			r.maxSteps = maxSteps
		}
		if wallClock > 0 {
			r.wallClock = wallClock
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner over the given router and tool registry.
func NewRunner(router ModelCaller, registry *tools.Registry, opts ...RunnerOption) (*Runner, error) {
	if router == nil {
		return nil, errors.New(errors.CodeInvalidInput, "model caller is required", nil)
	}
	if registry == nil {
		return nil, errors.New(errors.CodeInvalidInput, "tool registry is required", nil)
	}
	r := &Runner{
		router:       router,
		registry:     registry,
		defaultChain: "default",
		complexChain: "complex",
		agentTier:    "standard",
		maxSteps:     defaultMaxSteps,
		wallClock:    defaultWallClock,
		logger:       slog.Default(),
		tracer:       otel.Tracer("noesis/loop"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes one turn to completion. It always returns a Turn whose trace
// ends in exactly one final step; provider exhaustion, rate limiting, and
// budget expiry all produce a final answer rather than an error.
func (r *Runner) Run(ctx context.Context, input TurnInput, bundle ContextBundle) *Turn {
	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: input.SessionID,
		AgentID:   input.AgentID,
		Input:     input.Text,
		StartedAt: time.Now().UTC(),
	}

	maxSteps := bundle.Budget.MaxSteps
	if maxSteps <= 0 {
		maxSteps = r.maxSteps
	}
	wallClock := bundle.Budget.WallClock
	if wallClock <= 0 {
		wallClock = r.wallClock
	}
	ctx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "Loop.Run",
		trace.WithAttributes(
			attribute.String("turn.id", turn.ID),
			attribute.String("agent.id", input.AgentID),
		))
	defer span.End()
	defer func() {
		span.SetAttributes(
			attribute.String("turn.outcome", string(turn.Outcome)),
			attribute.Int("turn.steps", len(turn.Steps)),
		)
		go r.persist(turn)
	}()

	messages := r.buildPrompt(input, bundle)
	definitions := r.registry.Definitions()
	complex := r.classifier != nil && r.classifier.IsComplex(input.Text)
	deliberated := false

	for iteration := 0; iteration < maxSteps; iteration++ {
		if ctx.Err() != nil {
			return r.budgetFinal(ctx, turn, input)
		}

		resp, err := r.router.Invoke(ctx, r.chainFor(complex), r.agentTier, llm.ChatRequest{
			Messages: messages,
			Tools:    definitions,
		})
		if err != nil {
			return r.modelFailureFinal(ctx, turn, input, err)
		}
		turn.Usage.Add(resp.Usage)
		telemetry.Metrics().RecordTokens(ctx, input.AgentID, resp.Usage.TotalTokens)

		if len(resp.ToolCalls) == 0 {
			answer := resp.Content
			if complex && !deliberated && r.deliberator != nil {
				deliberated = true
				if synthesized, ok := r.deliberateAnswer(ctx, turn, input, bundle); ok {
					answer = synthesized
				}
			}
			return r.finalize(ctx, turn, input, answer, OutcomeCompleted)
		}

		if resp.Content != "" {
			r.appendStep(ctx, turn, ReasoningStep{Type: StepReason, Content: resp.Content})
		}
		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool calls within a turn are strictly sequential: each result is
		// observed before the next action runs.
		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return r.budgetFinal(ctx, turn, input)
			}
			observation := r.invokeGated(ctx, turn, input, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    observation,
				ToolCallID: call.ID,
			})
		}
	}
	return r.budgetFinal(ctx, turn, input)
}

func (r *Runner) buildPrompt(input TurnInput, bundle ContextBundle) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
	if bundle.RetrievedContext != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Relevant context:\n" + bundle.RetrievedContext,
		})
	}
	messages = append(messages, bundle.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: input.Text})
	return messages
}

func (r *Runner) chainFor(complex bool) string {
	if complex {
		if hc, ok := r.router.(interface{ HasChain(string) bool }); !ok || hc.HasChain(r.complexChain) {
			return r.complexChain
		}
	}
	return r.defaultChain
}

// invokeGated runs one tool call through the risk gate and registry,
// appending the act and observe steps. A blocked call produces a synthetic
// refusal observation instead of terminating the turn.
func (r *Runner) invokeGated(ctx context.Context, turn *Turn, input TurnInput, call llm.ToolCall) string {
	name := call.Function.Name
	args := call.Function.Arguments
	r.appendStep(ctx, turn, ReasoningStep{Type: StepAct, Tool: name, Args: args})

	if r.gate != nil {
		decision := r.gate.Classify(ctx, turn.ID, input.SessionID, name, args)
		if !decision.Approved {
			refusal := refusalObservation(decision)
			r.appendStep(ctx, turn, ReasoningStep{Type: StepObserve, Tool: name, Content: refusal})
			return refusal
		}
	}

	obs := r.registry.Invoke(ctx, name, args)
	r.appendStep(ctx, turn, ReasoningStep{
		Type:     StepObserve,
		Tool:     name,
		Content:  obs.Content,
		IsError:  obs.IsError,
		Duration: obs.Duration,
	})
	return obs.Content
}

func (r *Runner) deliberateAnswer(ctx context.Context, turn *Turn, input TurnInput, bundle ContextBundle) (string, bool) {
	result, err := r.deliberator.Deliberate(ctx, input.Text, bundle.RetrievedContext)
	if err != nil {
		r.logger.WarnContext(ctx, "deliberation failed, keeping direct answer",
			"turn_id", turn.ID, "error", err)
		return "", false
	}

	record, _ := json.Marshal(result.Hypotheses)
	r.appendStep(ctx, turn, ReasoningStep{
		Type: StepReason,
		Content: fmt.Sprintf("deliberated across %d strategies, confidence %s: %s",
			len(result.Hypotheses), result.ConfidenceLabel, string(record)),
	})
	return result.Synthesis, true
}

func (r *Runner) finalize(ctx context.Context, turn *Turn, input TurnInput, answer string, outcome Outcome) *Turn {
	if outcome == OutcomeCompleted && r.calibrator != nil {
		result := r.calibrator.Quantify(ctx, input.Text, answer, input.AgentID)
		turn.Confidence = &result
		if result.Band == confidence.BandHigh {
			answer = result.Recommendation + "\n\n" + answer
		}
	}

	r.appendStep(ctx, turn, ReasoningStep{Type: StepFinal, Content: answer})
	turn.Output = answer
	turn.Outcome = outcome
	turn.CompletedAt = time.Now().UTC()
	telemetry.Metrics().RecordTurn(ctx, input.AgentID, string(outcome))
	return turn
}

func (r *Runner) modelFailureFinal(ctx context.Context, turn *Turn, input TurnInput, err error) *Turn {
	switch {
	case ctx.Err() != nil:
		// The turn's own deadline ran out mid-call; whatever error the
		// router reported, this is budget exhaustion, not unavailability.
		return r.budgetFinal(ctx, turn, input)
	case errors.HasCode(err, errors.CodeRateLimited):
		r.logger.InfoContext(ctx, "turn rate limited", "turn_id", turn.ID)
		return r.finalize(ctx, turn, input,
			"I'm handling a lot of requests right now. Please try again in a moment.",
			OutcomeBusy)
	case stderrors.Is(err, context.DeadlineExceeded) || errors.HasCode(err, errors.CodeTimeout):
		return r.budgetFinal(ctx, turn, input)
	default:
		r.logger.ErrorContext(ctx, "model chain failed", "turn_id", turn.ID, "error", err)
		return r.finalize(ctx, turn, input,
			"The assistant is temporarily unavailable. Please try again shortly.",
			OutcomeUnavailable)
	}
}

// budgetFinal forces a partial-progress answer when the step or wall-clock
// budget runs out. No further model calls are made.
func (r *Runner) budgetFinal(ctx context.Context, turn *Turn, input TurnInput) *Turn {
	answer := "I couldn't complete this task within its budget. " + partialSummary(turn.Steps)
	return r.finalize(ctx, turn, input, answer, OutcomeBudget)
}

func (r *Runner) appendStep(ctx context.Context, turn *Turn, step ReasoningStep) {
	step.Timestamp = time.Now().UTC()
	turn.Steps = append(turn.Steps, step)
	telemetry.Metrics().RecordStep(ctx, string(step.Type))
}

// persist writes the trace to the audit sink. It runs detached from the
// caller; a lagging sink never delays the answer.
func (r *Runner) persist(turn *Turn) {
	if r.auditStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, step := range turn.Steps {
		err := r.auditStore.RecordStep(ctx, audit.Step{
			TurnID:    turn.ID,
			Index:     i,
			Type:      string(step.Type),
			Content:   step.Content,
			Tool:      step.Tool,
			IsError:   step.IsError,
			CreatedAt: step.Timestamp,
			Duration:  step.Duration,
		})
		if err != nil {
			r.logger.Warn("trace persistence failed", "turn_id", turn.ID, "error", err)
			return
		}
	}
	record := audit.TurnRecord{
		TurnID:      turn.ID,
		SessionID:   turn.SessionID,
		AgentID:     turn.AgentID,
		Outcome:     string(turn.Outcome),
		Steps:       len(turn.Steps),
		TotalTokens: turn.Usage.TotalTokens,
		CreatedAt:   turn.CompletedAt,
	}
	if turn.Confidence != nil {
		record.Confidence = turn.Confidence.Calibrated
	}
	if err := r.auditStore.RecordTurn(ctx, record); err != nil {
		r.logger.Warn("turn persistence failed", "turn_id", turn.ID, "error", err)
	}
}

func refusalObservation(decision risk.Decision) string {
	payload, err := json.Marshal(map[string]string{
		"refused":         "true",
		"risk_tier":       string(decision.Tier),
		"reason":          decision.Reason,
		"required_action": decision.RequiredAction,
	})
	if err != nil {
		return fmt.Sprintf("tool call refused: %s", decision.Reason)
	}
	return string(payload)
}

func partialSummary(steps []ReasoningStep) string {
	actions := 0
	lastObservation := ""
	for _, step := range steps {
		switch step.Type {
		case StepAct:
			actions++
		case StepObserve:
			lastObservation = step.Content
		}
	}
	if actions == 0 {
		return "No tool actions were completed before the budget ran out."
	}
	summary := fmt.Sprintf("Partial progress: %d tool action(s) completed.", actions)
	if lastObservation != "" {
		if len(lastObservation) > 200 {
			lastObservation = lastObservation[:200] + "..."
		}
		summary += " Last observation: " + lastObservation
	}
	return summary
}
