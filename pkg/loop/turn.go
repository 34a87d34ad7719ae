// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package loop drives the reason/act/observe cycle for one conversational
// turn, wiring the model router, tool registry, risk gate, deliberation
// engine, and confidence calibrator together.
package loop

import (
	"fmt"
	"time"

	"github.com/noesis-ai/noesis/pkg/confidence"
	"github.com/noesis-ai/noesis/pkg/llm"
)

// StepType identifies one phase of the reason/act/observe protocol.
type StepType string

const (
	StepReason  StepType = "reason"
	StepAct     StepType = "act"
	StepObserve StepType = "observe"
	StepFinal   StepType = "final"
)

// ReasoningStep is one entry in a turn's trace. Steps are append-only and
// their order is the true execution order.
type ReasoningStep struct {
	Type      StepType      `json:"type"`
	Content   string        `json:"content"`
	Tool      string        `json:"tool,omitempty"`
	Args      string        `json:"args,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Outcome summarizes how a turn ended.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeBudget      Outcome = "budget_exceeded"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeBusy        Outcome = "busy"
)

// Turn is one user message plus the agent's final response. It is immutable
// once Run returns it.
type Turn struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	AgentID     string             `json:"agent_id"`
	Input       string             `json:"input"`
	Output      string             `json:"output"`
	Outcome     Outcome            `json:"outcome"`
	Confidence  *confidence.Result `json:"confidence,omitempty"`
	Steps       []ReasoningStep    `json:"steps"`
	Usage       llm.Usage          `json:"usage"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// TurnInput is the inbound message routed to the agent.
type TurnInput struct {
	SessionID string
	AgentID   string
	Text      string
}

// Budget bounds one turn. Zero values fall back to the runner's defaults.
type Budget struct {
	MaxSteps  int
	WallClock time.Duration
}

// ContextBundle carries externally supplied context. The loop performs no
// retrieval itself; history and retrieved snippets arrive pre-assembled and
// are injected into the prompt as given.
type ContextBundle struct {
	History          []llm.Message
	RetrievedContext string
	Budget           Budget
}

// ValidateTrace checks the step-trace invariants: exactly one final step in
// last position, and every act immediately followed by an observe for the
// same tool.
func ValidateTrace(steps []ReasoningStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("empty trace")
	}
	finals := 0
	for i, step := range steps {
		if step.Type == StepFinal {
			finals++
			if i != len(steps)-1 {
				return fmt.Errorf("final step at index %d is not last", i)
			}
		}
		if step.Type == StepAct {
			if i+1 >= len(steps) {
				return fmt.Errorf("act step at index %d has no following step", i)
			}
			next := steps[i+1]
			if next.Type != StepObserve || next.Tool != step.Tool {
				return fmt.Errorf("act step at index %d not followed by observe for %q", i, step.Tool)
			}
		}
	}
	if finals != 1 {
		return fmt.Errorf("trace has %d final steps, want exactly 1", finals)
	}
	return nil
}
