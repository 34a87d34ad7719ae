// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides scenario tooling for exercising the execution
// loop end to end: scripted providers, declarative turn expectations, and
// assertion helpers.
//
// Example:
//
//	scenario := testing.NewScenario("greeting").
//	    WithInput("Hello").
//	    ExpectOutcome(loop.OutcomeCompleted).
//	    ExpectOutput(testing.Contains("Hello")).
//	    ExpectNoToolCalls()
//
//	scenario.Run(t, runner)
package testing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/noesis-ai/noesis/pkg/confidence"
	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/loop"
)

// Scenario declares one turn against a runner plus expectations on the
// resulting Turn.
type Scenario struct {
	name         string
	input        loop.TurnInput
	bundle       loop.ContextBundle
	timeout      time.Duration
	expectations []Expectation
}

// Expectation is one condition verified against the finished turn.
type Expectation interface {
	Check(turn *loop.Turn) error
	Description() string
}

// NewScenario creates a scenario with sensible defaults.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name: name,
		input: loop.TurnInput{
			SessionID: "scenario-session",
			AgentID:   "scenario-agent",
		},
		timeout: 30 * time.Second,
	}
}

// WithInput sets the user message.
func (s *Scenario) WithInput(text string) *Scenario {
	s.input.Text = text
	return s
}

// WithSession sets the session and agent identifiers.
func (s *Scenario) WithSession(sessionID, agentID string) *Scenario {
	s.input.SessionID = sessionID
	s.input.AgentID = agentID
	return s
}

// WithHistory provides prior conversation messages.
func (s *Scenario) WithHistory(history ...llm.Message) *Scenario {
	s.bundle.History = history
	return s
}

// WithRetrievedContext provides pre-fetched context snippets.
func (s *Scenario) WithRetrievedContext(text string) *Scenario {
	s.bundle.RetrievedContext = text
	return s
}

// WithBudget bounds the turn.
func (s *Scenario) WithBudget(budget loop.Budget) *Scenario {
	s.bundle.Budget = budget
	return s
}

// WithTimeout bounds the scenario run itself.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// Expect appends a custom expectation.
func (s *Scenario) Expect(e Expectation) *Scenario {
	s.expectations = append(s.expectations, e)
	return s
}

// ExpectOutcome asserts the turn's outcome.
func (s *Scenario) ExpectOutcome(outcome loop.Outcome) *Scenario {
	return s.Expect(checkFunc{
		desc: fmt.Sprintf("outcome is %s", outcome),
		fn: func(turn *loop.Turn) error {
			if turn.Outcome != outcome {
				return fmt.Errorf("outcome = %s, want %s", turn.Outcome, outcome)
			}
			return nil
		},
	})
}

// ExpectOutput asserts the visible answer against a matcher.
func (s *Scenario) ExpectOutput(m Matcher) *Scenario {
	return s.Expect(checkFunc{
		desc: "output " + m.Description(),
		fn: func(turn *loop.Turn) error {
			if !m.Match(turn.Output) {
				return fmt.Errorf("output %q does not match: %s", turn.Output, m.Description())
			}
			return nil
		},
	})
}

// ExpectToolCalled asserts an act step for the named tool exists.
func (s *Scenario) ExpectToolCalled(name string) *Scenario {
	return s.Expect(checkFunc{
		desc: fmt.Sprintf("tool %s called", name),
		fn: func(turn *loop.Turn) error {
			for _, step := range turn.Steps {
				if step.Type == loop.StepAct && step.Tool == name {
					return nil
				}
			}
			return fmt.Errorf("no act step for tool %q", name)
		},
	})
}

// ExpectNoToolCalls asserts the trace contains no act steps.
func (s *Scenario) ExpectNoToolCalls() *Scenario {
	return s.Expect(checkFunc{
		desc: "no tool calls",
		fn: func(turn *loop.Turn) error {
			for _, step := range turn.Steps {
				if step.Type == loop.StepAct {
					return fmt.Errorf("unexpected act step for tool %q", step.Tool)
				}
			}
			return nil
		},
	})
}

// ExpectConfidenceBand asserts the calibrated risk band.
func (s *Scenario) ExpectConfidenceBand(band confidence.Band) *Scenario {
	return s.Expect(checkFunc{
		desc: fmt.Sprintf("confidence band is %s", band),
		fn: func(turn *loop.Turn) error {
			if turn.Confidence == nil {
				return fmt.Errorf("turn has no confidence result")
			}
			if turn.Confidence.Band != band {
				return fmt.Errorf("band = %s, want %s", turn.Confidence.Band, band)
			}
			return nil
		},
	})
}

// Run executes the scenario and checks every expectation, including the
// always-on trace invariants.
func (s *Scenario) Run(t *testing.T, runner *loop.Runner) *loop.Turn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	turn := runner.Run(ctx, s.input, s.bundle)

	if err := loop.ValidateTrace(turn.Steps); err != nil {
		t.Errorf("scenario %q: trace invariant violated: %v", s.name, err)
	}
	for _, e := range s.expectations {
		if err := e.Check(turn); err != nil {
			t.Errorf("scenario %q: %s: %v", s.name, e.Description(), err)
		}
	}
	return turn
}

type checkFunc struct {
	desc string
	fn   func(turn *loop.Turn) error
}

func (c checkFunc) Check(turn *loop.Turn) error { return c.fn(turn) }
func (c checkFunc) Description() string         { return c.desc }

// Matcher matches a string output.
type Matcher interface {
	Match(s string) bool
	Description() string
}

type containsMatcher struct{ substr string }

func (m containsMatcher) Match(s string) bool { return strings.Contains(s, m.substr) }
func (m containsMatcher) Description() string { return fmt.Sprintf("contains %q", m.substr) }

type notContainsMatcher struct{ substr string }

func (m notContainsMatcher) Match(s string) bool { return !strings.Contains(s, m.substr) }
func (m notContainsMatcher) Description() string {
	return fmt.Sprintf("does not contain %q", m.substr)
}

type regexMatcher struct{ re *regexp.Regexp }

func (m regexMatcher) Match(s string) bool { return m.re.MatchString(s) }
func (m regexMatcher) Description() string {
	return fmt.Sprintf("matches /%s/", m.re.String())
}

// Contains matches outputs containing the substring.
func Contains(substr string) Matcher { return containsMatcher{substr: substr} }

// NotContains matches outputs not containing the substring.
func NotContains(substr string) Matcher { return notContainsMatcher{substr: substr} }

// MatchesRegex matches outputs against a compiled pattern.
func MatchesRegex(pattern string) Matcher {
	return regexMatcher{re: regexp.MustCompile(pattern)}
}
