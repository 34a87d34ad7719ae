// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"strings"
	"testing"

	"github.com/noesis-ai/noesis/pkg/loop"
)

// Assertions provides assertion helpers for turn-level tests.
type Assertions struct {
	t      *testing.T
	failed bool
}

// NewAssertions creates an assertions helper.
func NewAssertions(t *testing.T) *Assertions {
	return &Assertions{t: t}
}

// Failed reports whether any assertion has failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

// AssertEqual asserts that two values are equal.
func (a *Assertions) AssertEqual(expected, actual any, msg string) {
	a.t.Helper()
	if expected != actual {
		a.t.Errorf("%s: expected %v, got %v", msg, expected, actual)
		a.failed = true
	}
}

// AssertTrue asserts that the value is true.
func (a *Assertions) AssertTrue(value bool, msg string) {
	a.t.Helper()
	if !value {
		a.t.Errorf("%s: expected true", msg)
		a.failed = true
	}
}

// AssertContains asserts that the string contains the substring.
func (a *Assertions) AssertContains(s, substr, msg string) {
	a.t.Helper()
	if !strings.Contains(s, substr) {
		a.t.Errorf("%s: %q does not contain %q", msg, s, substr)
		a.failed = true
	}
}

// AssertNoError asserts that the error is nil.
func (a *Assertions) AssertNoError(err error, msg string) {
	a.t.Helper()
	if err != nil {
		a.t.Errorf("%s: unexpected error: %v", msg, err)
		a.failed = true
	}
}

// AssertValidTrace asserts the step-trace invariants hold.
func (a *Assertions) AssertValidTrace(steps []loop.ReasoningStep, msg string) {
	a.t.Helper()
	if err := loop.ValidateTrace(steps); err != nil {
		a.t.Errorf("%s: %v", msg, err)
		a.failed = true
	}
}

// AssertObserved asserts the trace holds an observe step for the tool whose
// content contains substr.
func (a *Assertions) AssertObserved(steps []loop.ReasoningStep, tool, substr, msg string) {
	a.t.Helper()
	for _, step := range steps {
		if step.Type == loop.StepObserve && step.Tool == tool && strings.Contains(step.Content, substr) {
			return
		}
	}
	a.t.Errorf("%s: no observe step for %q containing %q", msg, tool, substr)
	a.failed = true
}
