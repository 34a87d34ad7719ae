// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/loop"
	"github.com/noesis-ai/noesis/pkg/router"
	"github.com/noesis-ai/noesis/pkg/tools"
)

func newScenarioRunner(t *testing.T, provider llm.Provider) *loop.Runner {
	t.Helper()
	r, err := router.New(map[string][]router.ChainEntry{
		"default": {{Name: "scripted", Provider: provider}},
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	registry := tools.NewRegistry()
	if err := registry.Register(tools.Capability{
		Name: "lookup",
		Tier: tools.TierLow,
		Handler: func(context.Context, map[string]interface{}) (string, error) {
			return "lookup result", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	runner, err := loop.NewRunner(r, registry)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner
}

func TestScenarioSimpleAnswer(t *testing.T) {
	provider := NewScenarioProvider().AddResponse("Hello there")

	NewScenario("greeting").
		WithInput("Hello").
		ExpectOutcome(loop.OutcomeCompleted).
		ExpectOutput(Contains("Hello")).
		ExpectNoToolCalls().
		Run(t, newScenarioRunner(t, provider))
}

func TestScenarioToolFlow(t *testing.T) {
	provider := NewScenarioProvider().
		AddToolCallResponse(NewToolCall("lookup").WithArg("q", "demo").Build()).
		AddResponse("found it")

	turn := NewScenario("tool flow").
		WithInput("look something up").
		ExpectOutcome(loop.OutcomeCompleted).
		ExpectToolCalled("lookup").
		ExpectOutput(Contains("found")).
		Run(t, newScenarioRunner(t, provider))

	a := NewAssertions(t)
	a.AssertValidTrace(turn.Steps, "trace")
	a.AssertObserved(turn.Steps, "lookup", "lookup result", "observation")
	if a.Failed() {
		t.Fatal("assertions failed")
	}
}

func TestScenarioProviderConditions(t *testing.T) {
	provider := NewScenarioProvider().
		AddScriptedResponse(ScriptedResponse{
			Content: "only for tool requests",
			Condition: func(req llm.ChatRequest) bool {
				return len(req.Tools) > 0
			},
		}).
		AddResponse("fallback")

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "fallback" {
		t.Fatalf("content = %q, want the conditional response skipped", resp.Content)
	}
}

func TestScenarioProviderExhaustion(t *testing.T) {
	sentinel := errors.New("script exhausted")
	provider := NewScenarioProvider().WithDefaultError(sentinel)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want default error", err)
	}
	if provider.CallCount() != 1 {
		t.Fatalf("call count = %d", provider.CallCount())
	}
}

func TestToolCallBuilder(t *testing.T) {
	call := NewToolCall("search").WithID("c1").WithArg("query", "go").Build()
	if call.ID != "c1" || call.Function.Name != "search" {
		t.Fatalf("call = %+v", call)
	}
	if call.Function.Arguments != `{"query":"go"}` {
		t.Fatalf("args = %s", call.Function.Arguments)
	}
}

func TestMatchers(t *testing.T) {
	if !Contains("bc").Match("abcd") || Contains("zz").Match("abcd") {
		t.Fatal("Contains misbehaves")
	}
	if !NotContains("zz").Match("abcd") {
		t.Fatal("NotContains misbehaves")
	}
	if !MatchesRegex(`^a.c`).Match("abcd") {
		t.Fatal("MatchesRegex misbehaves")
	}
}
