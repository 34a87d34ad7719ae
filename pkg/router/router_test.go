package router

import (
	"context"
	"testing"
	"time"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
	noesistesting "github.com/noesis-ai/noesis/pkg/testing"
)

func singleChain(name string, providers ...llm.Provider) map[string][]ChainEntry {
	entries := make([]ChainEntry, 0, len(providers))
	for i, p := range providers {
		entries = append(entries, ChainEntry{
			Name:     string(rune('A' + i)),
			Provider: p,
			Model:    "test-model",
			Timeout:  time.Second,
		})
	}
	return map[string][]ChainEntry{name: entries}
}

func TestInvokeFailoverToSecondProvider(t *testing.T) {
	failing := &llm.FailingMockProvider{
		Err: errors.New(errors.CodeProviderTransient, "timeout", nil),
	}
	working := &llm.MockProvider{Response: "from B"}

	r, err := New(singleChain("default", failing, working))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	resp, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{})
	if err != nil {
		t.Fatalf("expected failover success: %v", err)
	}
	if resp.Content != "from B" {
		t.Fatalf("response should come from provider B, got %q", resp.Content)
	}
}

func TestInvokeExhaustsChain(t *testing.T) {
	a := &llm.FailingMockProvider{Err: errors.New(errors.CodeProviderTransient, "a down", nil)}
	b := &llm.FailingMockProvider{Err: errors.New(errors.CodeProviderTransient, "b down", nil)}

	r, _ := New(singleChain("default", a, b))
	_, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{})
	if !errors.HasCode(err, errors.CodeProviderExhausted) {
		t.Fatalf("expected PROVIDER_EXHAUSTED, got %v", err)
	}

	ne := errors.AsNoesisError(err)
	failures, ok := ne.Context["failures"].([]string)
	if !ok || len(failures) != 2 {
		t.Fatalf("expected both failure reasons recorded, got %v", ne.Context["failures"])
	}
}

func TestInvokePermanentErrorFailsImmediately(t *testing.T) {
	calls := 0
	bad := &llm.MockProvider{ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		return nil, errors.New(errors.CodeInvalidInput, "malformed request", nil)
	}}
	fallback := &llm.MockProvider{Response: "should not be reached"}

	r, _ := New(singleChain("default", bad, fallback))
	_, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{})
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", calls)
	}
}

func TestInvokeRateLimitedContactsNoProvider(t *testing.T) {
	const limit = 5
	calls := 0
	counting := &llm.MockProvider{ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		calls++
		return &llm.ChatResponse{Content: "ok"}, nil
	}}

	budget := NewRateBudget(map[string]Rate{"standard": {CallsPerMinute: limit}})
	budget.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	r, _ := New(singleChain("default", counting), WithBudget(budget))

	for i := 0; i < limit; i++ {
		if _, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{}); err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
	}

	_, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{})
	if !errors.HasCode(err, errors.CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if calls != limit {
		t.Fatalf("denied call must contact no provider: %d calls", calls)
	}
}

func TestInvokeUnknownChain(t *testing.T) {
	r, _ := New(singleChain("default", &llm.MockProvider{Response: "x"}))
	_, err := r.Invoke(context.Background(), "missing", "standard", llm.ChatRequest{})
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestInvokeTimeoutAdvancesChain(t *testing.T) {
	slow := &llm.MockProvider{ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		select {
		case <-time.After(time.Second):
			return &llm.ChatResponse{Content: "too late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	fast := &llm.MockProvider{Response: "fast"}

	chains := map[string][]ChainEntry{"default": {
		{Name: "slow", Provider: slow, Timeout: 10 * time.Millisecond},
		{Name: "fast", Provider: fast, Timeout: time.Second},
	}}
	r, _ := New(chains)

	resp, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{})
	if err != nil {
		t.Fatalf("expected failover after timeout: %v", err)
	}
	if resp.Content != "fast" {
		t.Fatalf("unexpected winner: %s", resp.Content)
	}
}

func TestNewRejectsEmptyChain(t *testing.T) {
	if _, err := New(map[string][]ChainEntry{}); err == nil {
		t.Fatalf("expected error for no chains")
	}
	if _, err := New(map[string][]ChainEntry{"default": {}}); err == nil {
		t.Fatalf("expected error for empty chain")
	}
	if _, err := New(map[string][]ChainEntry{"default": {{Name: "x"}}}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

func TestInvokeDeadlineExpiryIsTimeoutNotExhaustion(t *testing.T) {
	var secondCalled bool
	blocking := &llm.MockProvider{ChatFunc: func(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	second := &llm.MockProvider{ChatFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		secondCalled = true
		return &llm.ChatResponse{Content: "too late"}, nil
	}}

	r, err := New(singleChain("default", blocking, second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Invoke(ctx, "default", "standard", llm.ChatRequest{})
	if !errors.HasCode(err, errors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if errors.HasCode(err, errors.CodeProviderExhausted) {
		t.Fatal("deadline expiry reported as chain exhaustion")
	}
	if secondCalled {
		t.Fatal("dead context still advanced to the next provider")
	}
}

func TestInvokeFailoverCapturesRequests(t *testing.T) {
	a := noesistesting.NewScenarioProvider().
		AddErrorResponse(errors.New(errors.CodeProviderTransient, "upstream 503", nil))
	b := noesistesting.NewScenarioProvider().AddResponse("from B")

	r, err := New(singleChain("default", a, b))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	resp, err := r.Invoke(context.Background(), "default", "standard", llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("expected failover success: %v", err)
	}
	if resp.Content != "from B" {
		t.Fatalf("response = %q, want from B", resp.Content)
	}
	if a.CallCount() != 1 || b.CallCount() != 1 {
		t.Fatalf("call counts = %d/%d, want 1/1", a.CallCount(), b.CallCount())
	}
	last := b.LastRequest()
	if last == nil || len(last.Messages) != 1 || last.Messages[0].Content != "hello" {
		t.Fatalf("provider B did not receive the original request: %+v", last)
	}
}
