// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package router selects among configured model providers using named
// failover chains and enforces per-tier rate budgets before any provider is
// contacted.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
	"github.com/noesis-ai/noesis/pkg/resilience"
	"github.com/noesis-ai/noesis/pkg/telemetry"
)

const defaultCallTimeout = 60 * time.Second

// ChainEntry is one provider slot in a chain, tried in declared order.
type ChainEntry struct {
	Name     string
	Provider llm.Provider
	Model    string
	Timeout  time.Duration
}

// Router routes model invocations through named chains with failover.
type Router struct {
	chains map[string][]ChainEntry
	budget *RateBudget
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithBudget attaches a rate budget. Without one, all calls are allowed.
func WithBudget(budget *RateBudget) Option {
	return func(r *Router) { r.budget = budget }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New creates a Router from named chains.
func New(chains map[string][]ChainEntry, opts ...Option) (*Router, error) {
	if len(chains) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "at least one chain is required", nil)
	}
	for name, entries := range chains {
		if len(entries) == 0 {
			return nil, errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("chain %q has no providers", name), nil)
		}
		for _, e := range entries {
			if e.Provider == nil {
				return nil, errors.New(errors.CodeInvalidInput,
					fmt.Sprintf("chain %q entry %q has nil provider", name, e.Name), nil)
			}
		}
	}
	r := &Router{chains: chains, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// HasChain reports whether a chain is configured.
func (r *Router) HasChain(name string) bool {
	_, ok := r.chains[name]
	return ok
}

// Invoke tries the chain's providers in order. The rate budget is consulted
// first; on denial no provider is contacted and the caller gets RATE_LIMITED.
// Transient provider failures advance the chain; a permanent failure returns
// immediately. When every provider failed the caller gets PROVIDER_EXHAUSTED
// carrying each provider's failure reason.
func (r *Router) Invoke(ctx context.Context, chainName, agentTier string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	entries, ok := r.chains[chainName]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("unknown chain %q", chainName), nil)
	}

	if r.budget != nil {
		if decision := r.budget.Take(agentTier); !decision.Allowed {
			telemetry.Metrics().RecordRateDenied(ctx, agentTier, decision.Window)
			r.logger.WarnContext(ctx, "model call rate limited",
				"chain", chainName, "tier", agentTier, "window", decision.Window)
			return nil, errors.New(errors.CodeRateLimited, decision.Reason, nil).
				WithContext("tier", agentTier).
				WithContext("window", decision.Window).
				WithRecoverable(true)
		}
	}

	var failures []string
	for i, entry := range entries {
		// A dead parent context means the turn's own deadline expired, not
		// that this provider failed. Surface it as a timeout so the caller
		// can force its partial-progress final instead of blaming the chain.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.New(errors.CodeTimeout,
				"turn deadline expired during model call", ctxErr).
				WithContext("chain", chainName)
		}
		callReq := req
		if callReq.Model == "" {
			callReq.Model = entry.Model
		}
		timeout := entry.Timeout
		if timeout == 0 {
			timeout = defaultCallTimeout
		}

		resp, err := resilience.WithTimeoutResult(ctx, timeout,
			func(callCtx context.Context) (*llm.ChatResponse, error) {
				return entry.Provider.Chat(callCtx, callReq)
			})
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.New(errors.CodeTimeout,
				"turn deadline expired during model call", ctxErr).
				WithContext("chain", chainName).
				WithContext("provider", entry.Name)
		}

		if !llm.IsTransient(err) {
			return nil, errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("provider %s rejected request", entry.Name), err).
				WithContext("chain", chainName).
				WithContext("provider", entry.Name)
		}

		failures = append(failures, fmt.Sprintf("%s: %v", entry.Name, err))
		if i < len(entries)-1 {
			telemetry.Metrics().RecordFailover(ctx, chainName, entry.Name)
			r.logger.WarnContext(ctx, "provider failed, advancing chain",
				"chain", chainName, "provider", entry.Name, "error", err)
		}
	}

	r.logger.ErrorContext(ctx, "chain exhausted",
		"chain", chainName, "failures", strings.Join(failures, "; "))
	return nil, errors.New(errors.CodeProviderExhausted,
		fmt.Sprintf("all providers in chain %q failed", chainName), nil).
		WithContext("chain", chainName).
		WithContext("failures", failures)
}
