// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoreMetrics tracks the reasoning core's operational counters.
type CoreMetrics struct {
	turnCounter      metric.Int64Counter
	stepCounter      metric.Int64Counter
	failoverCounter  metric.Int64Counter
	rateDenyCounter  metric.Int64Counter
	riskBlockCounter metric.Int64Counter
	tokenCounter     metric.Int64Counter
}

var (
	globalMetrics     *CoreMetrics
	globalMetricsOnce sync.Once
)

// Metrics returns the process-wide core metrics, creating them on first use.
// Instrument creation failures degrade to a nil receiver, which every record
// method tolerates, so callers never branch on metric availability.
func Metrics() *CoreMetrics {
	globalMetricsOnce.Do(func() {
		m, err := newCoreMetrics()
		if err != nil {
			globalMetrics = nil
			return
		}
		globalMetrics = m
	})
	return globalMetrics
}

func newCoreMetrics() (*CoreMetrics, error) {
	meter := otel.Meter("noesis/core")

	turnCounter, err := meter.Int64Counter(
		"noesis.turns.total",
		metric.WithDescription("Turns executed, by agent and outcome"),
	)
	if err != nil {
		return nil, err
	}
	stepCounter, err := meter.Int64Counter(
		"noesis.steps.total",
		metric.WithDescription("Reasoning steps appended, by step type"),
	)
	if err != nil {
		return nil, err
	}
	failoverCounter, err := meter.Int64Counter(
		"noesis.router.failovers",
		metric.WithDescription("Provider failovers within a chain"),
	)
	if err != nil {
		return nil, err
	}
	rateDenyCounter, err := meter.Int64Counter(
		"noesis.router.rate_denied",
		metric.WithDescription("Calls short-circuited by the rate budget"),
	)
	if err != nil {
		return nil, err
	}
	riskBlockCounter, err := meter.Int64Counter(
		"noesis.risk.blocked",
		metric.WithDescription("Tool calls blocked by the risk gate, by tier"),
	)
	if err != nil {
		return nil, err
	}
	tokenCounter, err := meter.Int64Counter(
		"noesis.tokens.total",
		metric.WithDescription("Tokens consumed across model calls"),
	)
	if err != nil {
		return nil, err
	}

	return &CoreMetrics{
		turnCounter:      turnCounter,
		stepCounter:      stepCounter,
		failoverCounter:  failoverCounter,
		rateDenyCounter:  rateDenyCounter,
		riskBlockCounter: riskBlockCounter,
		tokenCounter:     tokenCounter,
	}, nil
}

// RecordTurn increments the turn counter.
func (m *CoreMetrics) RecordTurn(ctx context.Context, agentID, outcome string) {
	if m == nil {
		return
	}
	m.turnCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", agentID),
		attribute.String("outcome", outcome),
	))
}

// RecordStep increments the step counter for a step type.
func (m *CoreMetrics) RecordStep(ctx context.Context, stepType string) {
	if m == nil {
		return
	}
	m.stepCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", stepType),
	))
}

// RecordFailover increments the failover counter for a chain.
func (m *CoreMetrics) RecordFailover(ctx context.Context, chain, provider string) {
	if m == nil {
		return
	}
	m.failoverCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("provider", provider),
	))
}

// RecordRateDenied increments the rate-denied counter for a tier.
func (m *CoreMetrics) RecordRateDenied(ctx context.Context, tier, window string) {
	if m == nil {
		return
	}
	m.rateDenyCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("window", window),
	))
}

// RecordRiskBlock increments the risk-block counter for a tier.
func (m *CoreMetrics) RecordRiskBlock(ctx context.Context, tool, tier string) {
	if m == nil {
		return
	}
	m.riskBlockCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("tier", tier),
	))
}

// RecordTokens adds token usage for an agent.
func (m *CoreMetrics) RecordTokens(ctx context.Context, agentID string, tokens int) {
	if m == nil {
		return
	}
	m.tokenCounter.Add(ctx, int64(tokens), metric.WithAttributes(
		attribute.String("agent", agentID),
	))
}
