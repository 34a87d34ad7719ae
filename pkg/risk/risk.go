// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package risk gates tool execution by declared risk tier. The gate blocks
// destructive actions without ever blocking the conversation: a refusal is
// returned as data for the model to relay, never as a turn-ending error.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/pkg/audit"
	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/telemetry"
	"github.com/noesis-ai/noesis/pkg/tools"
)

// Decision captures the outcome of a risk classification.
type Decision struct {
	Approved bool
	Tier     tools.Tier
	Reason   string
	// RequiredAction tells the model what to do next when blocked; it is
	// phrased to be usable verbatim in a reply to the user.
	RequiredAction string
}

// Err converts a blocked decision into a typed error for callers that treat
// a refusal as a failed operation, such as direct invocation outside a turn.
// The reasoning loop does not use it: there a refusal flows back to the model
// as an observation. Approved decisions have no error.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return errors.New(errors.CodeRiskBlocked, d.Reason, nil).
		WithContext("tier", string(d.Tier)).
		WithContext("required_action", d.RequiredAction)
}

// TierSource resolves a tool name to its declared tier.
type TierSource interface {
	TierOf(name string) tools.Tier
}

// Gate classifies requested actions. Stateless per call except for the daily
// autonomous-action counter and session approvals.
type Gate struct {
	source      TierSource
	overrides   *TierTable
	auditStore  audit.Store
	sessions    *SessionApprovals
	logger      *slog.Logger
	dailyBudget int

	mu       sync.Mutex
	dayStart time.Time
	dayCount int
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTierTable installs configured tier overrides.
func WithTierTable(table *TierTable) Option {
	return func(g *Gate) { g.overrides = table }
}

// WithAudit sets the audit sink. Without one, decisions are not recorded.
func WithAudit(store audit.Store) Option {
	return func(g *Gate) { g.auditStore = store }
}

// WithSessionApprovals attaches the per-session confirmation token store.
func WithSessionApprovals(sessions *SessionApprovals) Option {
	return func(g *Gate) { g.sessions = sessions }
}

// WithDailyBudget sets the autonomous daily action budget. Zero disables the
// budget entirely.
func WithDailyBudget(budget int) Option {
	return func(g *Gate) { g.dailyBudget = budget }
}

// WithLogger sets the gate's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a Gate classifying against the given tier source.
func NewGate(source TierSource, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		sessions: NewSessionApprovals(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Sessions returns the gate's session approval store.
func (g *Gate) Sessions() *SessionApprovals {
	return g.sessions
}

// Classify decides whether a tool call may proceed. Critical tiers are never
// auto-approved regardless of configuration. High tiers require a session
// confirmation token. Low and medium tiers are auto-approved while the daily
// autonomous budget lasts, then degrade to blocked-pending-confirmation.
// Every decision, approved or blocked, is recorded to the audit sink.
func (g *Gate) Classify(ctx context.Context, turnID, sessionID, toolName, rawArgs string) Decision {
	tier := g.tierFor(toolName)
	decision := g.decide(sessionID, toolName, tier)

	if !decision.Approved {
		telemetry.Metrics().RecordRiskBlock(ctx, toolName, string(tier))
		g.logger.InfoContext(ctx, "tool call blocked",
			"tool", toolName, "tier", tier, "reason", decision.Reason)
	}

	if g.auditStore != nil {
		record := audit.Decision{
			ID:         uuid.NewString(),
			TurnID:     turnID,
			Tool:       toolName,
			ArgsDigest: audit.DigestArgs(rawArgs),
			Tier:       string(tier),
			Approved:   decision.Approved,
			Reason:     decision.Reason,
			CreatedAt:  g.now().UTC(),
		}
		if err := g.auditStore.RecordDecision(ctx, record); err != nil {
			g.logger.WarnContext(ctx, "audit decision write failed", "error", err)
		}
	}
	return decision
}

func (g *Gate) tierFor(toolName string) tools.Tier {
	if g.overrides != nil {
		if tier, ok := g.overrides.TierFor(toolName); ok {
			return tier
		}
	}
	return g.source.TierOf(toolName)
}

func (g *Gate) decide(sessionID, toolName string, tier tools.Tier) Decision {
	switch tier {
	case tools.TierCritical:
		return Decision{
			Approved: false,
			Tier:     tier,
			Reason:   fmt.Sprintf("tool %q is classified critical and cannot be run autonomously", toolName),
			RequiredAction: "Inform the user this action is not permitted autonomously. " +
				"A human operator must perform it directly.",
		}
	case tools.TierHigh:
		if g.sessions != nil && g.sessions.Consume(sessionID, toolName) {
			return Decision{
				Approved: true,
				Tier:     tier,
				Reason:   fmt.Sprintf("tool %q approved by explicit session confirmation", toolName),
			}
		}
		return Decision{
			Approved: false,
			Tier:     tier,
			Reason:   fmt.Sprintf("tool %q is classified high risk and needs explicit approval", toolName),
			RequiredAction: "Ask the user for explicit approval before this action can proceed, " +
				"and explain exactly what it will do.",
		}
	default:
		if g.takeAutonomousSlot() {
			return Decision{
				Approved: true,
				Tier:     tier,
				Reason:   fmt.Sprintf("tool %q auto-approved at tier %s", toolName, tier),
			}
		}
		return Decision{
			Approved: false,
			Tier:     tier,
			Reason:   "the daily autonomous action budget is exhausted",
			RequiredAction: "Ask the user to confirm this action; the agent's autonomous " +
				"budget for today has been used up.",
		}
	}
}

// takeAutonomousSlot consumes one slot of the daily budget, resetting on the
// fixed UTC day boundary. Increment and check happen under one lock.
func (g *Gate) takeAutonomousSlot() bool {
	if g.dailyBudget <= 0 {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	day := g.now().UTC().Truncate(24 * time.Hour)
	if !g.dayStart.Equal(day) {
		g.dayStart = day
		g.dayCount = 0
	}
	if g.dayCount >= g.dailyBudget {
		return false
	}
	g.dayCount++
	return true
}
