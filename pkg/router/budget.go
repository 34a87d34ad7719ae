// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sync"
	"time"
)

// Rate is a per-tier budget. Zero values mean unlimited for that window.
type Rate struct {
	CallsPerMinute int
	CallsPerDay    int
}

// BudgetDecision is the only view other components get of the rate budget.
type BudgetDecision struct {
	Allowed bool
	Window  string // "minute" or "day" when denied
	Reason  string
}

type tierCounters struct {
	minuteStart time.Time
	minuteCalls int
	dayStart    time.Time
	dayCalls    int
}

// RateBudget holds per-tier counters with fixed minute/day reset boundaries.
// State is O(1) per tier: boundary checks happen inline on each call, no
// background sweep. Increment and check happen under one lock so concurrent
// callers cannot both claim the last slot.
type RateBudget struct {
	mu     sync.Mutex
	limits map[string]Rate
	tiers  map[string]*tierCounters
	now    func() time.Time
}

// NewRateBudget creates a budget from per-tier limits. Unknown tiers are
// unlimited.
func NewRateBudget(limits map[string]Rate) *RateBudget {
	copied := make(map[string]Rate, len(limits))
	for tier, rate := range limits {
		copied[tier] = rate
	}
	return &RateBudget{
		limits: copied,
		tiers:  make(map[string]*tierCounters),
		now:    time.Now,
	}
}

// Take consumes one call slot for the tier, or denies without consuming
// anything. Denial means no provider is contacted for this call.
func (b *RateBudget) Take(tier string) BudgetDecision {
	limit, ok := b.limits[tier]
	if !ok || (limit.CallsPerMinute <= 0 && limit.CallsPerDay <= 0) {
		return BudgetDecision{Allowed: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.tiers[tier]
	if c == nil {
		c = &tierCounters{}
		b.tiers[tier] = c
	}

	minute := now.Truncate(time.Minute)
	if !c.minuteStart.Equal(minute) {
		c.minuteStart = minute
		c.minuteCalls = 0
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if !c.dayStart.Equal(day) {
		c.dayStart = day
		c.dayCalls = 0
	}

	if limit.CallsPerMinute > 0 && c.minuteCalls >= limit.CallsPerMinute {
		return BudgetDecision{
			Allowed: false,
			Window:  "minute",
			Reason:  "per-minute call budget exhausted for tier " + tier,
		}
	}
	if limit.CallsPerDay > 0 && c.dayCalls >= limit.CallsPerDay {
		return BudgetDecision{
			Allowed: false,
			Window:  "day",
			Reason:  "per-day call budget exhausted for tier " + tier,
		}
	}

	c.minuteCalls++
	c.dayCalls++
	return BudgetDecision{Allowed: true}
}
