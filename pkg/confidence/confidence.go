// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package confidence estimates how much an answer should be trusted. A cheap
// self-assessment model call yields a raw score, which is then calibrated
// down by similarity to the agent's historical error patterns.
package confidence

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/noesis-ai/noesis/pkg/llm"
)

// Band classifies the calibrated score into a risk band.
type Band string

const (
	BandLow    Band = "low"    // calibrated >= 0.7
	BandMedium Band = "medium" // calibrated >= 0.4
	BandHigh   Band = "high"   // below 0.4
)

// Result is the calibrator's output, attached to a turn before it returns.
type Result struct {
	Raw            float64 `json:"raw"`
	Calibrated     float64 `json:"calibrated"`
	Band           Band    `json:"band"`
	Recommendation string  `json:"recommendation"`
	MatchedErrors  int     `json:"matched_errors"`
}

var recommendations = map[Band]string{
	BandLow:    "High confidence. The answer can be relayed as is.",
	BandMedium: "Moderate confidence. Consider verifying key claims before acting on them.",
	BandHigh: "Caution: I have low confidence in this answer. " +
		"Please verify it independently before relying on it.",
}

// ModelCaller issues one chat call through a named chain.
type ModelCaller interface {
	Invoke(ctx context.Context, chainName, agentTier string, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Calibrator quantifies answer confidence against a named economy chain and
// an error-pattern store.
type Calibrator struct {
	caller          ModelCaller
	chain           string
	agentTier       string
	store           PatternStore
	threshold       float64
	penaltyPerMatch float64
	logger          *slog.Logger
}

// CalibratorOption configures a Calibrator.
type CalibratorOption func(*Calibrator)

// WithPatternStore attaches the error-pattern store. Without one, calibration
// applies no penalty.
func WithPatternStore(store PatternStore) CalibratorOption {
	return func(c *Calibrator) { c.store = store }
}

// WithThresholds sets the similarity threshold and per-match penalty weight.
func WithThresholds(similarity, penaltyPerMatch float64) CalibratorOption {
	return func(c *Calibrator) {
		c.threshold = similarity
		c.penaltyPerMatch = penaltyPerMatch
	}
}

// WithAgentTier sets the rate-budget tier for self-assessment calls.
func WithAgentTier(tier string) CalibratorOption {
	return func(c *Calibrator) { c.agentTier = tier }
}

// WithLogger sets the calibrator's logger.
func WithLogger(logger *slog.Logger) CalibratorOption {
	return func(c *Calibrator) { c.logger = logger }
}

// NewCalibrator creates a calibrator using the named chain for
// self-assessment calls.
func NewCalibrator(caller ModelCaller, chain string, opts ...CalibratorOption) *Calibrator {
	c := &Calibrator{
		caller:          caller,
		chain:           chain,
		agentTier:       "standard",
		threshold:       0.55,
		penaltyPerMatch: 0.1,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quantify scores the answer. A provider failure during self-assessment
// degrades to a conservative 0.5 and the medium band instead of failing the
// turn. Pattern-store lookup errors are logged and treated as zero matches.
func (c *Calibrator) Quantify(ctx context.Context, query, answer, agentID string) Result {
	raw, err := c.selfAssess(ctx, query, answer)
	if err != nil {
		c.logger.WarnContext(ctx, "self-assessment failed, degrading to conservative default",
			"error", err)
		return Result{
			Raw:            0.5,
			Calibrated:     0.5,
			Band:           BandMedium,
			Recommendation: recommendations[BandMedium],
		}
	}

	var matches []Match
	if c.store != nil {
		matches, err = c.store.Similar(ctx, agentID, query, c.threshold)
		if err != nil {
			c.logger.WarnContext(ctx, "error-pattern lookup failed", "error", err)
			matches = nil
		}
	}

	penalty := 0.0
	for _, m := range matches {
		penalty += c.penaltyPerMatch * m.Similarity
	}
	calibrated := clamp01(raw - penalty)
	band := bandFor(calibrated)

	return Result{
		Raw:            raw,
		Calibrated:     calibrated,
		Band:           band,
		Recommendation: recommendations[band],
		MatchedErrors:  len(matches),
	}
}

// RecordError stores a new error pattern for future calibration.
func (c *Calibrator) RecordError(ctx context.Context, pattern ErrorPattern) error {
	if c.store == nil {
		return nil
	}
	return c.store.Record(ctx, pattern)
}

func (c *Calibrator) selfAssess(ctx context.Context, query, answer string) (float64, error) {
	prompt := fmt.Sprintf(
		"How confident are you that the following answer correctly and completely "+
			"addresses the question? Reply with only a number between 0.0 and 1.0.\n\n"+
			"Question:\n%s\n\nAnswer:\n%s", query, answer)

	resp, err := c.caller.Invoke(ctx, c.chain, c.agentTier, llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return 0, err
	}
	score, ok := parseScore(resp.Content)
	if !ok {
		return 0, fmt.Errorf("unparseable self-assessment output %q", resp.Content)
	}
	return score, nil
}

func bandFor(calibrated float64) Band {
	switch {
	case calibrated >= 0.7:
		return BandLow
	case calibrated >= 0.4:
		return BandMedium
	default:
		return BandHigh
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var scorePattern = regexp.MustCompile(`\d*\.?\d+`)

// parseScore pulls the first decimal number out of model output and clamps
// it to [0,1].
func parseScore(s string) (float64, bool) {
	match := scorePattern.FindString(strings.TrimSpace(s))
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return clamp01(v), true
}
