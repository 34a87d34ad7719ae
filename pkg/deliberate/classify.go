// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package deliberate implements tree-of-thought deliberation: parallel
// hypothesis generation under distinct strategies, rubric scoring, and
// synthesis of the strongest candidates into one answer.
package deliberate

import (
	"strings"
	"unicode/utf8"

	"github.com/noesis-ai/noesis/pkg/config"
)

// Classifier decides whether a query is complex enough to deliberate on.
// The rule is explicit configuration, not a hidden heuristic: a query is
// complex when it is long enough or contains enough decision keywords.
type Classifier struct {
	minLength   int
	minKeywords int
	keywords    []string
}

// NewClassifier builds a classifier from configuration. Zero values fall back
// to the package defaults.
func NewClassifier(cfg config.ComplexityConfig) *Classifier {
	c := &Classifier{
		minLength:   cfg.MinLength,
		minKeywords: cfg.MinKeywords,
		keywords:    cfg.Keywords,
	}
	if c.minLength <= 0 {
		c.minLength = 200
	}
	if c.minKeywords <= 0 {
		c.minKeywords = 2
	}
	if len(c.keywords) == 0 {
		c.keywords = config.DefaultComplexityKeywords()
	}
	return c
}

// IsComplex reports whether the input crosses the length or keyword threshold.
func (c *Classifier) IsComplex(input string) bool {
	if utf8.RuneCountInString(input) >= c.minLength {
		return true
	}
	lower := strings.ToLower(input)
	hits := 0
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= c.minKeywords {
				return true
			}
		}
	}
	return false
}
