// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools holds the registry of callable capabilities and executes them
// with validated arguments. Dispatch is a closed name-to-handler table built
// at process start; nothing is resolved reflectively at call time.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noesis-ai/noesis/pkg/errors"
	"github.com/noesis-ai/noesis/pkg/llm"
)

// Tier is a capability's pre-declared danger classification.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// ParseTier normalizes a tier string, defaulting unknown values to high so a
// typo in configuration can only make a tool harder to run, never easier.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow
	case "medium":
		return TierMedium
	case "high":
		return TierHigh
	case "critical":
		return TierCritical
	default:
		return TierHigh
	}
}

// ParseTierStrict is ParseTier without the safety default: unknown strings
// are reported instead of coerced, for validating operator-written config.
func ParseTierStrict(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, true
	case "medium":
		return TierMedium, true
	case "high":
		return TierHigh, true
	case "critical":
		return TierCritical, true
	default:
		return "", false
	}
}

// Handler executes a capability with decoded arguments.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Capability declares a callable tool: its contract, risk tier, and handler.
type Capability struct {
	Name        string
	Description string
	// Parameters is a JSON-schema-like object contract: {"type": "object",
	// "properties": {...}, "required": [...]}.
	Parameters map[string]interface{}
	Tier       Tier
	Handler    Handler
}

// Observation is the structured result of one tool invocation.
type Observation struct {
	Tool     string        `json:"tool"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error"`
	Duration time.Duration `json:"duration"`
}

// Registry is the authoritative source for capability invocation and risk
// classification. Registration happens at startup; reads during a turn are
// lock-free on the hot path apart from the map guard.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability. Names are unique; duplicates are an error.
func (r *Registry) Register(cap Capability) error {
	if strings.TrimSpace(cap.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "capability name is required", nil)
	}
	if cap.Handler == nil {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("capability %q has no handler", cap.Name), nil)
	}
	if cap.Tier == "" {
		cap.Tier = TierHigh
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[cap.Name]; exists {
		return errors.New(errors.CodeInvalidInput,
			fmt.Sprintf("capability %q already registered", cap.Name), nil)
	}
	r.caps[cap.Name] = cap
	return nil
}

// Get returns a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[name]
	return cap, ok
}

// TierOf returns the declared tier for a tool, or critical for unknown names
// so an unregistered tool can never be auto-approved.
func (r *Registry) TierOf(name string) Tier {
	if cap, ok := r.Get(name); ok {
		return cap.Tier
	}
	return TierCritical
}

// Definitions returns the registered capabilities as model tool definitions,
// sorted by name for deterministic prompts.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		cap := r.caps[name]
		params := cap.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        cap.Name,
				Description: cap.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// Invoke executes a named capability with raw JSON arguments. Every failure
// mode, including a handler panic, comes back as an error Observation rather
// than a propagated error: the caller always gets something to show the model.
func (r *Registry) Invoke(ctx context.Context, name, rawArgs string) Observation {
	start := time.Now()

	cap, ok := r.Get(name)
	if !ok {
		return errObservation(name, start,
			errors.New(errors.CodeNotFound, fmt.Sprintf("unknown tool %q", name), nil))
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		return errObservation(name, start, err)
	}
	if err := validateArgs(cap.Parameters, args); err != nil {
		return errObservation(name, start, err)
	}

	content, err := safeInvoke(ctx, cap, args)
	if err != nil {
		return errObservation(name, start,
			errors.New(errors.CodeToolFailure, fmt.Sprintf("tool %q failed", name), err).
				WithRecoverable(true))
	}

	return Observation{
		Tool:     name,
		Content:  content,
		Duration: time.Since(start),
	}
}

func safeInvoke(ctx context.Context, cap Capability, args map[string]interface{}) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool handler panic: %v", rec)
		}
	}()
	return cap.Handler(ctx, args)
}

func errObservation(name string, start time.Time, err error) Observation {
	return Observation{
		Tool:     name,
		Content:  err.Error(),
		IsError:  true,
		Duration: time.Since(start),
	}
}

func decodeArgs(rawArgs string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(rawArgs)
	if trimmed == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "tool arguments are not a JSON object", err)
	}
	return args, nil
}

// validateArgs checks required fields and primitive types against the
// capability's parameter contract.
func validateArgs(schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]interface{}); ok {
		for _, item := range required {
			key, _ := item.(string)
			if key == "" {
				continue
			}
			if _, present := args[key]; !present {
				return errors.New(errors.CodeInvalidInput,
					fmt.Sprintf("missing required argument %q", key), nil)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, key := range required {
			if _, present := args[key]; !present {
				return errors.New(errors.CodeInvalidInput,
					fmt.Sprintf("missing required argument %q", key), nil)
			}
		}
	}

	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for key, value := range args {
		propSchema, ok := properties[key].(map[string]interface{})
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(wantType, value) {
			return errors.New(errors.CodeInvalidInput,
				fmt.Sprintf("argument %q: expected %s", key, wantType), nil)
		}
	}
	return nil
}

func matchesJSONType(wantType string, value interface{}) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}
