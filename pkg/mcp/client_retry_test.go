// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetryRecoversTransportError(t *testing.T) {
	c := NewClient(nil, WithRetry(2, time.Millisecond))

	calls := 0
	result, err := withRetry(context.Background(), c, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if result != "ok" || calls != 2 {
		t.Fatalf("result = %q after %d calls, want ok after 2", result, calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	c := NewClient(nil, WithRetry(2, time.Millisecond))

	calls := 0
	transport := errors.New("broken pipe")
	_, err := withRetry(context.Background(), c, func(context.Context) (string, error) {
		calls++
		return "", transport
	})
	if !errors.Is(err, transport) {
		t.Fatalf("expected last transport error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d attempts, want 3", calls)
	}
}

func TestWithRetryNeverRetriesCancellation(t *testing.T) {
	c := NewClient(nil, WithRetry(5, time.Millisecond))

	calls := 0
	_, err := withRetry(context.Background(), c, func(context.Context) (string, error) {
		calls++
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("cancelled call retried %d times", calls)
	}
}
