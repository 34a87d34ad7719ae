// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Recorder teaches calibration failures back into a pattern store. Call
// RecordFailure when user feedback marks an answer wrong; delivery of that
// feedback is the channel adapter's business, not this package's.
type Recorder struct {
	store PatternStore
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store PatternStore) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("pattern store is required")
	}
	return &Recorder{store: store}, nil
}

// RecordFailure stores the query as an error pattern for the agent when the
// answer's calibrated band was already high risk. Answers the calibrator
// trusted are not recorded; a single piece of feedback should not start
// penalizing an area the history says is sound.
func (r *Recorder) RecordFailure(ctx context.Context, agentID, query string, result *Result) error {
	if agentID == "" || query == "" {
		return errors.New("agent id and query are required")
	}
	if result == nil || result.Band != BandHigh {
		return nil
	}
	return r.store.Record(ctx, ErrorPattern{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Description: query,
		CreatedAt:   time.Now().UTC(),
	})
}
