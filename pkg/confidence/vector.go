// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package confidence

import "context"

// Embedder converts text into a vector for semantic pattern matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
