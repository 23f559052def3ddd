// Package store defines the vector-store adapter contract (C2) that
// abstracts the backing store for long-term memory records, and provides
// the default Redis-backed implementation plus alternates.
package store

import (
	"context"
	"time"

	"github.com/agentmem/memoryd/types"
)

// Adapter is the narrow, backend-agnostic contract of spec.md §4.2.
// Implementations satisfy every operation; the default is Redis (vector +
// hash), with Qdrant as an ANN-backed alternate behind the same interface.
type Adapter interface {
	// Put upserts a long-term record with full metadata and optional
	// vector. Put is idempotent on Record.ID.
	Put(ctx context.Context, record *types.MemoryRecord) error

	// Get fetches a record by primary id. It returns a *types.Error with
	// code types.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)

	// Delete removes records by primary id, in bulk.
	Delete(ctx context.Context, ids []string) error

	// UpdateFields performs a partial, field-restricted update. Callers
	// must only pass enrichment-owned fields (vector, topics, entities,
	// last_accessed_at, access_count, superseded_by, enrichment_failed);
	// the adapter enforces
	// this via UpdatableFields. Implementations provide compare-and-set or
	// server-side merge semantics; last-writer-wins at field granularity
	// is acceptable.
	UpdateFields(ctx context.Context, id string, fields map[string]any) error

	// Search executes a hybrid vector+filter query. See §4.6.
	Search(ctx context.Context, query SearchQuery) (*types.SearchResponse, error)

	// Count returns the exact cardinality of records matching filters.
	Count(ctx context.Context, filter types.SearchFilter) (int, error)
}

// SearchQuery is the adapter-level rendering of a Query Service request:
// an optional query vector plus a rendered filter expression.
type SearchQuery struct {
	Vector            []float32
	Filter            types.SearchFilter
	DistanceThreshold *float64
	Limit             int
	Offset            int
}

// UpdatableFields is the set of MemoryRecord field names that UpdateFields
// may touch; anything else is rejected with types.ErrConflict (invariant 3).
var UpdatableFields = map[string]bool{
	"vector":             true,
	"topics":             true,
	"entities":           true,
	"last_accessed_at":   true,
	"access_count":       true,
	"superseded_by":      true,
	"enrichment_failed":  true,
}

// ValidateUpdateFields rejects any field name outside UpdatableFields.
func ValidateUpdateFields(fields map[string]any) error {
	for name := range fields {
		if !UpdatableFields[name] {
			return types.NewError(types.ErrConflict, "field is not enrichment-owned: "+name)
		}
	}
	return nil
}

// now is overridable in tests.
var now = time.Now
