// Package longterm implements the Long-Term Memory Store (C4): a thin
// invariant-enforcing facade over store.Adapter that owns identity
// assignment, content hashing, exact dedup, and supersession.
package longterm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/internal/idgen"
	"github.com/agentmem/memoryd/internal/memkeys"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/types"
)

// Store is the C4 facade.
type Store struct {
	adapter store.Adapter
	logger  *zap.Logger
}

// New wraps an existing C2 Adapter.
func New(adapter store.Adapter, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{adapter: adapter, logger: logger}
}

// Ping verifies the backing adapter is reachable, for use as a readiness
// check; it issues a zero-cost Count against an empty filter.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.adapter.Count(ctx, types.SearchFilter{})
	return err
}

// CreateResult reports whether Create found an existing exact-dedup match
// instead of inserting a new record.
type CreateResult struct {
	Record    *types.MemoryRecord
	Deduped   bool
	ExistedID string
}

// Create assigns an id if absent, computes the content+identity hash, and
// checks for an exact-dedup match among records sharing that hash before
// inserting (invariant: hash equality is a necessary, not sufficient,
// condition for identity — callers doing semantic dedup compare vectors
// themselves via Search).
func (s *Store) Create(ctx context.Context, record *types.MemoryRecord) (*CreateResult, error) {
	if record == nil || record.Text == "" {
		return nil, types.NewError(types.ErrInputInvalid, "record.text is required")
	}
	if record.ID == "" {
		record.ID = idgen.NewID()
	}

	record.Hash = memkeys.RecordHash(record.Text, record.UserID, record.Namespace, record.SessionID, string(record.MemoryType), record.EventDate)

	existing, err := s.findByHash(ctx, record)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreateResult{Record: existing, Deduped: true, ExistedID: existing.ID}, nil
	}

	now := time.Now().UTC()
	record.CreatedAt = now
	record.PersistedAt = &now
	record.LastAccessedAt = now

	if err := s.adapter.Put(ctx, record); err != nil {
		return nil, err
	}
	return &CreateResult{Record: record}, nil
}

// findByHash scans records scoped to the same identity dimensions for a
// matching hash. It relies on the adapter's filter pushdown rather than a
// dedicated hash index, which is acceptable at C4's call volume (dedup runs
// once per batch in the pipeline, not per-query).
func (s *Store) findByHash(ctx context.Context, record *types.MemoryRecord) (*types.MemoryRecord, error) {
	filter := types.SearchFilter{}
	if record.UserID != "" {
		filter.UserID = &types.FilterOp{Eq: record.UserID}
	}
	if record.Namespace != "" {
		filter.Namespace = &types.FilterOp{Eq: record.Namespace}
	}

	resp, err := s.adapter.Search(ctx, store.SearchQuery{Filter: filter, Limit: 1000})
	if err != nil {
		return nil, err
	}
	for _, r := range resp.Memories {
		if r.Record.Hash == record.Hash {
			rec := r.Record
			return &rec, nil
		}
	}
	return nil, nil
}

// Get fetches by id.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return s.adapter.Get(ctx, id)
}

// Update performs an enrichment-fields-only partial update; store.Adapter
// enforces the field allowlist.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) error {
	return s.adapter.UpdateFields(ctx, id, patch)
}

// Supersede marks oldID as superseded by newID. It is idempotent: calling
// it twice with the same arguments is a no-op on the second call. It
// rejects creating a cycle (newID already (transitively) superseded by
// oldID) up to a bounded chain-walk depth, per the acyclic invariant.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return types.NewError(types.ErrInputInvalid, "cannot supersede a record with itself")
	}

	old, err := s.adapter.Get(ctx, oldID)
	if err != nil {
		return err
	}
	if old.SupersededBy == newID {
		return nil
	}

	if err := s.checkAcyclic(ctx, newID, oldID); err != nil {
		return err
	}

	return s.adapter.UpdateFields(ctx, oldID, map[string]any{"superseded_by": newID})
}

// checkAcyclic walks the supersession chain starting at id looking for
// target, erroring if found (which would close a cycle back to oldID).
func (s *Store) checkAcyclic(ctx context.Context, id, target string) error {
	const maxDepth = 64
	cur := id
	for i := 0; i < maxDepth; i++ {
		if cur == target {
			return types.NewError(types.ErrConflict, "supersession would create a cycle")
		}
		rec, err := s.adapter.Get(ctx, cur)
		if err != nil {
			return nil
		}
		if rec.SupersededBy == "" {
			return nil
		}
		cur = rec.SupersededBy
	}
	return types.NewError(types.ErrConflict, "supersession chain exceeds max depth")
}

// Touch batches access_count and last_accessed_at bumps for a set of ids,
// called asynchronously by the Query Service after a search response is
// returned to the caller (§6.3) so read latency never waits on the write.
func (s *Store) Touch(ctx context.Context, ids []string) error {
	now := time.Now().UTC()
	for _, id := range ids {
		rec, err := s.adapter.Get(ctx, id)
		if err != nil {
			s.logger.Warn("touch: record not found", zap.String("id", id), zap.Error(err))
			continue
		}
		err = s.adapter.UpdateFields(ctx, id, map[string]any{
			"access_count":     rec.AccessCount + 1,
			"last_accessed_at": now,
		})
		if err != nil {
			s.logger.Warn("touch: update failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Search is a pass-through to the underlying adapter for the Query Service.
func (s *Store) Search(ctx context.Context, query store.SearchQuery) (*types.SearchResponse, error) {
	return s.adapter.Search(ctx, query)
}

// Count is a pass-through to the underlying adapter.
func (s *Store) Count(ctx context.Context, filter types.SearchFilter) (int, error) {
	return s.adapter.Count(ctx, filter)
}

// Delete removes records in bulk, used by the Forget stage of the pipeline.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	return s.adapter.Delete(ctx, ids)
}
