package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/types"
)

// InMemoryAdapter is an in-process Adapter implementation for tests and the
// "memory" vectorstore_factory setting. It is not durable across restarts.
type InMemoryAdapter struct {
	mu      sync.RWMutex
	records map[string]*types.MemoryRecord
	logger  *zap.Logger
}

// NewInMemoryAdapter creates an in-memory Adapter.
func NewInMemoryAdapter(logger *zap.Logger) *InMemoryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryAdapter{
		records: make(map[string]*types.MemoryRecord),
		logger:  logger,
	}
}

func cloneRecord(r *types.MemoryRecord) *types.MemoryRecord {
	c := *r
	if r.Vector != nil {
		c.Vector = append([]float32(nil), r.Vector...)
	}
	if r.Topics != nil {
		c.Topics = append([]string(nil), r.Topics...)
	}
	if r.Entities != nil {
		c.Entities = append([]string(nil), r.Entities...)
	}
	if r.DiscreteSourceIDs != nil {
		c.DiscreteSourceIDs = append([]string(nil), r.DiscreteSourceIDs...)
	}
	return &c
}

func (s *InMemoryAdapter) Put(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrInputInvalid, "record.id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = cloneRecord(record)
	return nil
}

func (s *InMemoryAdapter) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "record not found: "+id)
	}
	return cloneRecord(r), nil
}

func (s *InMemoryAdapter) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *InMemoryAdapter) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if err := ValidateUpdateFields(fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return types.NewError(types.ErrNotFound, "record not found: "+id)
	}
	applyFields(r, fields)
	return nil
}

func applyFields(r *types.MemoryRecord, fields map[string]any) {
	if v, ok := fields["vector"]; ok {
		if vec, ok := v.([]float32); ok {
			r.Vector = vec
		}
	}
	if v, ok := fields["topics"]; ok {
		if topics, ok := v.([]string); ok {
			r.Topics = topics
		}
	}
	if v, ok := fields["entities"]; ok {
		if entities, ok := v.([]string); ok {
			r.Entities = entities
		}
	}
	if v, ok := fields["last_accessed_at"]; ok {
		if t, ok := v.(time.Time); ok {
			r.LastAccessedAt = t
		}
	}
	if v, ok := fields["access_count"]; ok {
		if n, ok := v.(int); ok {
			r.AccessCount = n
		}
	}
	if v, ok := fields["superseded_by"]; ok {
		if s, ok := v.(string); ok {
			r.SupersededBy = s
		}
	}
	if v, ok := fields["enrichment_failed"]; ok {
		if b, ok := v.(bool); ok {
			r.EnrichmentFailed = b
		}
	}
}

func (s *InMemoryAdapter) Search(ctx context.Context, query SearchQuery) (*types.SearchResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*types.MemoryRecord, 0, len(s.records))
	for _, r := range s.records {
		if !r.IsSearchable() {
			continue
		}
		if !matchFilter(r, query.Filter) {
			continue
		}
		candidates = append(candidates, r)
	}

	type scored struct {
		record *types.MemoryRecord
		score  float64
	}
	results := make([]scored, 0, len(candidates))
	for _, r := range candidates {
		sim := 1.0
		if len(query.Vector) > 0 && len(r.Vector) > 0 {
			sim = cosineSimilarity(query.Vector, r.Vector)
			if query.DistanceThreshold != nil && (1-sim) > *query.DistanceThreshold {
				continue
			}
		}
		results = append(results, scored{record: r, score: sim})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	total := len(results)
	offset := query.Offset
	limit := query.Limit
	if limit <= 0 {
		limit = total
	}
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}

	page := results[offset:end]
	out := make([]types.SearchResult, 0, len(page))
	for _, sc := range page {
		out = append(out, types.SearchResult{
			Record:     *cloneRecord(sc.record),
			Similarity: sc.score,
			Score:      sc.score,
		})
	}

	resp := &types.SearchResponse{Total: total, Memories: out}
	if end < total {
		next := end
		resp.NextOffset = &next
	}
	return resp, nil
}

func (s *InMemoryAdapter) Count(ctx context.Context, filter types.SearchFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records {
		if r.IsSearchable() && matchFilter(r, filter) {
			count++
		}
	}
	return count, nil
}

func matchFilter(r *types.MemoryRecord, f types.SearchFilter) bool {
	if f.Namespace != nil && !matchOp(*f.Namespace, r.Namespace) {
		return false
	}
	if f.UserID != nil && !matchOp(*f.UserID, r.UserID) {
		return false
	}
	if f.SessionID != nil && !matchOp(*f.SessionID, r.SessionID) {
		return false
	}
	if f.MemoryType != nil && !matchOp(*f.MemoryType, string(r.MemoryType)) {
		return false
	}
	if f.Topics != nil && !matchSetOp(*f.Topics, r.Topics) {
		return false
	}
	if f.Entities != nil && !matchSetOp(*f.Entities, r.Entities) {
		return false
	}
	if f.CreatedAt != nil && !matchTimeOp(*f.CreatedAt, r.CreatedAt, true) {
		return false
	}
	if f.LastAccessedAt != nil && !matchTimeOp(*f.LastAccessedAt, r.LastAccessedAt, !r.LastAccessedAt.IsZero()) {
		return false
	}
	if f.EventDate != nil {
		var eventDate time.Time
		present := r.EventDate != nil
		if present {
			eventDate = *r.EventDate
		}
		if !matchTimeOp(*f.EventDate, eventDate, present) {
			return false
		}
	}
	return true
}

// matchTimeOp applies gt/lt/gte/lte/between/eq/ne against a record's time
// field. present is false when the field is a nil pointer on the record
// (EventDate); an absent field satisfies no operator except a no-op filter.
func matchTimeOp(op types.FilterOp, value time.Time, present bool) bool {
	if op.IsZero() {
		return true
	}
	if !present {
		return false
	}
	if op.Eq != nil {
		t, ok := op.Eq.(time.Time)
		if !ok || !value.Equal(t) {
			return false
		}
	}
	if op.Ne != nil {
		if t, ok := op.Ne.(time.Time); ok && value.Equal(t) {
			return false
		}
	}
	if op.Gt != nil {
		t, ok := op.Gt.(time.Time)
		if !ok || !value.After(t) {
			return false
		}
	}
	if op.Gte != nil {
		t, ok := op.Gte.(time.Time)
		if !ok || value.Before(t) {
			return false
		}
	}
	if op.Lt != nil {
		t, ok := op.Lt.(time.Time)
		if !ok || !value.Before(t) {
			return false
		}
	}
	if op.Lte != nil {
		t, ok := op.Lte.(time.Time)
		if !ok || value.After(t) {
			return false
		}
	}
	if op.Between != nil {
		start, ok1 := op.Between[0].(time.Time)
		end, ok2 := op.Between[1].(time.Time)
		if !ok1 || !ok2 || value.Before(start) || value.After(end) {
			return false
		}
	}
	return true
}

func matchOp(op types.FilterOp, value string) bool {
	if op.IsZero() {
		return true
	}
	if op.Eq != nil && !equalAny(op.Eq, value) {
		return false
	}
	if op.Ne != nil && equalAny(op.Ne, value) {
		return false
	}
	if op.Any != nil && !containsAny(op.Any, value) {
		return false
	}
	if op.None != nil && containsAny(op.None, value) {
		return false
	}
	return true
}

// matchSetOp applies any_of/none_of against a record's string-set field
// (topics, entities); eq/ne/gt-style operators are not meaningful here.
func matchSetOp(op types.FilterOp, values []string) bool {
	if op.IsZero() {
		return true
	}
	if op.Any != nil {
		found := false
		for _, v := range values {
			if containsAny(op.Any, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if op.None != nil {
		for _, v := range values {
			if containsAny(op.None, v) {
				return false
			}
		}
	}
	return true
}

func equalAny(a any, value string) bool {
	s, ok := a.(string)
	return ok && s == value
}

func containsAny(set []any, value string) bool {
	for _, v := range set {
		if s, ok := v.(string); ok && s == value {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

