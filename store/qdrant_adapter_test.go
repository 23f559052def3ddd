package store

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/types"
)

// fakeQdrant is a minimal in-memory stand-in for Qdrant's REST API, just
// enough surface (collection create, upsert, get, delete, search, scroll,
// count) to exercise QdrantAdapter the way httptest exercises the OpenAI
// embedding client in llm/embedding/embedding_test.go.
type fakeQdrant struct {
	mu      sync.Mutex
	points  map[string]fakePoint
	created bool
}

type fakePoint struct {
	Vector  []float64
	Payload map[string]any
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{points: make(map[string]fakePoint)}
}

func (f *fakeQdrant) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/", f.handle)
	return httptest.NewServer(mux)
}

func (f *fakeQdrant) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && !hasSuffix(r.URL.Path, "/points"):
		f.created = true
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": true, "status": "ok"})

	case r.Method == http.MethodPut && hasSuffix(r.URL.Path, "/points"):
		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Vector  []float64      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			f.points[p.ID] = fakePoint{Vector: p.Vector, Payload: p.Payload}
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "completed"}, "status": "ok"})

	case r.Method == http.MethodGet:
		id := lastSegment(r.URL.Path)
		p, ok := f.points[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"result": nil, "status": "not_found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"id": id, "payload": p.Payload},
			"status": "ok",
		})

	case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/points/delete"):
		var body struct {
			Points []string `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		for _, id := range body.Points {
			delete(f.points, id)
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "completed"}, "status": "ok"})

	case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/points/search"):
		var body struct {
			Vector []float64      `json:"vector"`
			Filter map[string]any `json:"filter"`
			Limit  int            `json:"limit"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		type scored struct {
			id      string
			payload map[string]any
			score   float64
		}
		var hits []scored
		for id, p := range f.points {
			if !filterMatches(p.Payload, body.Filter) {
				continue
			}
			hits = append(hits, scored{id: id, payload: p.Payload, score: cosine(body.Vector, p.Vector)})
		}
		for i := 0; i < len(hits); i++ {
			for j := i + 1; j < len(hits); j++ {
				if hits[j].score > hits[i].score {
					hits[i], hits[j] = hits[j], hits[i]
				}
			}
		}
		if body.Limit > 0 && len(hits) > body.Limit {
			hits = hits[:body.Limit]
		}
		result := make([]map[string]any, 0, len(hits))
		for _, h := range hits {
			result = append(result, map[string]any{"id": h.id, "score": h.score, "payload": h.payload})
		}
		json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})

	case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/points/scroll"):
		var body struct {
			Filter map[string]any `json:"filter"`
			Limit  int            `json:"limit"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		var points []map[string]any
		for id, p := range f.points {
			if !filterMatches(p.Payload, body.Filter) {
				continue
			}
			points = append(points, map[string]any{"id": id, "payload": p.Payload})
			if body.Limit > 0 && len(points) >= body.Limit {
				break
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"points": points}, "status": "ok"})

	case r.Method == http.MethodPost && hasSuffix(r.URL.Path, "/points/count"):
		var body struct {
			Filter map[string]any `json:"filter"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		count := 0
		for _, p := range f.points {
			if filterMatches(p.Payload, body.Filter) {
				count++
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": count}, "status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func hasSuffix(path, suffix string) bool {
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// filterMatches evaluates the must/must_not clauses QdrantAdapter's
// qdrantFilter/searchableFilter produce, against one point's payload.
func filterMatches(payload map[string]any, filter map[string]any) bool {
	if filter == nil {
		return true
	}
	if must, ok := filter["must"].([]any); ok {
		for _, c := range must {
			if !clauseMatches(payload, c.(map[string]any)) {
				return false
			}
		}
	}
	if mustNot, ok := filter["must_not"].([]any); ok {
		for _, c := range mustNot {
			if clauseMatches(payload, c.(map[string]any)) {
				return false
			}
		}
	}
	return true
}

func clauseMatches(payload map[string]any, clause map[string]any) bool {
	key, _ := clause["key"].(string)
	value := payload[key]

	if m, ok := clause["match"].(map[string]any); ok {
		if want, ok := m["value"]; ok {
			return valuesEqual(value, want)
		}
		if anyValues, ok := m["any"].([]any); ok {
			switch v := value.(type) {
			case []any:
				for _, item := range v {
					for _, want := range anyValues {
						if valuesEqual(item, want) {
							return true
						}
					}
				}
				return false
			default:
				for _, want := range anyValues {
					if valuesEqual(value, want) {
						return true
					}
				}
				return false
			}
		}
	}
	if rng, ok := clause["range"].(map[string]any); ok {
		got, ok := toFloat(value)
		if !ok {
			return false
		}
		if gt, ok := toFloat(rng["gt"]); ok && !(got > gt) {
			return false
		}
		if gte, ok := toFloat(rng["gte"]); ok && !(got >= gte) {
			return false
		}
		if lt, ok := toFloat(rng["lt"]); ok && !(got < lt) {
			return false
		}
		if lte, ok := toFloat(rng["lte"]); ok && !(got <= lte) {
			return false
		}
		return true
	}
	return true
}

func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func newTestQdrantAdapter(t *testing.T, srv *httptest.Server, vectorSize int) *QdrantAdapter {
	t.Helper()
	adapter, err := NewQdrantAdapter(QdrantAdapterConfig{
		BaseURL:              srv.URL,
		Collection:           "memories",
		AutoCreateCollection: true,
		VectorSize:           vectorSize,
	}, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func TestQdrantAdapter_PutGetRoundTrip(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	record := &types.MemoryRecord{
		ID:          "rec-1",
		Text:        "likes tea",
		MemoryType:  types.MemoryTypeSemantic,
		Namespace:   "ns",
		UserID:      "u1",
		SessionID:   "s1",
		CreatedAt:   now,
		PersistedAt: &now,
		Vector:      []float32{0.1, 0.2, 0.3},
		Topics:      []string{"beverages"},
		Entities:    []string{"tea"},
	}
	require.NoError(t, adapter.Put(ctx, record))
	assert.True(t, fake.created)

	got, err := adapter.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, record.Text, got.Text)
	assert.Equal(t, record.Namespace, got.Namespace)
	assert.Equal(t, record.Topics, got.Topics)
	assert.Equal(t, record.Entities, got.Entities)
	assert.InDelta(t, 0.1, got.Vector[0], 0.0001)
}

func TestQdrantAdapter_Put_ZeroVectorPlaceholderForUnenrichedRecord(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 4)
	ctx := t.Context()

	now := time.Now().UTC()
	record := &types.MemoryRecord{
		ID:          "rec-pending",
		Text:        "pending enrichment",
		MemoryType:  types.MemoryTypeSemantic,
		CreatedAt:   now,
		PersistedAt: &now,
	}
	require.NoError(t, adapter.Put(ctx, record))

	pointID := qdrantPointID("rec-pending")
	fake.mu.Lock()
	stored := fake.points[pointID]
	fake.mu.Unlock()
	require.Len(t, stored.Vector, 4)
	for _, v := range stored.Vector {
		assert.Zero(t, v)
	}
}

func TestQdrantAdapter_Put_RejectsWrongDimension(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)

	err := adapter.Put(t.Context(), &types.MemoryRecord{ID: "bad", Text: "x", Vector: []float32{0.1, 0.2}})
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrInputInvalid, typedErr.Code)
}

func TestQdrantAdapter_Get_NotFound(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)

	_, err := adapter.Get(t.Context(), "missing")
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrNotFound, typedErr.Code)
}

func TestQdrantAdapter_Delete(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "a", Text: "a", CreatedAt: now, PersistedAt: &now, Vector: []float32{1, 0, 0}}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "b", Text: "b", CreatedAt: now, PersistedAt: &now, Vector: []float32{0, 1, 0}}))

	require.NoError(t, adapter.Delete(ctx, []string{"a"}))

	_, err := adapter.Get(ctx, "a")
	require.Error(t, err)
	_, err = adapter.Get(ctx, "b")
	require.NoError(t, err)
}

func TestQdrantAdapter_UpdateFields_RejectsNonEnrichmentField(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)

	err := adapter.UpdateFields(t.Context(), "rec-1", map[string]any{"text": "hacked"})
	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrConflict, typedErr.Code)
}

func TestQdrantAdapter_UpdateFields_UpdatesVector(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "rec-1", Text: "x", CreatedAt: now, PersistedAt: &now}))

	require.NoError(t, adapter.UpdateFields(ctx, "rec-1", map[string]any{"vector": []float32{0.5, 0.5, 0.5}}))

	got, err := adapter.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, got.Vector)
}

func TestQdrantAdapter_Search_FiltersByNamespace(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "a", Text: "a", Namespace: "ns-1", CreatedAt: now, PersistedAt: &now, Vector: []float32{1, 0, 0}}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "b", Text: "b", Namespace: "ns-2", CreatedAt: now, PersistedAt: &now, Vector: []float32{1, 0, 0}}))

	resp, err := adapter.Search(ctx, SearchQuery{
		Vector: []float32{1, 0, 0},
		Filter: types.SearchFilter{Namespace: &types.FilterOp{Eq: "ns-1"}},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, "a", resp.Memories[0].Record.ID)
	assert.Equal(t, 1, resp.Total)
}

func TestQdrantAdapter_Search_ExcludesUnpersistedAndSuperseded(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "unpersisted", Text: "x", CreatedAt: now, Vector: []float32{1, 0, 0}}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "superseded", Text: "x", CreatedAt: now, PersistedAt: &now, SupersededBy: "other", Vector: []float32{1, 0, 0}}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "live", Text: "x", CreatedAt: now, PersistedAt: &now, Vector: []float32{1, 0, 0}}))

	resp, err := adapter.Search(ctx, SearchQuery{Vector: []float32{1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, "live", resp.Memories[0].Record.ID)
}

func TestQdrantAdapter_Search_FilterOnlyUsesScroll(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "a", Text: "a", UserID: "u1", CreatedAt: now, PersistedAt: &now}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "b", Text: "b", UserID: "u2", CreatedAt: now, PersistedAt: &now}))

	resp, err := adapter.Search(ctx, SearchQuery{
		Filter: types.SearchFilter{UserID: &types.FilterOp{Eq: "u1"}},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, "a", resp.Memories[0].Record.ID)
	assert.Equal(t, 1.0, resp.Memories[0].Similarity)
}

func TestQdrantAdapter_Search_FiltersByCreatedAtRange(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "old", Text: "old", CreatedAt: old, PersistedAt: &old}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "new", Text: "new", CreatedAt: recent, PersistedAt: &recent}))

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	resp, err := adapter.Search(ctx, SearchQuery{
		Filter: types.SearchFilter{CreatedAt: &types.FilterOp{Gte: cutoff}},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, "new", resp.Memories[0].Record.ID)
}

func TestQdrantAdapter_Count(t *testing.T) {
	fake := newFakeQdrant()
	srv := fake.server()
	defer srv.Close()
	adapter := newTestQdrantAdapter(t, srv, 3)
	ctx := t.Context()

	now := time.Now().UTC()
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "a", Text: "a", Namespace: "ns", CreatedAt: now, PersistedAt: &now}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "b", Text: "b", Namespace: "ns", CreatedAt: now, PersistedAt: &now}))
	require.NoError(t, adapter.Put(ctx, &types.MemoryRecord{ID: "c", Text: "c", Namespace: "other", CreatedAt: now, PersistedAt: &now}))

	count, err := adapter.Count(ctx, types.SearchFilter{Namespace: &types.FilterOp{Eq: "ns"}})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestQdrantAdapter_EnsureCollection_TreatsConflictAsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/memories", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/collections/memories/points", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "completed"}, "status": "ok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	adapter := newTestQdrantAdapter(t, srv, 3)
	now := time.Now().UTC()
	err := adapter.Put(t.Context(), &types.MemoryRecord{ID: "a", Text: "a", CreatedAt: now, PersistedAt: &now, Vector: []float32{1, 0, 0}})
	require.NoError(t, err)
}
