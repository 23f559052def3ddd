package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/types"
)

// QdrantAdapterConfig configures QdrantAdapter, the ANN-backed C2 alternate
// to RedisAdapter's client-side brute-force scan.
type QdrantAdapterConfig struct {
	Host       string
	Port       int
	BaseURL    string
	APIKey     string
	Collection string

	AutoCreateCollection bool
	Distance             string // Cosine (default), Dot, Euclid
	VectorSize           int    // must match the configured embedding dimensionality
	Timeout              time.Duration
}

// QdrantAdapter implements Adapter over Qdrant's REST API: the full record
// is round-tripped as a JSON payload field so no information is lost across
// a Put/Get cycle, while namespace/user/session/type/topics/entities and the
// three timestamp fields are also written as indexed payload fields so
// filters push down into Qdrant's native match/range query clauses instead
// of a client-side scan. Vector search uses Qdrant's HNSW index directly.
type QdrantAdapter struct {
	cfg QdrantAdapterConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantAdapter validates cfg and builds a QdrantAdapter. It does not
// dial Qdrant; the collection is created lazily (or verified to exist) on
// first write, mirroring the lazy-connect style of the teacher's
// rag.QdrantStore.
func NewQdrantAdapter(cfg QdrantAdapterConfig, logger *zap.Logger) (*QdrantAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, types.NewError(types.ErrInputInvalid, "qdrant collection is required")
	}
	if cfg.VectorSize <= 0 {
		return nil, types.NewError(types.ErrInputInvalid, "qdrant vector size must be > 0")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantAdapter{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_adapter")),
	}, nil
}

var qdrantNamespace = uuid.MustParse("d9bde6d4-4f3a-4e6b-8f7a-5d8d2f3b4c1a")

// qdrantPointID derives a stable UUID from a MemoryRecord.ID; Qdrant point
// ids must be a UUID or unsigned integer, and record ids are ULID strings.
func qdrantPointID(recordID string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(recordID)).String()
}

const qdrantPayloadRecordField = "record"

// ensureCollection lazily creates the collection with the configured vector
// size/distance the first time this adapter writes; a 409 (already exists)
// counts as success. Skipped entirely when AutoCreateCollection is false,
// for deployments that provision the collection out of band.
func (s *QdrantAdapter) ensureCollection(ctx context.Context) error {
	if !s.cfg.AutoCreateCollection {
		return nil
	}
	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     s.cfg.VectorSize,
				"distance": s.cfg.Distance,
			},
		}
		path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))
		resp, err := s.doRequest(ctx, http.MethodPut, path, body)
		if err != nil {
			s.ensureErr = err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusConflict {
			return
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			s.ensureErr = fmt.Errorf("qdrant create collection failed: status=%d body=%s", resp.StatusCode, string(raw))
		}
	})
	return s.ensureErr
}

func (s *QdrantAdapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantAdapter) doRequest(ctx context.Context, method, path string, in any) (*http.Response, error) {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	s.applyHeaders(req)
	return s.client.Do(req)
}

func (s *QdrantAdapter) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := s.doRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: method=%s path=%s status=%d body=%s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// buildPayload embeds the full record as a JSON string under
// qdrantPayloadRecordField (so Get/Search round-trip every field, including
// ones with no dedicated index) alongside the indexed fields filters push
// down against. persisted/superseded mirror MemoryRecord.IsSearchable so
// filter pushdown can enforce that invariant natively rather than requiring
// a client-side pass over every hit.
func (s *QdrantAdapter) buildPayload(record *types.MemoryRecord) (map[string]any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		qdrantPayloadRecordField: string(raw),
		"namespace":              record.Namespace,
		"user_id":                record.UserID,
		"session_id":             record.SessionID,
		"memory_type":            string(record.MemoryType),
		"topics":                 record.Topics,
		"entities":               record.Entities,
		"created_at":             record.CreatedAt.Unix(),
		"persisted":              record.PersistedAt != nil,
		"superseded":             record.SupersededBy != "",
	}
	if !record.LastAccessedAt.IsZero() {
		payload["last_accessed_at"] = record.LastAccessedAt.Unix()
	}
	if record.EventDate != nil {
		payload["event_date"] = record.EventDate.Unix()
	}
	return payload, nil
}

func recordFromPayload(payload map[string]any) (*types.MemoryRecord, error) {
	if payload == nil {
		return nil, fmt.Errorf("qdrant point has no payload")
	}
	raw, ok := payload[qdrantPayloadRecordField].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("qdrant point payload missing %q field", qdrantPayloadRecordField)
	}
	var record types.MemoryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *QdrantAdapter) Put(ctx context.Context, record *types.MemoryRecord) error {
	if record == nil || record.ID == "" {
		return types.NewError(types.ErrInputInvalid, "record.id is required")
	}
	if err := s.ensureCollection(ctx); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "qdrant ensure collection failed").WithCause(err).WithRetryable(true)
	}

	payload, err := s.buildPayload(record)
	if err != nil {
		return types.NewError(types.ErrInternal, "marshal record failed").WithCause(err)
	}

	vector := record.Vector
	switch {
	case len(vector) == 0:
		// Records persisted before the embedding stage runs still need a
		// point of the collection's configured dimensionality; a zero
		// vector scores lowest against any real query and is superseded
		// once UpdateFields lands the real embedding.
		vector = make([]float32, s.cfg.VectorSize)
	case len(vector) != s.cfg.VectorSize:
		return types.NewError(types.ErrInputInvalid,
			fmt.Sprintf("vector dimension mismatch: got=%d want=%d", len(vector), s.cfg.VectorSize))
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	body := struct {
		Points []point `json:"points"`
	}{
		Points: []point{{ID: qdrantPointID(record.ID), Vector: vector, Payload: payload}},
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "qdrant upsert failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *QdrantAdapter) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	path := fmt.Sprintf("/collections/%s/points/%s", url.PathEscape(s.cfg.Collection), url.PathEscape(qdrantPointID(id)))
	resp, err := s.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, types.NewError(types.ErrStoreUnavailable, "qdrant get failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewError(types.ErrNotFound, "record not found: "+id)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, types.NewError(types.ErrStoreUnavailable, fmt.Sprintf("qdrant get failed: status=%d body=%s", resp.StatusCode, string(raw)))
	}

	var decoded struct {
		Result *struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, types.NewError(types.ErrInternal, "decode qdrant point failed").WithCause(err)
	}
	if decoded.Result == nil {
		return nil, types.NewError(types.ErrNotFound, "record not found: "+id)
	}

	record, err := recordFromPayload(decoded.Result.Payload)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "decode record payload failed").WithCause(err)
	}
	return record, nil
}

func (s *QdrantAdapter) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		points = append(points, qdrantPointID(id))
	}
	if len(points) == 0 {
		return nil
	}

	body := struct {
		Points []string `json:"points"`
	}{Points: points}

	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return types.NewError(types.ErrStoreUnavailable, "qdrant delete failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// UpdateFields performs the same read-modify-write RedisAdapter uses,
// without RedisAdapter's SetNX lock — Qdrant has no equivalent primitive
// over REST, so concurrent UpdateFields calls on the same id are
// last-writer-wins, which the Adapter contract explicitly allows.
func (s *QdrantAdapter) UpdateFields(ctx context.Context, id string, fields map[string]any) error {
	if err := ValidateUpdateFields(fields); err != nil {
		return err
	}
	record, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	applyFields(record, fields)
	return s.Put(ctx, record)
}

// searchableFilter renders f into Qdrant's filter syntax and conjoins the
// persisted/not-superseded invariant IsSearchable enforces client-side on
// the other adapters, so Search and Count never need a second pass over
// hits to drop unpersisted or superseded records.
func (s *QdrantAdapter) searchableFilter(f types.SearchFilter) map[string]any {
	must := []map[string]any{
		{"key": "persisted", "match": map[string]any{"value": true}},
	}
	mustNot := []map[string]any{
		{"key": "superseded", "match": map[string]any{"value": true}},
	}

	rendered := qdrantFilter(f)
	if rendered != nil {
		if extra, ok := rendered["must"].([]map[string]any); ok {
			must = append(must, extra...)
		}
		if extra, ok := rendered["must_not"].([]map[string]any); ok {
			mustNot = append(mustNot, extra...)
		}
	}

	return map[string]any{"must": must, "must_not": mustNot}
}

// qdrantFilter renders a types.SearchFilter into Qdrant's must/must_not
// clause syntax: match (value/any) for equality-style operators, range
// (gt/gte/lt/lte) for ordering operators, translating time.Time bounds to
// unix seconds to match buildPayload's timestamp encoding.
func qdrantFilter(f types.SearchFilter) map[string]any {
	var must, mustNot []map[string]any

	addMatch := func(key string, op *types.FilterOp) {
		if op == nil || op.IsZero() {
			return
		}
		if op.Eq != nil {
			must = append(must, map[string]any{"key": key, "match": map[string]any{"value": op.Eq}})
		}
		if op.Ne != nil {
			mustNot = append(mustNot, map[string]any{"key": key, "match": map[string]any{"value": op.Ne}})
		}
		if op.Any != nil {
			must = append(must, map[string]any{"key": key, "match": map[string]any{"any": op.Any}})
		}
		if op.None != nil {
			mustNot = append(mustNot, map[string]any{"key": key, "match": map[string]any{"any": op.None}})
		}
	}

	toUnix := func(v any) any {
		if t, ok := v.(time.Time); ok {
			return t.Unix()
		}
		return v
	}

	addRange := func(key string, op *types.FilterOp) {
		if op == nil || op.IsZero() {
			return
		}
		rng := map[string]any{}
		if op.Gt != nil {
			rng["gt"] = toUnix(op.Gt)
		}
		if op.Gte != nil {
			rng["gte"] = toUnix(op.Gte)
		}
		if op.Lt != nil {
			rng["lt"] = toUnix(op.Lt)
		}
		if op.Lte != nil {
			rng["lte"] = toUnix(op.Lte)
		}
		if op.Between != nil {
			rng["gte"] = toUnix(op.Between[0])
			rng["lte"] = toUnix(op.Between[1])
		}
		if len(rng) > 0 {
			must = append(must, map[string]any{"key": key, "range": rng})
		}
		if op.Eq != nil {
			must = append(must, map[string]any{"key": key, "match": map[string]any{"value": toUnix(op.Eq)}})
		}
		if op.Ne != nil {
			mustNot = append(mustNot, map[string]any{"key": key, "match": map[string]any{"value": toUnix(op.Ne)}})
		}
	}

	addMatch("namespace", f.Namespace)
	addMatch("user_id", f.UserID)
	addMatch("session_id", f.SessionID)
	addMatch("memory_type", f.MemoryType)
	addMatch("topics", f.Topics)
	addMatch("entities", f.Entities)
	addRange("created_at", f.CreatedAt)
	addRange("last_accessed_at", f.LastAccessedAt)
	addRange("event_date", f.EventDate)

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	out := map[string]any{}
	if len(must) > 0 {
		out["must"] = must
	}
	if len(mustNot) > 0 {
		out["must_not"] = mustNot
	}
	return out
}

type qdrantScoredPoint struct {
	record *types.MemoryRecord
	score  float64
}

// Search issues a vector-similarity query (points/search) when the caller
// supplies a query vector, or a plain filtered scroll (points/scroll)
// otherwise, mirroring how the in-memory/Redis adapters treat a missing
// vector as "every candidate matches with similarity 1.0". Filter pushdown
// and the persisted/not-superseded invariant are both applied server-side
// via searchableFilter.
func (s *QdrantAdapter) Search(ctx context.Context, query SearchQuery) (*types.SearchResponse, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	fetch := query.Offset + limit
	if fetch <= 0 || fetch > 1000 {
		fetch = 1000
	}

	filter := s.searchableFilter(query.Filter)

	var hits []qdrantScoredPoint
	if len(query.Vector) > 0 {
		body := struct {
			Vector      []float32      `json:"vector"`
			Filter      map[string]any `json:"filter,omitempty"`
			Limit       int            `json:"limit"`
			WithPayload bool           `json:"with_payload"`
			WithVector  bool           `json:"with_vector"`
		}{Vector: query.Vector, Filter: filter, Limit: fetch, WithPayload: true, WithVector: false}

		var resp struct {
			Result []struct {
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"result"`
		}
		path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
		if err := s.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, types.NewError(types.ErrStoreUnavailable, "qdrant search failed").WithCause(err).WithRetryable(true)
		}
		for _, r := range resp.Result {
			record, err := recordFromPayload(r.Payload)
			if err != nil {
				s.logger.Warn("qdrant search: skipping point with unreadable payload", zap.Error(err))
				continue
			}
			if query.DistanceThreshold != nil && (1-r.Score) > *query.DistanceThreshold {
				continue
			}
			hits = append(hits, qdrantScoredPoint{record: record, score: r.Score})
		}
	} else {
		body := struct {
			Filter      map[string]any `json:"filter,omitempty"`
			Limit       int            `json:"limit"`
			WithPayload bool           `json:"with_payload"`
			WithVector  bool           `json:"with_vector"`
		}{Filter: filter, Limit: fetch, WithPayload: true, WithVector: false}

		var resp struct {
			Result struct {
				Points []struct {
					Payload map[string]any `json:"payload"`
				} `json:"points"`
			} `json:"result"`
		}
		path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(s.cfg.Collection))
		if err := s.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, types.NewError(types.ErrStoreUnavailable, "qdrant scroll failed").WithCause(err).WithRetryable(true)
		}
		for _, r := range resp.Result.Points {
			record, err := recordFromPayload(r.Payload)
			if err != nil {
				s.logger.Warn("qdrant scroll: skipping point with unreadable payload", zap.Error(err))
				continue
			}
			hits = append(hits, qdrantScoredPoint{record: record, score: 1.0})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	offset := query.Offset
	if offset > len(hits) {
		offset = len(hits)
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	page := hits[offset:end]

	out := make([]types.SearchResult, 0, len(page))
	for _, h := range page {
		out = append(out, types.SearchResult{Record: *h.record, Similarity: h.score, Score: h.score})
	}

	// Total reflects every persisted, non-superseded record matching the
	// filter, via a dedicated Count call rather than len(hits): Qdrant's
	// search endpoint caps at `fetch` candidates, so len(hits) would
	// silently undercount once matches exceed that cap. This does mean
	// Total does not subtract candidates a DistanceThreshold excluded,
	// unlike the in-memory/Redis adapters — Qdrant has no server-side
	// notion of "count of points within distance d of vector v" separate
	// from running the search itself.
	total, err := s.Count(ctx, query.Filter)
	if err != nil {
		total = len(hits)
	}

	resp := &types.SearchResponse{Total: total, Memories: out}
	if end < len(hits) {
		next := end
		resp.NextOffset = &next
	}
	return resp, nil
}

func (s *QdrantAdapter) Count(ctx context.Context, filter types.SearchFilter) (int, error) {
	body := struct {
		Filter map[string]any `json:"filter,omitempty"`
		Exact  bool           `json:"exact"`
	}{Filter: s.searchableFilter(filter), Exact: true}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return 0, types.NewError(types.ErrStoreUnavailable, "qdrant count failed").WithCause(err).WithRetryable(true)
	}
	return resp.Result.Count, nil
}
