// Package query implements the Query Service of spec.md §4.6: a thin
// composition layer over C2-C4 that answers search and memory-prompt
// requests, optionally rewriting the query text and reranking hits by a
// configurable blend of similarity, recency, and access frequency.
package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmem/memoryd/memory/longterm"
	"github.com/agentmem/memoryd/memory/working"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/types"
)

const maxVectorTopN = 200

// Embedder is the narrow outbound dependency for embedding query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Rewriter is the narrow outbound dependency for optimize_query's
// fast-LLM query rewrite.
type Rewriter interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Toucher is the C6 dependency used to schedule the batched touch(ids)
// task after a search.
type Toucher interface {
	Enqueue(ctx context.Context, taskName string, args map[string]any, fingerprint string) error
}

// RerankWeights is the (α, β, γ) blend of §4.6 step 4. The zero value
// (all fields unset) is treated as pure-similarity defaults by
// withDefaults.
type RerankWeights struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

func (w RerankWeights) withDefaults() RerankWeights {
	if w.Alpha == 0 && w.Beta == 0 && w.Gamma == 0 {
		return RerankWeights{Alpha: 1}
	}
	return w
}

// Config holds the Query Service's tunables.
type Config struct {
	Rerank RerankWeights
}

// Service composes the long-term store, working store, embedder, and
// rewriter into the search and memory_prompt operations.
type Service struct {
	longterm *longterm.Store
	working  *working.Store
	embedder Embedder
	rewriter Rewriter
	tasks    Toucher
	cfg      Config
	logger   *zap.Logger
}

// New builds a Service.
func New(longtermStore *longterm.Store, workingStore *working.Store, embedder Embedder, rewriter Rewriter, tasks Toucher, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Rerank = cfg.Rerank.withDefaults()
	return &Service{
		longterm: longtermStore,
		working:  workingStore,
		embedder: embedder,
		rewriter: rewriter,
		tasks:    tasks,
		cfg:      cfg,
		logger:   logger,
	}
}

// Search implements search(query) per spec.md §4.6 steps 1-6.
func (s *Service) Search(ctx context.Context, q types.MemoryQuery) (*types.SearchResponse, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var vector []float32
	if strings.TrimSpace(q.Text) != "" {
		text := q.Text
		if q.OptimizeQuery {
			rewritten, err := s.optimizeQuery(ctx, q.Text)
			if err != nil {
				return nil, err
			}
			if rewritten != "" {
				text = rewritten
			}
		}
		vectors, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) > 0 {
			vector = vectors[0]
		}
	}

	topN := limit + offset
	if topN > maxVectorTopN {
		topN = maxVectorTopN
	}

	resp, err := s.longterm.Search(ctx, store.SearchQuery{
		Vector:            vector,
		Filter:            q.Filter,
		DistanceThreshold: q.DistanceThreshold,
		Limit:             topN,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchResult, 0, len(resp.Memories))
	for _, r := range resp.Memories {
		if !r.Record.IsSearchable() {
			continue
		}
		hits = append(hits, r)
	}

	for i := range hits {
		hits[i].Score = s.rerankScore(hits[i])
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	total := len(hits)
	end := offset + limit
	if offset > total {
		offset = total
	}
	if end > total {
		end = total
	}
	page := hits[offset:end]

	ids := make([]string, 0, len(page))
	for _, h := range page {
		ids = append(ids, h.Record.ID)
	}
	s.scheduleTouch(ctx, ids)

	out := &types.SearchResponse{Total: total, Memories: page}
	if end < total {
		next := end
		out.NextOffset = &next
	}
	return out, nil
}

// rerankScore implements score' = α·similarity + β·recency + γ·log(1+access_count).
// recency is expressed as a (0,1] decay: 1 / (1 + days_since_last_access).
func (s *Service) rerankScore(r types.SearchResult) float64 {
	w := s.cfg.Rerank
	score := w.Alpha * r.Similarity
	if w.Beta != 0 {
		days := time.Since(r.Record.LastAccessedAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		score += w.Beta * (1 / (1 + days))
	}
	if w.Gamma != 0 {
		score += w.Gamma * math.Log(1+float64(r.Record.AccessCount))
	}
	return score
}

// optimizeQuery rewrites free-text into a vector-friendly query via the
// fast generation model, per §4.6's optimize_query flag. A rewrite failure
// is a ProviderFailure surfaced synchronously (spec.md §7), since this is a
// request-path call, not a background task.
func (s *Service) optimizeQuery(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Rewrite the following search query into a short, information-dense phrase optimized for semantic similarity search. Reply with only the rewritten phrase.\n\nQuery: %s",
		text,
	)
	rewritten, err := s.rewriter.Generate(ctx, prompt, 64)
	if err != nil {
		return "", types.NewError(types.ErrProviderFailure, "optimize_query failed").WithCause(err).WithRetryable(true)
	}
	return strings.TrimSpace(rewritten), nil
}

func (s *Service) scheduleTouch(ctx context.Context, ids []string) {
	if s.tasks == nil || len(ids) == 0 {
		return
	}
	err := s.tasks.Enqueue(ctx, "TouchRecords", map[string]any{"ids": ids}, "")
	if err != nil {
		s.logger.Warn("search: failed to schedule touch", zap.Error(err), zap.Int("id_count", len(ids)))
	}
}

// MemoryPromptRequest is the input to MemoryPrompt.
type MemoryPromptRequest struct {
	Query     string
	Namespace string
	UserID    string
	SessionID string
	Filter    types.SearchFilter
	Limit     int
}

// MemoryPrompt implements memory_prompt(query, session?, filters…) per
// spec.md §4.6: when a session is given, its working-memory context and
// message log are emitted verbatim (no truncation); long-term hits are
// prepended as a single "Relevant memories:" system message; the query
// closes the list as a final user message.
func (s *Service) MemoryPrompt(ctx context.Context, req MemoryPromptRequest) ([]types.MemoryMessage, error) {
	var out []types.MemoryMessage

	if req.SessionID != "" {
		wm, err := s.working.Get(ctx, req.Namespace, req.UserID, req.SessionID, 0)
		if err != nil {
			return nil, err
		}
		if wm != nil {
			if wm.Context != "" {
				out = append(out, types.MemoryMessage{Role: types.RoleSystem, Content: wm.Context, CreatedAt: time.Now().UTC()})
			}
			out = append(out, wm.Messages...)
		}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	searchResp, err := s.Search(ctx, types.MemoryQuery{
		Text:   req.Query,
		Filter: req.Filter,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	if len(searchResp.Memories) > 0 {
		var b strings.Builder
		b.WriteString("Relevant memories:\n")
		for _, m := range searchResp.Memories {
			b.WriteString("- ")
			b.WriteString(m.Record.Text)
			b.WriteString("\n")
		}
		out = append(out, types.MemoryMessage{Role: types.RoleSystem, Content: strings.TrimRight(b.String(), "\n"), CreatedAt: time.Now().UTC()})
	}

	out = append(out, types.MemoryMessage{Role: types.RoleUser, Content: req.Query, CreatedAt: time.Now().UTC()})
	return out, nil
}
