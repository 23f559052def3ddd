package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/memory/longterm"
	"github.com/agentmem/memoryd/memory/working"
	"github.com/agentmem/memoryd/store"
	"github.com/agentmem/memoryd/types"
)

type fakeEmbedder struct {
	vector []float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

type fakeRewriter struct {
	rewritten string
	calls     int
}

func (f *fakeRewriter) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.calls++
	return f.rewritten, nil
}

type fakeToucher struct {
	enqueued []map[string]any
}

func (f *fakeToucher) Enqueue(ctx context.Context, taskName string, args map[string]any, fingerprint string) error {
	f.enqueued = append(f.enqueued, args)
	return nil
}

func newTestService(t *testing.T, embedder Embedder, rewriter Rewriter, tasks Toucher, cfg Config) (*miniredis.Miniredis, *Service, *longterm.Store) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	lt := longterm.New(store.NewInMemoryAdapter(zap.NewNop()), zap.NewNop())

	fakeTasks := &fakeEnqueuer{}
	ws, err := working.New(working.Config{
		Addr:              mr.Addr(),
		DefaultTTLSeconds: 3600,
	}, fakeTasks, zap.NewNop())
	require.NoError(t, err)

	return mr, New(lt, ws, embedder, rewriter, tasks, cfg, zap.NewNop()), lt
}

type fakeEnqueuer struct{}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskName string, args map[string]any, fingerprint string) error {
	return nil
}

func seedRecord(t *testing.T, lt *longterm.Store, text string, vector []float32, accessCount int, lastAccessed time.Time) *types.MemoryRecord {
	t.Helper()
	res, err := lt.Create(context.Background(), &types.MemoryRecord{
		Text:       text,
		MemoryType: types.MemoryTypeSemantic,
		Namespace:  "ns",
		UserID:     "user-1",
		Vector:     vector,
	})
	require.NoError(t, err)
	require.NoError(t, lt.Update(context.Background(), res.Record.ID, map[string]any{
		"access_count":     accessCount,
		"last_accessed_at": lastAccessed,
	}))
	return res.Record
}

func TestSearch_FilterOnlyScan(t *testing.T) {
	_, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	seedRecord(t, lt, "likes tea", nil, 1, time.Now().UTC())
	seedRecord(t, lt, "likes coffee", nil, 1, time.Now().UTC())

	resp, err := svc.Search(context.Background(), types.MemoryQuery{
		Filter: types.SearchFilter{UserID: &types.FilterOp{Eq: "user-1"}},
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
}

func TestSearch_ExcludesSuperseded(t *testing.T) {
	_, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	a := seedRecord(t, lt, "old fact", nil, 1, time.Now().UTC())
	seedRecord(t, lt, "new fact", nil, 1, time.Now().UTC())
	require.NoError(t, lt.Supersede(context.Background(), a.ID, "replacement-id"))

	resp, err := svc.Search(context.Background(), types.MemoryQuery{
		Filter: types.SearchFilter{UserID: &types.FilterOp{Eq: "user-1"}},
		Limit:  10,
	})
	require.NoError(t, err)
	for _, m := range resp.Memories {
		assert.NotEqual(t, a.ID, m.Record.ID)
	}
}

func TestSearch_VectorPath_EmbedsText(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0, 0}}
	_, svc, lt := newTestService(t, embedder, &fakeRewriter{}, &fakeToucher{}, Config{})
	seedRecord(t, lt, "relevant", []float32{1, 0, 0}, 1, time.Now().UTC())

	resp, err := svc.Search(context.Background(), types.MemoryQuery{
		Text:  "something",
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.InDelta(t, 1.0, resp.Memories[0].Similarity, 1e-9)
}

func TestSearch_OptimizeQuery_UsesRewrittenText(t *testing.T) {
	rewriter := &fakeRewriter{rewritten: "rewritten query"}
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	_, svc, _ := newTestService(t, embedder, rewriter, &fakeToucher{}, Config{})

	_, err := svc.Search(context.Background(), types.MemoryQuery{
		Text:          "original",
		OptimizeQuery: true,
		Limit:         5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rewriter.calls)
}

func TestSearch_TopNCapped(t *testing.T) {
	_, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	for i := 0; i <= maxVectorTopN; i++ {
		seedRecord(t, lt, fmt.Sprintf("fact %d", i), nil, 0, time.Now().UTC())
	}
	resp, err := svc.Search(context.Background(), types.MemoryQuery{
		Limit:  500,
		Offset: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, maxVectorTopN, resp.Total)
	assert.Len(t, resp.Memories, maxVectorTopN)
}

func TestSearch_SchedulesTouch(t *testing.T) {
	toucher := &fakeToucher{}
	_, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, toucher, Config{})
	seedRecord(t, lt, "a fact", nil, 1, time.Now().UTC())

	_, err := svc.Search(context.Background(), types.MemoryQuery{
		Filter: types.SearchFilter{UserID: &types.FilterOp{Eq: "user-1"}},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, toucher.enqueued, 1)
	ids, _ := toucher.enqueued[0]["ids"].([]string)
	assert.Len(t, ids, 1)
}

func TestRerankScore_WeightsRecencyAndAccess(t *testing.T) {
	_, svc, _ := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{
		Rerank: RerankWeights{Alpha: 1, Beta: 1, Gamma: 1},
	})

	recent := types.SearchResult{
		Similarity: 0.5,
		Record:     types.MemoryRecord{LastAccessedAt: time.Now().UTC(), AccessCount: 10},
	}
	stale := types.SearchResult{
		Similarity: 0.5,
		Record:     types.MemoryRecord{LastAccessedAt: time.Now().UTC().AddDate(0, 0, -30), AccessCount: 0},
	}

	assert.Greater(t, svc.rerankScore(recent), svc.rerankScore(stale))
}

func TestRerankScore_DefaultsToPureSimilarity(t *testing.T) {
	_, svc, _ := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	r := types.SearchResult{Similarity: 0.73, Record: types.MemoryRecord{AccessCount: 99}}
	assert.InDelta(t, 0.73, svc.rerankScore(r), 1e-9)
}

func TestMemoryPrompt_IncludesSessionContextAndQuery(t *testing.T) {
	mr, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	_ = mr
	seedRecord(t, lt, "likes dogs", nil, 1, time.Now().UTC())

	ctx := context.Background()
	require.NoError(t, svc.working.Set(ctx, &types.WorkingMemory{
		SessionID:      "s1",
		UserID:         "user-1",
		Namespace:      "ns",
		Context:        "system preamble",
		Messages:       []types.MemoryMessage{{ID: "1", Role: types.RoleUser, Content: "hi"}},
		TTLSeconds:     3600,
		LastAccessedAt: time.Now().UTC(),
	}))

	msgs, err := svc.MemoryPrompt(ctx, MemoryPromptRequest{
		Query:     "what does the user like?",
		Namespace: "ns",
		UserID:    "user-1",
		SessionID: "s1",
		Filter:    types.SearchFilter{UserID: &types.FilterOp{Eq: "user-1"}},
	})
	require.NoError(t, err)
	require.True(t, len(msgs) >= 3)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, "system preamble", msgs[0].Content)
	assert.Equal(t, types.RoleUser, msgs[len(msgs)-1].Role)
	assert.Equal(t, "what does the user like?", msgs[len(msgs)-1].Content)
}

func TestMemoryPrompt_NoSessionSkipsWorkingMemory(t *testing.T) {
	_, svc, lt := newTestService(t, &fakeEmbedder{}, &fakeRewriter{}, &fakeToucher{}, Config{})
	seedRecord(t, lt, "fact", nil, 1, time.Now().UTC())

	msgs, err := svc.MemoryPrompt(context.Background(), MemoryPromptRequest{
		Query:  "query",
		Filter: types.SearchFilter{UserID: &types.FilterOp{Eq: "user-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, msgs[len(msgs)-1].Role)
}
