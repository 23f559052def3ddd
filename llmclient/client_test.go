package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmem/memoryd/llm/embedding"
)

type fakeEmbedder struct {
	dims     int
	maxBatch int
	calls    [][]string
}

func (f *fakeEmbedder) Name() string      { return "fake" }
func (f *fakeEmbedder) Dimensions() int   { return f.dims }
func (f *fakeEmbedder) MaxBatchSize() int { return f.maxBatch }

func (f *fakeEmbedder) Embed(ctx context.Context, req *embedding.EmbeddingRequest) (*embedding.EmbeddingResponse, error) {
	data := make([]embedding.EmbeddingData, len(req.Input))
	for i := range req.Input {
		data[i] = embedding.EmbeddingData{Index: i, Embedding: make([]float64, f.dims)}
	}
	return &embedding.EmbeddingResponse{Provider: "fake", Embeddings: data}, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return make([]float64, f.dims), nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	f.calls = append(f.calls, documents)
	out := make([][]float64, len(documents))
	for i := range documents {
		out[i] = make([]float64, f.dims)
	}
	return out, nil
}

func TestClient_Embed_ChunksByMaxBatchSize(t *testing.T) {
	fe := &fakeEmbedder{dims: 3, maxBatch: 2}
	c := New(Config{APIKey: "test"}, fe, zap.NewNop())

	vecs, err := c.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Len(t, vecs[0], 3)
	assert.Len(t, fe.calls, 3)
}

func TestClient_Embed_EmptyInput(t *testing.T) {
	fe := &fakeEmbedder{dims: 3, maxBatch: 10}
	c := New(Config{APIKey: "test"}, fe, zap.NewNop())

	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func newChatCompletionServer(t *testing.T, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": content,
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
}

func TestClient_Generate(t *testing.T) {
	srv := newChatCompletionServer(t, "hello world")
	defer srv.Close()

	fe := &fakeEmbedder{dims: 3, maxBatch: 10}
	c := New(Config{APIKey: "test", BaseURL: srv.URL}, fe, zap.NewNop())

	out, err := c.Generate(context.Background(), "say hi", 16)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestClient_Classify_FiltersToTaxonomy(t *testing.T) {
	srv := newChatCompletionServer(t, `["pets", "unrelated_label"]`)
	defer srv.Close()

	fe := &fakeEmbedder{dims: 3, maxBatch: 10}
	c := New(Config{APIKey: "test", BaseURL: srv.URL}, fe, zap.NewNop())

	labels, err := c.Classify(context.Background(), "I love my cat", []string{"pets", "food", "travel"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pets"}, labels)
}

func TestClient_Classify_EmptyTaxonomy(t *testing.T) {
	fe := &fakeEmbedder{dims: 3, maxBatch: 10}
	c := New(Config{APIKey: "test"}, fe, zap.NewNop())

	labels, err := c.Classify(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Nil(t, labels)
}
