package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poiesic/shopcache/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEmbeddingServer answers OpenAI-style /embeddings requests with one
// two-dimensional vector per input, the first component being the input index.
func newEmbeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(i), 1},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestEmbedder(t *testing.T) {
	server := newEmbeddingServer(t)
	defer server.Close()

	cfg := ai.NewConfig(ai.WithEmbeddingHost(server.URL), ai.WithEmbeddingModel("all-minilm"))
	provider, err := NewProvider(cfg)
	require.NoError(t, err)
	defer provider.Close()

	ctx := context.Background()

	t.Run("single text", func(t *testing.T) {
		v, err := provider.Embedder().EmbedText(ctx, "women kurti")
		require.NoError(t, err)
		assert.Equal(t, []float32{0, 1}, v)
	})

	t.Run("batch", func(t *testing.T) {
		vs, err := provider.Embedder().EmbedTexts(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, vs, 3)
		assert.Equal(t, []float32{2, 1}, vs[2])
	})

	t.Run("empty batch", func(t *testing.T) {
		vs, err := provider.Embedder().EmbedTexts(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, vs)
	})
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	_, err := NewProvider(ai.NewConfig(ai.WithEmbeddingModel("")))
	assert.Error(t, err)
}
