package knowledge_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
)

func TestChunkingOptions(t *testing.T) {
	t.Run("Should apply per-method defaults", func(t *testing.T) {
		assert.Equal(t, "\n", knowledge.ChunkingOptions{Method: knowledge.MethodLineBreak}.WithDefaults().Separator)
		assert.Equal(t, 3, knowledge.ChunkingOptions{Method: knowledge.MethodHeader}.WithDefaults().HeaderDepth)
		assert.Equal(t, 1000, knowledge.ChunkingOptions{Method: knowledge.MethodFixedSize}.WithDefaults().ChunkSize)
		assert.Equal(t, knowledge.MethodParagraph, knowledge.ChunkingOptions{}.WithDefaults().Method)
	})
	t.Run("Should leave parameters of other variants untouched", func(t *testing.T) {
		opts := knowledge.ChunkingOptions{Method: knowledge.MethodParagraph}.WithDefaults()
		assert.Empty(t, opts.Separator)
		assert.Zero(t, opts.HeaderDepth)
		assert.Zero(t, opts.ChunkSize)
	})
	t.Run("Should reject invalid variant parameters", func(t *testing.T) {
		assert.Error(t, knowledge.ChunkingOptions{Method: "semantic"}.Validate())
		assert.Error(t, knowledge.ChunkingOptions{Method: knowledge.MethodHeader, HeaderDepth: 7}.Validate())
		assert.Error(t, knowledge.ChunkingOptions{Method: knowledge.MethodFixedSize}.Validate())
		assert.Error(t, knowledge.ChunkingOptions{Method: knowledge.MethodAI}.Validate())
		assert.NoError(t, knowledge.ChunkingOptions{Method: knowledge.MethodAI, Endpoint: "http://chunker"}.Validate())
	})
	t.Run("Should expose only the selected variant params", func(t *testing.T) {
		params := knowledge.ChunkingOptions{Method: knowledge.MethodHeader, HeaderDepth: 2, ChunkSize: 50}.Params()
		assert.Equal(t, map[string]any{knowledge.MetaHeaderDepth: 2}, params)
	})
}

func TestParseChunkingMethod(t *testing.T) {
	t.Run("Should normalize case and whitespace", func(t *testing.T) {
		method, err := knowledge.ParseChunkingMethod("  Fixed_Size ")
		require.NoError(t, err)
		assert.Equal(t, knowledge.MethodFixedSize, method)
	})
	t.Run("Should reject unknown methods", func(t *testing.T) {
		_, err := knowledge.ParseChunkingMethod("sentence")
		assert.Error(t, err)
	})
}

func TestChunk_Staleness(t *testing.T) {
	t.Run("Should not be stale without an embedding", func(t *testing.T) {
		c := &knowledge.Chunk{Content: "hello"}
		assert.False(t, c.EmbeddingStale())
		assert.True(t, c.NeedsEmbedding())
	})
	t.Run("Should be fresh when the hash matches the content", func(t *testing.T) {
		c := &knowledge.Chunk{Content: "hello", Embedding: []float32{1}, EmbeddedContentHash: core.HashText("hello")}
		assert.False(t, c.EmbeddingStale())
		assert.False(t, c.NeedsEmbedding())
	})
	t.Run("Should be stale after the content changes", func(t *testing.T) {
		c := &knowledge.Chunk{Content: "hello", Embedding: []float32{1}, EmbeddedContentHash: core.HashText("hello")}
		c.Content = "hello world"
		assert.True(t, c.EmbeddingStale())
	})
	t.Run("Should deep copy on clone", func(t *testing.T) {
		c := &knowledge.Chunk{Embedding: []float32{1, 2}, Metadata: map[string]any{"k": "v"}}
		cp := c.Clone()
		cp.Embedding[0] = 9
		cp.Metadata["k"] = "x"
		assert.Equal(t, float32(1), c.Embedding[0])
		assert.Equal(t, "v", c.Metadata["k"])
	})
}

func TestErrors(t *testing.T) {
	t.Run("Should reference the chunk index in embedding errors", func(t *testing.T) {
		base := knowledge.NewEmbeddingError(knowledge.EmbeddingTransient, errors.New("boom"))
		err := base.ForChunk(3)
		assert.Contains(t, err.Error(), "chunk 3")
		assert.Zero(t, base.ChunkIndex)
		assert.True(t, knowledge.IsRetryable(fmt.Errorf("wrapped: %w", err)))
	})
	t.Run("Should not retry auth or malformed failures", func(t *testing.T) {
		assert.False(t, knowledge.IsRetryable(knowledge.NewEmbeddingError(knowledge.EmbeddingAuth, nil)))
		assert.False(t, knowledge.IsRetryable(knowledge.NewEmbeddingError(knowledge.EmbeddingMalformed, nil)))
		assert.True(t, knowledge.IsRetryable(knowledge.NewEmbeddingError(knowledge.EmbeddingRateLimit, nil)))
		assert.False(t, knowledge.IsRetryable(errors.New("plain")))
	})
	t.Run("Should unwrap persistence errors to sentinels", func(t *testing.T) {
		err := &knowledge.PersistenceError{Op: "delete", ChunkID: "c1", Err: knowledge.ErrChunkNotFound}
		assert.True(t, knowledge.IsNotFound(err))
		assert.Contains(t, err.Error(), "chunk c1")
	})
	t.Run("Should flag partial state", func(t *testing.T) {
		err := &knowledge.PersistenceError{Op: "replace_all", DocumentID: "d1", Partial: true, Err: errors.New("x")}
		assert.Contains(t, err.Error(), "partial state")
	})
	t.Run("Should classify invalid retrieval input", func(t *testing.T) {
		err := &knowledge.RetrievalError{Op: "search", Err: fmt.Errorf("%w: top_k", knowledge.ErrInvalidQuery)}
		assert.True(t, err.InvalidInput())
		other := &knowledge.RetrievalError{Op: "search", Err: errors.New("db down")}
		assert.False(t, other.InvalidInput())
	})
	t.Run("Should wrap no-chunk split errors", func(t *testing.T) {
		err := &knowledge.SplitError{DocumentID: "d1", Method: knowledge.MethodParagraph, Err: knowledge.ErrNoChunks}
		assert.ErrorIs(t, err, knowledge.ErrNoChunks)
		assert.Contains(t, err.Error(), "no chunks generated")
	})
}
