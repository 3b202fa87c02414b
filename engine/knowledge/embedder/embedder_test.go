package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmkit/knowledge/engine/knowledge"
)

func embeddingServer(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, dimension int) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(&Config{
		BaseURL:   baseURL,
		APIKey:    "secret",
		Model:     "text-embedding-3-small",
		Dimension: dimension,
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestHTTPClient_Embed(t *testing.T) {
	t.Run("Should decode the first embedding and send model and input", func(t *testing.T) {
		var captured map[string]any
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/embeddings", r.URL.Path)
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
		}))
		defer srv.Close()
		client := newTestClient(t, srv.URL, 3)
		vector, err := client.Embed(context.Background(), "Refund within 30 days")
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vector, 1e-6)
		assert.Equal(t, "Bearer secret", auth)
		assert.Equal(t, "text-embedding-3-small", captured["model"])
		assert.Equal(t, "Refund within 30 days", captured["input"])
	})

	t.Run("Should fail fast on empty input without calling the provider", func(t *testing.T) {
		var calls int32
		srv := embeddingServer(t, http.StatusOK, `{"data":[{"embedding":[1]}]}`, &calls)
		client := newTestClient(t, srv.URL, 0)
		_, err := client.Embed(context.Background(), "   \n")
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, knowledge.EmbeddingInvalidInput, embErr.Kind)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("Should issue exactly one call per invocation even on transient failure", func(t *testing.T) {
		var calls int32
		srv := embeddingServer(t, http.StatusServiceUnavailable, `{}`, &calls)
		client := newTestClient(t, srv.URL, 0)
		_, err := client.Embed(context.Background(), "hello")
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.True(t, Retryable(err))
	})

	t.Run("Should classify provider status codes", func(t *testing.T) {
		cases := []struct {
			status    int
			kind      knowledge.EmbeddingErrorKind
			retryable bool
		}{
			{http.StatusUnauthorized, knowledge.EmbeddingAuth, false},
			{http.StatusForbidden, knowledge.EmbeddingAuth, false},
			{http.StatusTooManyRequests, knowledge.EmbeddingRateLimit, true},
			{http.StatusInternalServerError, knowledge.EmbeddingTransient, true},
			{http.StatusBadGateway, knowledge.EmbeddingTransient, true},
			{http.StatusBadRequest, knowledge.EmbeddingInvalidInput, false},
			{http.StatusUnprocessableEntity, knowledge.EmbeddingInvalidInput, false},
		}
		for _, tc := range cases {
			srv := embeddingServer(t, tc.status, `{"error":{"message":"provider says no"}}`, nil)
			client := newTestClient(t, srv.URL, 0)
			_, err := client.Embed(context.Background(), "hello")
			var embErr *knowledge.EmbeddingError
			require.ErrorAs(t, err, &embErr, "status %d", tc.status)
			assert.Equal(t, tc.kind, embErr.Kind, "status %d", tc.status)
			assert.Equal(t, tc.status, embErr.StatusCode)
			assert.Contains(t, embErr.Error(), "provider says no")
			assert.Equal(t, tc.retryable, Retryable(err), "status %d", tc.status)
		}
	})

	t.Run("Should report malformed payloads", func(t *testing.T) {
		bodies := []string{
			`not json`,
			`{"data":[]}`,
			`{"data":[{"embedding":"nope"}]}`,
			`{"data":[{"embedding":[0.1,"x"]}]}`,
			`{"data":[{"embedding":[]}]}`,
		}
		for _, body := range bodies {
			srv := embeddingServer(t, http.StatusOK, body, nil)
			client := newTestClient(t, srv.URL, 0)
			_, err := client.Embed(context.Background(), "hello")
			var embErr *knowledge.EmbeddingError
			require.ErrorAs(t, err, &embErr, body)
			assert.Equal(t, knowledge.EmbeddingMalformed, embErr.Kind, body)
			assert.False(t, Retryable(err))
		}
	})

	t.Run("Should reject vectors with the wrong dimension", func(t *testing.T) {
		srv := embeddingServer(t, http.StatusOK, `{"data":[{"embedding":[0.1,0.2]}]}`, nil)
		client := newTestClient(t, srv.URL, 3)
		_, err := client.Embed(context.Background(), "hello")
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, knowledge.EmbeddingMalformed, embErr.Kind)
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
	})

	t.Run("Should treat a per-call timeout as transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		client, err := NewHTTPClient(&Config{BaseURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		_, err = client.Embed(context.Background(), "hello")
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, knowledge.EmbeddingTransient, embErr.Kind)
	})

	t.Run("Should report caller cancellation as canceled", func(t *testing.T) {
		srv := embeddingServer(t, http.StatusOK, `{"data":[{"embedding":[1]}]}`, nil)
		client := newTestClient(t, srv.URL, 0)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.Embed(ctx, "hello")
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, knowledge.EmbeddingCanceled, embErr.Kind)
		assert.False(t, Retryable(err))
	})

	t.Run("Should record token usage when a counter is configured", func(t *testing.T) {
		srv := embeddingServer(t, http.StatusOK, `{"data":[{"embedding":[1]}]}`, nil)
		counter := &stubCounter{}
		client, err := NewHTTPClient(&Config{BaseURL: srv.URL, Model: "m"}, WithTokenCounter(counter))
		require.NoError(t, err)
		_, err = client.Embed(context.Background(), "hello world")
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&counter.calls))
	})

	t.Run("Should send requests through a supplied resty client", func(t *testing.T) {
		var tenant atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant.Store(r.Header.Get("X-Owner-ID"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.5]}]}`))
		}))
		defer srv.Close()
		custom := resty.New().SetHeader("X-Owner-ID", "owner-1")
		client, err := NewHTTPClient(&Config{BaseURL: srv.URL, Model: "m"}, WithRestyClient(custom))
		require.NoError(t, err)
		vec, err := client.Embed(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5}, vec)
		assert.Equal(t, "owner-1", tenant.Load())
	})
}

type stubCounter struct {
	calls int32
}

func (s *stubCounter) CountTokens(_ context.Context, text string) (int, error) {
	atomic.AddInt32(&s.calls, 1)
	return len(text), nil
}

type countingEmbedder struct {
	calls  int32
	vector []float32
	err    error
}

func (c *countingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return append([]float32(nil), c.vector...), nil
}

func TestCached_Embed(t *testing.T) {
	t.Run("Should serve repeated texts from the cache", func(t *testing.T) {
		inner := &countingEmbedder{vector: []float32{1, 2}}
		cached, err := NewCached(inner, 8)
		require.NoError(t, err)
		first, err := cached.Embed(context.Background(), "same")
		require.NoError(t, err)
		second, err := cached.Embed(context.Background(), "same")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
		assert.Equal(t, 1, cached.Len())
	})

	t.Run("Should return clones so callers cannot mutate cached vectors", func(t *testing.T) {
		inner := &countingEmbedder{vector: []float32{1, 2}}
		cached, err := NewCached(inner, 8)
		require.NoError(t, err)
		first, err := cached.Embed(context.Background(), "text")
		require.NoError(t, err)
		first[0] = 99
		second, err := cached.Embed(context.Background(), "text")
		require.NoError(t, err)
		assert.Equal(t, float32(1), second[0])
	})

	t.Run("Should not cache failures", func(t *testing.T) {
		inner := &countingEmbedder{err: knowledge.NewEmbeddingError(knowledge.EmbeddingTransient, errors.New("boom"))}
		cached, err := NewCached(inner, 8)
		require.NoError(t, err)
		_, err = cached.Embed(context.Background(), "text")
		require.Error(t, err)
		_, err = cached.Embed(context.Background(), "text")
		require.Error(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))
		assert.Zero(t, cached.Len())
	})

	t.Run("Should reject invalid construction", func(t *testing.T) {
		_, err := NewCached(nil, 8)
		require.Error(t, err)
		_, err = NewCached(&countingEmbedder{}, 0)
		require.Error(t, err)
	})
}

type fakeLangchain struct {
	vector []float32
	err    error
}

func (f *fakeLangchain) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, f.err
}

func (f *fakeLangchain) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return f.vector, f.err
}

func TestLangchainAdapter_Embed(t *testing.T) {
	t.Run("Should return vectors from the wrapped embedder", func(t *testing.T) {
		adapter, err := NewLangchainAdapter(&fakeLangchain{vector: []float32{0.5, 0.5}}, &Config{Model: "m", Dimension: 2})
		require.NoError(t, err)
		vector, err := adapter.Embed(context.Background(), "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{0.5, 0.5}, vector)
	})

	t.Run("Should categorize provider errors from their message", func(t *testing.T) {
		cases := map[string]knowledge.EmbeddingErrorKind{
			"API returned unexpected status code: 429: rate limit reached": knowledge.EmbeddingRateLimit,
			"401 Unauthorized: invalid api key":                            knowledge.EmbeddingAuth,
			"400 bad request":                                              knowledge.EmbeddingInvalidInput,
			"connection reset by peer":                                     knowledge.EmbeddingTransient,
		}
		for msg, kind := range cases {
			adapter, err := NewLangchainAdapter(&fakeLangchain{err: errors.New(msg)}, &Config{Model: "m"})
			require.NoError(t, err)
			_, err = adapter.Embed(context.Background(), "hello")
			var embErr *knowledge.EmbeddingError
			require.ErrorAs(t, err, &embErr, msg)
			assert.Equal(t, kind, embErr.Kind, msg)
		}
	})

	t.Run("Should flag dimension mismatches as malformed", func(t *testing.T) {
		adapter, err := NewLangchainAdapter(&fakeLangchain{vector: []float32{1}}, &Config{Model: "m", Dimension: 4})
		require.NoError(t, err)
		_, err = adapter.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, knowledge.ErrDimensionMismatch)
	})
}

func TestNew(t *testing.T) {
	t.Run("Should wrap the provider in a cache when configured", func(t *testing.T) {
		emb, err := New(&Config{BaseURL: "http://localhost:1", Model: "m", CacheSize: 4})
		require.NoError(t, err)
		_, ok := emb.(*Cached)
		assert.True(t, ok)
	})

	t.Run("Should reject unknown providers and missing models", func(t *testing.T) {
		_, err := New(&Config{Provider: "mystery", Model: "m"})
		require.Error(t, err)
		_, err = New(&Config{BaseURL: "http://localhost:1"})
		require.Error(t, err)
	})
}

func TestNormalizeModelName(t *testing.T) {
	t.Run("Should bound model label cardinality", func(t *testing.T) {
		assert.Equal(t, "text-embedding-3", normalizeModelName("text-embedding-3-large"))
		assert.Equal(t, "text-embedding-ada", normalizeModelName("text-embedding-ada-002"))
		assert.Equal(t, "other", normalizeModelName("custom"))
		assert.Equal(t, "other", normalizeModelName(""))
	})
}
