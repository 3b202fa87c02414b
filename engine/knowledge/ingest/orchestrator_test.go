package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/embedder"
	"github.com/crmkit/knowledge/engine/knowledge/store"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	fail  map[string][]error
	calls map[string]int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{fail: map[string][]error{}, calls: map[string]int{}}
}

// failFor queues errors returned for text before it starts succeeding.
func (f *fakeEmbedder) failFor(text string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[text] = append(f.fail[text], errs...)
}

func (f *fakeEmbedder) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[text]++
	if queued := f.fail[text]; len(queued) > 0 {
		f.fail[text] = queued[1:]
		return nil, queued[0]
	}
	return []float32{float32(len(text)), 1}, nil
}

type fixture struct {
	docs   *store.MemoryDocuments
	chunks *store.MemoryChunks
	doc    *knowledge.Document
	orch   *Orchestrator
}

func testConfig() Config {
	return Config{
		Concurrency:    2,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		EmbedTimeout:   time.Second,
		OverallTimeout: 10 * time.Second,
	}
}

func newFixture(t *testing.T, content string, emb embedder.Embedder, cfg Config) *fixture {
	t.Helper()
	docs := store.NewMemoryDocuments()
	chunks := store.NewMemoryChunks(docs, 0)
	doc, err := docs.Create(context.Background(), &knowledge.Document{
		OwnerID: "owner-1",
		Title:   "Return policy",
		Content: content,
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(Dependencies{Embedder: emb, Chunks: chunks, Documents: docs}, cfg)
	require.NoError(t, err)
	return &fixture{docs: docs, chunks: chunks, doc: doc, orch: orch}
}

func (f *fixture) list(t *testing.T) []knowledge.Chunk {
	t.Helper()
	out, err := f.chunks.List(context.Background(), f.doc.ID, store.ListFilter{})
	require.NoError(t, err)
	return out
}

const fiveParagraphs = "chunk one\n\nchunk two\n\nchunk three\n\nchunk four\n\nchunk five"

func TestOrchestrator_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("Should split, embed and persist chunks in document order", func(t *testing.T) {
		f := newFixture(t, "A\n\nB\n\nC", newFakeEmbedder(), testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{Chunking: knowledge.ChunkingOptions{Method: knowledge.MethodParagraph}})
		require.NoError(t, err)
		assert.Equal(t, StateDone, report.State)
		assert.Equal(t, 3, report.Total)
		assert.Equal(t, 3, report.Inserted)
		assert.Empty(t, report.FailedEmbeddings)
		assert.Equal(t, "inserted 3 of 3 chunks", report.Summary())
		chunks := f.list(t)
		require.Len(t, chunks, 3)
		for i, c := range chunks {
			assert.Equal(t, i+1, c.Sequence)
			assert.Equal(t, []string{"A", "B", "C"}[i], c.Content)
			assert.NotNil(t, c.Embedding)
			assert.False(t, c.EmbeddingStale())
			assert.Equal(t, "paragraph", c.Metadata[knowledge.MetaChunkingMethod])
			assert.Equal(t, i+1, c.Metadata[knowledge.MetaIndex])
			assert.Equal(t, 3, c.Metadata[knowledge.MetaTotalChunks])
		}
		doc, err := f.docs.Get(ctx, f.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, knowledge.MethodParagraph, doc.ChunkingMethod)
	})

	t.Run("Should record method parameters in chunk metadata", func(t *testing.T) {
		f := newFixture(t, "one|two|three", newFakeEmbedder(), testConfig())
		_, err := f.orch.Ingest(ctx, f.doc.ID, Options{Chunking: knowledge.ChunkingOptions{
			Method:    knowledge.MethodLineBreak,
			Separator: "|",
		}})
		require.NoError(t, err)
		chunks := f.list(t)
		require.Len(t, chunks, 3)
		assert.Equal(t, "|", chunks[0].Metadata[knowledge.MetaSeparator])
	})

	t.Run("Should abort without persisting when one chunk fails under the abort policy", func(t *testing.T) {
		var mu sync.Mutex
		calls := map[string]int{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			input := gjson.GetBytes(body, "input").String()
			mu.Lock()
			calls[input]++
			mu.Unlock()
			if input == "chunk three" {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2]}]}`))
		}))
		defer srv.Close()
		client, err := embedder.NewHTTPClient(&embedder.Config{BaseURL: srv.URL, Model: "m", Dimension: 2})
		require.NoError(t, err)
		cfg := testConfig()
		cfg.Concurrency = 1
		f := newFixture(t, fiveParagraphs, client, cfg)

		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		require.Error(t, err)
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Equal(t, 3, embErr.ChunkIndex)
		assert.Equal(t, knowledge.EmbeddingTransient, embErr.Kind)
		assert.Contains(t, err.Error(), "chunk 3")
		require.NotNil(t, report)
		assert.Equal(t, StateFailed, report.State)
		assert.Equal(t, StateEmbedding, report.FailedIn)
		assert.Zero(t, report.Inserted)
		assert.Empty(t, f.list(t))
		mu.Lock()
		assert.Equal(t, 3, calls["chunk three"])
		mu.Unlock()
	})

	t.Run("Should keep existing chunks when a replacement run aborts", func(t *testing.T) {
		emb := newFakeEmbedder()
		f := newFixture(t, fiveParagraphs, emb, testConfig())
		_, err := f.chunks.BulkInsert(ctx, f.doc.ID, []knowledge.ChunkDraft{{Content: "previous"}})
		require.NoError(t, err)
		emb.failFor("chunk two", knowledge.NewEmbeddingError(knowledge.EmbeddingAuth, errors.New("bad key")))
		_, err = f.orch.Ingest(ctx, f.doc.ID, Options{Policy: PolicyAbort})
		require.Error(t, err)
		chunks := f.list(t)
		require.Len(t, chunks, 1)
		assert.Equal(t, "previous", chunks[0].Content)
	})

	t.Run("Should persist failed chunks without a vector under the null embedding policy", func(t *testing.T) {
		emb := newFakeEmbedder()
		emb.failFor("chunk three", knowledge.NewEmbeddingError(knowledge.EmbeddingInvalidInput, errors.New("too long")))
		f := newFixture(t, fiveParagraphs, emb, testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{Policy: PolicyNullEmbedding})
		require.NoError(t, err)
		assert.Equal(t, 5, report.Inserted)
		assert.Equal(t, []int{3}, report.FailedEmbeddings)
		assert.Equal(t, "inserted 5 of 5 chunks, 1 failed embedding", report.Summary())
		chunks := f.list(t)
		require.Len(t, chunks, 5)
		assert.Nil(t, chunks[2].Embedding)
		assert.True(t, chunks[2].NeedsEmbedding())
		assert.Equal(t, true, chunks[2].Metadata[knowledge.MetaNeedsEmbedding])
		assert.NotContains(t, chunks[1].Metadata, knowledge.MetaNeedsEmbedding)
	})

	t.Run("Should retry retryable failures and succeed", func(t *testing.T) {
		emb := newFakeEmbedder()
		emb.failFor("B",
			knowledge.NewEmbeddingError(knowledge.EmbeddingRateLimit, errors.New("slow down")),
			knowledge.NewEmbeddingError(knowledge.EmbeddingTransient, errors.New("503")),
		)
		f := newFixture(t, "A\n\nB", emb, testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Inserted)
		assert.Equal(t, 3, emb.callsFor("B"))
	})

	t.Run("Should not retry non-retryable failures", func(t *testing.T) {
		emb := newFakeEmbedder()
		emb.failFor("B", knowledge.NewEmbeddingError(knowledge.EmbeddingAuth, errors.New("401")))
		f := newFixture(t, "A\n\nB", emb, testConfig())
		_, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, 1, emb.callsFor("B"))
	})

	t.Run("Should fail with a split error when no chunks are generated", func(t *testing.T) {
		f := newFixture(t, "   \n\n  ", newFakeEmbedder(), testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		var splitErr *knowledge.SplitError
		require.ErrorAs(t, err, &splitErr)
		assert.ErrorIs(t, err, knowledge.ErrNoChunks)
		assert.Contains(t, err.Error(), "no chunks generated")
		assert.Equal(t, StateFailed, report.State)
		assert.Equal(t, StateSplitting, report.FailedIn)
	})

	t.Run("Should append after existing chunks in append mode", func(t *testing.T) {
		f := newFixture(t, "X\n\nY", newFakeEmbedder(), testConfig())
		_, err := f.chunks.BulkInsert(ctx, f.doc.ID, []knowledge.ChunkDraft{{Content: "existing"}})
		require.NoError(t, err)
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{Mode: ModeAppend})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Inserted)
		chunks := f.list(t)
		require.Len(t, chunks, 3)
		assert.Equal(t, "Y", chunks[2].Content)
		assert.Equal(t, 3, chunks[2].Sequence)
	})

	t.Run("Should fall back to paragraph chunking when the AI endpoint fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		f := newFixture(t, "A\n\nB", newFakeEmbedder(), testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{Chunking: knowledge.ChunkingOptions{
			Method:   knowledge.MethodAI,
			Endpoint: srv.URL,
		}})
		require.NoError(t, err)
		assert.Equal(t, knowledge.MethodAI, report.Requested)
		assert.Equal(t, knowledge.MethodParagraph, report.Method)
		assert.Contains(t, report.Notice, "fell back to paragraph")
		doc, err := f.docs.Get(ctx, f.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, knowledge.MethodParagraph, doc.ChunkingMethod)
		assert.Equal(t, "paragraph", f.list(t)[0].Metadata[knowledge.MetaChunkingMethod])
	})

	t.Run("Should reject concurrent regeneration of the same document", func(t *testing.T) {
		f := newFixture(t, "A", newFakeEmbedder(), testConfig())
		release, err := f.orch.locker.Acquire(ctx, LockKey(f.doc.ID))
		require.NoError(t, err)
		_, err = f.orch.Ingest(ctx, f.doc.ID, Options{})
		assert.ErrorIs(t, err, knowledge.ErrDocumentBusy)
		require.NoError(t, release(ctx))
		_, err = f.orch.Ingest(ctx, f.doc.ID, Options{})
		assert.NoError(t, err)
	})

	t.Run("Should stop when the caller cancels", func(t *testing.T) {
		f := newFixture(t, fiveParagraphs, newFakeEmbedder(), testConfig())
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		report, err := f.orch.Ingest(cctx, f.doc.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, StateFailed, report.State)
		assert.Empty(t, f.list(t))
	})

	t.Run("Should reject invalid options before starting", func(t *testing.T) {
		f := newFixture(t, "A", newFakeEmbedder(), testConfig())
		report, err := f.orch.Ingest(ctx, f.doc.ID, Options{Mode: "merge"})
		require.Error(t, err)
		assert.Nil(t, report)
		_, err = f.orch.Ingest(ctx, f.doc.ID, Options{Chunking: knowledge.ChunkingOptions{
			Method:      knowledge.MethodHeader,
			HeaderDepth: 9,
		}})
		require.Error(t, err)
	})

	t.Run("Should fail when the document does not exist", func(t *testing.T) {
		f := newFixture(t, "A", newFakeEmbedder(), testConfig())
		_, err := f.orch.Ingest(ctx, "missing", Options{})
		assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)
	})
}

func TestOrchestrator_ReembedStale(t *testing.T) {
	ctx := context.Background()

	t.Run("Should re-embed edited and missing embeddings only", func(t *testing.T) {
		emb := newFakeEmbedder()
		emb.failFor("beta", knowledge.NewEmbeddingError(knowledge.EmbeddingInvalidInput, errors.New("nope")))
		f := newFixture(t, "alpha\n\nbeta\n\ngamma", emb, testConfig())
		_, err := f.orch.Ingest(ctx, f.doc.ID, Options{Policy: PolicyNullEmbedding})
		require.NoError(t, err)
		chunks := f.list(t)
		_, err = f.chunks.UpdateContent(ctx, chunks[2].ID, "gamma edited")
		require.NoError(t, err)

		report, err := f.orch.ReembedStale(ctx, f.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Candidates)
		assert.Equal(t, 2, report.Updated)
		assert.Empty(t, report.Failed)
		for _, c := range f.list(t) {
			assert.False(t, c.NeedsEmbedding(), c.Content)
			assert.False(t, c.EmbeddingStale(), c.Content)
		}
		assert.Equal(t, 1, emb.callsFor("alpha"))
	})

	t.Run("Should report chunks that still fail by sequence", func(t *testing.T) {
		emb := newFakeEmbedder()
		f := newFixture(t, "alpha\n\nbeta", emb, testConfig())
		_, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		require.NoError(t, err)
		chunks := f.list(t)
		_, err = f.chunks.UpdateContent(ctx, chunks[1].ID, "beta v2")
		require.NoError(t, err)
		emb.failFor("beta v2", knowledge.NewEmbeddingError(knowledge.EmbeddingAuth, errors.New("401")))
		report, err := f.orch.ReembedStale(ctx, f.doc.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{2}, report.Failed)
		assert.Zero(t, report.Updated)
	})
}

func TestOrchestrator_AddChunk(t *testing.T) {
	ctx := context.Background()

	t.Run("Should embed and append a manual chunk", func(t *testing.T) {
		f := newFixture(t, "A\n\nB", newFakeEmbedder(), testConfig())
		_, err := f.orch.Ingest(ctx, f.doc.ID, Options{})
		require.NoError(t, err)
		added, err := f.orch.AddChunk(ctx, f.doc.ID, "  manual note ")
		require.NoError(t, err)
		assert.Equal(t, 3, added.Sequence)
		assert.Equal(t, "manual note", added.Content)
		assert.NotNil(t, added.Embedding)
		assert.Equal(t, true, added.Metadata[knowledge.MetaManual])
	})

	t.Run("Should not store the chunk when embedding fails", func(t *testing.T) {
		emb := newFakeEmbedder()
		emb.failFor("note", knowledge.NewEmbeddingError(knowledge.EmbeddingAuth, errors.New("401")))
		f := newFixture(t, "A", emb, testConfig())
		_, err := f.orch.AddChunk(ctx, f.doc.ID, "note")
		var embErr *knowledge.EmbeddingError
		require.ErrorAs(t, err, &embErr)
		assert.Empty(t, f.list(t))
	})

	t.Run("Should reject empty content", func(t *testing.T) {
		f := newFixture(t, "A", newFakeEmbedder(), testConfig())
		_, err := f.orch.AddChunk(ctx, f.doc.ID, "   ")
		assert.ErrorIs(t, err, knowledge.ErrEmptyContent)
	})
}

func TestSession(t *testing.T) {
	t.Run("Should start in SPLITTING and follow the happy path", func(t *testing.T) {
		s, err := NewSession("doc", knowledge.ChunkingOptions{Method: knowledge.MethodParagraph}, nil)
		require.NoError(t, err)
		assert.Equal(t, StateSplitting, s.State)
		require.NoError(t, s.Advance(StateEmbedding))
		require.NoError(t, s.Advance(StatePersisting))
		require.NoError(t, s.Advance(StateDone))
		assert.False(t, s.FinishedAt.IsZero())
		require.Len(t, s.Transitions, 4)
		assert.Equal(t, StateIdle, s.Transitions[0].From)
	})

	t.Run("Should reject skipped or post-terminal transitions", func(t *testing.T) {
		s, err := NewSession("doc", knowledge.ChunkingOptions{}, nil)
		require.NoError(t, err)
		require.Error(t, s.Advance(StatePersisting))
		s.Fail(errors.New("boom"))
		assert.Equal(t, StateFailed, s.State)
		require.Error(t, s.Advance(StateEmbedding))
		s.Fail(errors.New("again"))
		assert.Equal(t, "boom", s.Err.Error())
	})
}

func TestLocalLocker(t *testing.T) {
	t.Run("Should allow one holder per key and release idempotently", func(t *testing.T) {
		l := NewLocalLocker()
		ctx := context.Background()
		release, err := l.Acquire(ctx, "a")
		require.NoError(t, err)
		_, err = l.Acquire(ctx, "a")
		assert.ErrorIs(t, err, knowledge.ErrDocumentBusy)
		other, err := l.Acquire(ctx, "b")
		require.NoError(t, err)
		require.NoError(t, release(ctx))
		require.NoError(t, release(ctx))
		again, err := l.Acquire(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, again(ctx))
		require.NoError(t, other(ctx))
	})
}

func TestReport_Summary(t *testing.T) {
	t.Run("Should describe failures and notices", func(t *testing.T) {
		r := &Report{Inserted: 8, Total: 10, FailedEmbeddings: []int{2, 7}, State: StateDone}
		assert.Equal(t, "inserted 8 of 10 chunks, 2 failed embedding", r.Summary())
		r.Notice = "ai chunking failed"
		assert.True(t, strings.HasSuffix(r.Summary(), "; ai chunking failed"))
		failed := &Report{State: StateFailed, FailedIn: StateEmbedding, Error: "boom"}
		assert.Equal(t, "ingestion failed during EMBEDDING: boom", failed.Summary())
	})
}
