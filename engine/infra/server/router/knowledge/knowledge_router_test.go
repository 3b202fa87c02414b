package knowledgerouter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	knowledgerouter "github.com/crmkit/knowledge/engine/infra/server/router/knowledge"
	"github.com/crmkit/knowledge/engine/infra/server/router/routertest"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
)

const (
	owner   = "tenant-a"
	content = "Refund policy: refunds are issued within 30 days.\n\nShipping takes five business days."
)

type harness struct {
	fx     *routertest.Fixture
	engine *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fx := routertest.NewFixture(t)
	return &harness{fx: fx, engine: routertest.NewRouter(fx.State, knowledgerouter.Register)}
}

func (h *harness) do(t *testing.T, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set("X-Owner-ID", tenant)
	}
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func (h *harness) createDocument(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{
		"title":   "Policies",
		"content": content,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := gjson.Get(rec.Body.String(), "data.document.id").String()
	require.NotEmpty(t, id)
	return id
}

func (h *harness) ingest(t *testing.T, id string) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/ingest", owner, map[string]any{"method": "paragraph"})
}

func TestDocuments(t *testing.T) {
	t.Run("Should reject requests without a tenant", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodGet, "/api/v0/documents", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Equal(t, "owner_missing", gjson.Get(body, "code").String())
		assert.Equal(t, "Bad Request", gjson.Get(body, "title").String())
		assert.Equal(t, "/api/v0/documents", gjson.Get(body, "instance").String())
	})

	t.Run("Should create a document and expose it only to its tenant", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		rec := h.do(t, http.MethodGet, "/api/v0/documents/"+id, owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Policies", gjson.Get(rec.Body.String(), "data.document.title").String())
		assert.NotEmpty(t, rec.Header().Get("ETag"))

		other := h.do(t, http.MethodGet, "/api/v0/documents/"+id, "tenant-b", nil)
		assert.Equal(t, http.StatusNotFound, other.Code)
		assert.Equal(t, "document_not_found", gjson.Get(other.Body.String(), "code").String())
	})

	t.Run("Should answer 304 when the etag matches", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		first := h.do(t, http.MethodGet, "/api/v0/documents/"+id, owner, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/v0/documents/"+id, http.NoBody)
		req.Header.Set("X-Owner-ID", owner)
		req.Header.Set("If-None-Match", `"older", W/`+first.Header().Get("ETag"))
		rec := httptest.NewRecorder()
		h.engine.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Equal(t, first.Header().Get("ETag"), rec.Header().Get("ETag"))
	})

	t.Run("Should reject a malformed If-None-Match header", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v0/documents/"+id, http.NoBody)
		req.Header.Set("X-Owner-ID", owner)
		req.Header.Set("If-None-Match", "unquoted")
		rec := httptest.NewRecorder()
		h.engine.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should require a title when no source url is given", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{"content": content})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", gjson.Get(rec.Body.String(), "code").String())
		assert.Contains(t, gjson.Get(rec.Body.String(), "detail").String(), "title")
	})

	t.Run("Should accept an empty document and take manual chunks", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{"title": "Escalation notes"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		id := gjson.Get(rec.Body.String(), "data.document.id").String()
		require.NotEmpty(t, id)
		assert.Empty(t, gjson.Get(rec.Body.String(), "data.document.content").String())

		added := h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/chunks", owner, map[string]any{
			"content": "Escalate billing disputes to tier two.",
		})
		require.Equal(t, http.StatusCreated, added.Code, added.Body.String())
		assert.Equal(t, int64(1), gjson.Get(added.Body.String(), "data.chunk.sequence").Int())

		listed := h.do(t, http.MethodGet, "/api/v0/documents/"+id+"/chunks", owner, nil)
		require.Equal(t, http.StatusOK, listed.Code)
		chunks := gjson.Get(listed.Body.String(), "data.chunks").Array()
		require.Len(t, chunks, 1)
		assert.Equal(t, "Escalate billing disputes to tier two.", chunks[0].Get("content").String())
	})

	t.Run("Should reject unknown file types", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{
			"content":   "x",
			"file_type": "docx",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, gjson.Get(rec.Body.String(), "detail").String(), "FileType")
	})

	t.Run("Should load content from a source url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			_, _ = w.Write([]byte("# Onboarding\n\nWelcome aboard."))
		}))
		defer srv.Close()
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{
			"source_url": srv.URL + "/guides/onboarding.md",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := rec.Body.String()
		assert.Equal(t, "markdown", gjson.Get(body, "data.document.file_type").String())
		assert.Equal(t, srv.URL+"/guides/onboarding.md", gjson.Get(body, "data.document.source_ref").String())
		assert.Contains(t, gjson.Get(body, "data.document.content").String(), "Welcome aboard.")
		assert.NotEmpty(t, rec.Header().Get("Location"))
	})

	t.Run("Should map failing source urls to 502", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents", owner, map[string]any{"source_url": srv.URL})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "source_unavailable", gjson.Get(rec.Body.String(), "code").String())
	})

	t.Run("Should list documents of the tenant without content", func(t *testing.T) {
		h := newHarness(t)
		h.createDocument(t)
		rec := h.do(t, http.MethodGet, "/api/v0/documents", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		docs := gjson.Get(rec.Body.String(), "data.documents").Array()
		require.Len(t, docs, 1)
		assert.False(t, docs[0].Get("content").Exists())
		empty := h.do(t, http.MethodGet, "/api/v0/documents", "tenant-b", nil)
		assert.Equal(t, "[]", gjson.Get(empty.Body.String(), "data.documents").Raw)
	})
}

func TestIngest(t *testing.T) {
	t.Run("Should regenerate chunks and report the outcome", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		rec := h.ingest(t, id)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := rec.Body.String()
		assert.Equal(t, int64(2), gjson.Get(body, "data.report.inserted").Int())
		assert.Equal(t, "paragraph", gjson.Get(body, "data.report.method").String())
		assert.Equal(t, "inserted 2 of 2 chunks", gjson.Get(body, "data.summary").String())

		doc := h.do(t, http.MethodGet, "/api/v0/documents/"+id, owner, nil)
		assert.Equal(t, "paragraph", gjson.Get(doc.Body.String(), "data.document.chunking_method").String())
	})

	t.Run("Should use defaults when the body is empty", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/ingest", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "replace", gjson.Get(rec.Body.String(), "data.report.mode").String())
	})

	t.Run("Should reject ai chunking without a configured endpoint", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/ingest", owner, map[string]any{"method": "ai"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should return 409 while the document is locked", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		release, err := h.fx.Locker.Acquire(context.Background(), ingest.LockKey(id))
		require.NoError(t, err)
		defer func() { _ = release(context.Background()) }()
		rec := h.ingest(t, id)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "document_busy", gjson.Get(rec.Body.String(), "code").String())
	})

	t.Run("Should return 429 with the report on provider rate limits", func(t *testing.T) {
		h := newHarness(t)
		doc, err := h.fx.Documents.Create(context.Background(), &knowledge.Document{
			OwnerID: owner,
			Content: "first paragraph\n\nratelimit paragraph",
		})
		require.NoError(t, err)
		rec := h.ingest(t, doc.ID)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		body := rec.Body.String()
		assert.Equal(t, "embedding_rate_limited", gjson.Get(body, "code").String())
		assert.Equal(t, "FAILED", gjson.Get(body, "report.state").String())
		assert.Equal(t, "EMBEDDING", gjson.Get(body, "report.failed_in").String())
	})

	t.Run("Should return 404 for unknown documents", func(t *testing.T) {
		h := newHarness(t)
		rec := h.ingest(t, "missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChunks(t *testing.T) {
	setup := func(t *testing.T) (*harness, string, []gjson.Result) {
		h := newHarness(t)
		id := h.createDocument(t)
		require.Equal(t, http.StatusOK, h.ingest(t, id).Code)
		rec := h.do(t, http.MethodGet, "/api/v0/documents/"+id+"/chunks", owner, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		chunks := gjson.Get(rec.Body.String(), "data.chunks").Array()
		require.Len(t, chunks, 2)
		return h, id, chunks
	}

	t.Run("Should list chunks in sequence without vectors", func(t *testing.T) {
		_, _, chunks := setup(t)
		assert.Equal(t, int64(1), chunks[0].Get("sequence").Int())
		assert.Equal(t, int64(2), chunks[1].Get("sequence").Int())
		assert.True(t, chunks[0].Get("embedded").Bool())
		assert.False(t, chunks[0].Get("embedding").Exists())
	})

	t.Run("Should filter chunks by text", func(t *testing.T) {
		h, id, _ := setup(t)
		rec := h.do(t, http.MethodGet, "/api/v0/documents/"+id+"/chunks?q=SHIPPING", owner, nil)
		chunks := gjson.Get(rec.Body.String(), "data.chunks").Array()
		require.Len(t, chunks, 1)
		assert.Equal(t, int64(2), chunks[0].Get("sequence").Int())
	})

	t.Run("Should reject malformed enabled_only", func(t *testing.T) {
		h, id, _ := setup(t)
		rec := h.do(t, http.MethodGet, "/api/v0/documents/"+id+"/chunks?enabled_only=maybe", owner, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should flag edited chunks as stale until re-embedded", func(t *testing.T) {
		h, id, chunks := setup(t)
		chunkID := chunks[1].Get("id").String()
		rec := h.do(t, http.MethodPatch, "/api/v0/chunks/"+chunkID, owner, map[string]any{
			"content": "Refund shipping costs are covered.",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, gjson.Get(rec.Body.String(), "data.chunk.embedding_stale").Bool())

		reembed := h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/reembed", owner, nil)
		require.Equal(t, http.StatusOK, reembed.Code, reembed.Body.String())
		assert.Equal(t, int64(1), gjson.Get(reembed.Body.String(), "data.report.updated").Int())

		stored, err := h.fx.Chunks.Get(context.Background(), chunkID)
		require.NoError(t, err)
		assert.False(t, stored.EmbeddingStale())
	})

	t.Run("Should reject blank content edits", func(t *testing.T) {
		h, _, chunks := setup(t)
		rec := h.do(t, http.MethodPatch, "/api/v0/chunks/"+chunks[0].Get("id").String(), owner, map[string]any{
			"content": "   ",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should toggle chunks and hide disabled ones", func(t *testing.T) {
		h, id, chunks := setup(t)
		chunkID := chunks[0].Get("id").String()
		rec := h.do(t, http.MethodPatch, "/api/v0/chunks/"+chunkID+"/enabled", owner, map[string]any{"enabled": false})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.False(t, gjson.Get(rec.Body.String(), "data.chunk.enabled").Bool())
		list := h.do(t, http.MethodGet, "/api/v0/documents/"+id+"/chunks?enabled_only=true", owner, nil)
		assert.Len(t, gjson.Get(list.Body.String(), "data.chunks").Array(), 1)
	})

	t.Run("Should require the enabled flag", func(t *testing.T) {
		h, _, chunks := setup(t)
		rec := h.do(t, http.MethodPatch, "/api/v0/chunks/"+chunks[0].Get("id").String()+"/enabled", owner, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_failed", gjson.Get(rec.Body.String(), "code").String())
	})

	t.Run("Should add manual chunks at the end", func(t *testing.T) {
		h, id, _ := setup(t)
		rec := h.do(t, http.MethodPost, "/api/v0/documents/"+id+"/chunks", owner, map[string]any{
			"content": "  Gift cards are not refundable.  ",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := rec.Body.String()
		assert.Equal(t, int64(3), gjson.Get(body, "data.chunk.sequence").Int())
		assert.Equal(t, "Gift cards are not refundable.", gjson.Get(body, "data.chunk.content").String())
		assert.True(t, gjson.Get(body, "data.chunk.metadata.manual").Bool())
	})

	t.Run("Should delete one chunk and then all chunks", func(t *testing.T) {
		h, id, chunks := setup(t)
		rec := h.do(t, http.MethodDelete, "/api/v0/chunks/"+chunks[0].Get("id").String(), owner, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		again := h.do(t, http.MethodDelete, "/api/v0/chunks/"+chunks[0].Get("id").String(), owner, nil)
		assert.Equal(t, http.StatusNotFound, again.Code)
		all := h.do(t, http.MethodDelete, "/api/v0/documents/"+id+"/chunks", owner, nil)
		require.Equal(t, http.StatusOK, all.Code)
		assert.Equal(t, int64(1), gjson.Get(all.Body.String(), "data.deleted").Int())
	})

	t.Run("Should hide chunks of other tenants", func(t *testing.T) {
		h, _, chunks := setup(t)
		rec := h.do(t, http.MethodDelete, "/api/v0/chunks/"+chunks[0].Get("id").String(), "tenant-b", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "chunk_not_found", gjson.Get(rec.Body.String(), "code").String())
	})
}

func TestSearch(t *testing.T) {
	t.Run("Should return matching chunks of the tenant", func(t *testing.T) {
		h := newHarness(t)
		id := h.createDocument(t)
		require.Equal(t, http.StatusOK, h.ingest(t, id).Code)
		rec := h.do(t, http.MethodPost, "/api/v0/search", owner, map[string]any{"query": "how do refunds work"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		results := gjson.Get(rec.Body.String(), "data.results").Array()
		require.Len(t, results, 1)
		assert.Equal(t, id, results[0].Get("document_id").String())
		assert.Equal(t, int64(1), results[0].Get("sequence").Int())
		assert.InDelta(t, 1.0, results[0].Get("score").Float(), 1e-6)

		other := h.do(t, http.MethodPost, "/api/v0/search", "tenant-b", map[string]any{"query": "refunds"})
		require.Equal(t, http.StatusOK, other.Code)
		assert.Equal(t, "[]", gjson.Get(other.Body.String(), "data.results").Raw)
	})

	t.Run("Should reject top_k above the configured maximum", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/search", owner, map[string]any{"query": "refunds", "top_k": 11})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_query", gjson.Get(rec.Body.String(), "code").String())
	})

	t.Run("Should reject thresholds outside [0,1]", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/search", owner, map[string]any{"query": "refunds", "threshold": 1.5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Should map query embedding rate limits to 429", func(t *testing.T) {
		h := newHarness(t)
		rec := h.do(t, http.MethodPost, "/api/v0/search", owner, map[string]any{"query": "ratelimit me"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}
