// Package routertest builds in-memory application state for handler tests.
package routertest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/infra/server/appstate"
	"github.com/crmkit/knowledge/engine/infra/server/router"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/engine/knowledge/retriever"
	"github.com/crmkit/knowledge/engine/knowledge/source"
	"github.com/crmkit/knowledge/engine/knowledge/store"
)

// KeywordEmbedder maps texts mentioning "refund" onto one axis and
// everything else onto another. Texts containing "ratelimit" fail with a
// rate-limit error.
type KeywordEmbedder struct{}

func (KeywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "ratelimit") {
		return nil, knowledge.NewEmbeddingError(knowledge.EmbeddingRateLimit, context.DeadlineExceeded)
	}
	if strings.Contains(lower, "refund") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

// Fixture exposes the collaborators behind a test router.
type Fixture struct {
	State     *appstate.State
	Documents *store.MemoryDocuments
	Chunks    *store.MemoryChunks
	Locker    *ingest.LocalLocker
}

// NewFixture wires memory stores, the keyword embedder and a local locker.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	docs := store.NewMemoryDocuments()
	chunks := store.NewMemoryChunks(docs, 2)
	locker := ingest.NewLocalLocker()
	emb := KeywordEmbedder{}
	orch, err := ingest.NewOrchestrator(ingest.Dependencies{
		Embedder:  emb,
		Chunks:    chunks,
		Documents: docs,
		Locker:    locker,
	}, ingest.Config{
		Concurrency:    2,
		MaxAttempts:    1,
		BaseBackoff:    time.Millisecond,
		EmbedTimeout:   time.Second,
		OverallTimeout: 5 * time.Second,
	})
	requireNoError(t, err)
	retrieval, err := retriever.NewService(emb, chunks)
	requireNoError(t, err)
	state, err := appstate.NewState(
		appstate.NewBaseDeps(docs, chunks),
		orch,
		retrieval,
		source.NewLoader(source.Config{AllowPrivateNetworks: true}),
		appstate.Defaults{
			Chunking:  knowledge.ChunkingOptions{Method: knowledge.MethodParagraph},
			Threshold: 0.5,
			TopK:      5,
			MaxTopK:   10,
		},
	)
	requireNoError(t, err)
	return &Fixture{State: state, Documents: docs, Chunks: chunks, Locker: locker}
}

// NewRouter builds a gin engine in test mode with state attached and the
// given registration applied to the /api/v0 group.
func NewRouter(state *appstate.State, register func(*gin.RouterGroup)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(appstate.StateMiddleware(state))
	r.NoRoute(func(c *gin.Context) {
		router.RespondProblemWithCode(c, 404, "route_not_found", "route not found")
	})
	register(r.Group("/api/v0"))
	return r
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
