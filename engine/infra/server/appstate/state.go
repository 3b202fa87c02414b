package appstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/engine/knowledge/retriever"
	"github.com/crmkit/knowledge/engine/knowledge/source"
	"github.com/crmkit/knowledge/engine/knowledge/store"
)

type contextKey string

const stateKey contextKey = "app_state"

// BaseDeps are the stores every handler reads from.
type BaseDeps struct {
	Documents store.DocumentStore
	Chunks    store.ChunkStore
}

func NewBaseDeps(documents store.DocumentStore, chunks store.ChunkStore) BaseDeps {
	return BaseDeps{Documents: documents, Chunks: chunks}
}

// Defaults are applied when a request omits the corresponding field.
type Defaults struct {
	Chunking  knowledge.ChunkingOptions
	Policy    ingest.Policy
	Threshold float64
	TopK      int
	MaxTopK   int
}

// ApplyTo fills the ingestion options a caller left unset.
func (d Defaults) ApplyTo(opts ingest.Options) ingest.Options {
	c := &opts.Chunking
	if c.Method == "" {
		c.Method = d.Chunking.Method
	}
	if c.Separator == "" {
		c.Separator = d.Chunking.Separator
	}
	if c.HeaderDepth == 0 {
		c.HeaderDepth = d.Chunking.HeaderDepth
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.Chunking.ChunkSize
	}
	if c.Endpoint == "" {
		c.Endpoint = d.Chunking.Endpoint
	}
	if opts.Policy == "" {
		opts.Policy = d.Policy
	}
	return opts
}

// State is the request-scoped view of the running services.
type State struct {
	BaseDeps
	Orchestrator *ingest.Orchestrator
	Retriever    *retriever.Service
	Loader       *source.Loader
	Defaults     Defaults
}

func NewState(
	deps BaseDeps,
	orchestrator *ingest.Orchestrator,
	retrieval *retriever.Service,
	loader *source.Loader,
	defaults Defaults,
) (*State, error) {
	if deps.Documents == nil || deps.Chunks == nil {
		return nil, errors.New("document and chunk stores are required")
	}
	if orchestrator == nil {
		return nil, errors.New("ingestion orchestrator is required")
	}
	if retrieval == nil {
		return nil, errors.New("retriever is required")
	}
	if defaults.TopK <= 0 {
		defaults.TopK = 5
	}
	if defaults.MaxTopK < defaults.TopK {
		defaults.MaxTopK = defaults.TopK
	}
	return &State{
		BaseDeps:     deps,
		Orchestrator: orchestrator,
		Retriever:    retrieval,
		Loader:       loader,
		Defaults:     defaults,
	}, nil
}

func WithState(ctx context.Context, state *State) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

func GetState(ctx context.Context) (*State, error) {
	state, ok := ctx.Value(stateKey).(*State)
	if !ok || state == nil {
		return nil, fmt.Errorf("app state not found in context")
	}
	return state, nil
}

// StateMiddleware attaches state to every request context.
func StateMiddleware(state *State) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(WithState(c.Request.Context(), state))
		c.Next()
	}
}
