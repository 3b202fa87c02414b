package store

import (
	"context"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// ListFilter narrows a chunk listing. SearchText matches content as a
// case-insensitive substring.
type ListFilter struct {
	SearchText  string
	EnabledOnly bool
}

// SearchQuery is a similarity search over enabled, embedded chunks owned by
// OwnerID. An empty DocumentIDs searches every document of the owner.
type SearchQuery struct {
	OwnerID     string
	DocumentIDs []string
	Vector      []float32
	Threshold   float64
	TopK        int
	// ExcludeStale drops chunks whose embedding no longer matches their content.
	ExcludeStale bool
}

// ChunkStore persists ordered chunks and answers similarity queries.
type ChunkStore interface {
	BulkInsert(ctx context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error)
	ReplaceAll(ctx context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error)
	AddChunk(ctx context.Context, documentID string, draft knowledge.ChunkDraft) (*knowledge.Chunk, error)
	UpdateContent(ctx context.Context, chunkID string, content string) (*knowledge.Chunk, error)
	UpdateEmbedding(ctx context.Context, chunkID string, vector []float32) error
	SetEnabled(ctx context.Context, chunkID string, enabled bool) error
	Delete(ctx context.Context, chunkID string) error
	DeleteAll(ctx context.Context, documentID string) (int, error)
	Get(ctx context.Context, chunkID string) (*knowledge.Chunk, error)
	List(ctx context.Context, documentID string, filter ListFilter) ([]knowledge.Chunk, error)
	Search(ctx context.Context, query SearchQuery) ([]knowledge.RetrievalResult, error)
}

// DocumentStore persists document records.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*knowledge.Document, error)
	Create(ctx context.Context, doc *knowledge.Document) (*knowledge.Document, error)
	SetChunkingMethod(ctx context.Context, id string, method knowledge.ChunkingMethod) error
	ListByOwner(ctx context.Context, ownerID string) ([]knowledge.Document, error)
}
