package knowledgerouter

import (
	"time"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
)

// CreateDocumentRequest creates a document from inline content or a URL.
type CreateDocumentRequest struct {
	Title     string `json:"title"      binding:"omitempty,max=512"`
	Content   string `json:"content"`
	FileType  string `json:"file_type"  binding:"omitempty,oneof=markdown text html pdf"`
	SourceRef string `json:"source_ref" binding:"omitempty,max=2048"`
	SourceURL string `json:"source_url" binding:"omitempty,url"`
}

// IngestRequest selects the chunking strategy of a regeneration run.
type IngestRequest struct {
	Method      string `json:"method"       binding:"omitempty,oneof=line_break paragraph header fixed_size ai"`
	Separator   string `json:"separator"`
	HeaderDepth int    `json:"header_depth" binding:"omitempty,min=1,max=6"`
	ChunkSize   int    `json:"chunk_size"   binding:"omitempty,min=1"`
	Mode        string `json:"mode"         binding:"omitempty,oneof=replace append"`
	Policy      string `json:"policy"       binding:"omitempty,oneof=abort null_embedding"`
}

// AddChunkRequest appends a manual chunk.
type AddChunkRequest struct {
	Content string `json:"content" binding:"required"`
}

// UpdateChunkRequest edits chunk content without re-embedding.
type UpdateChunkRequest struct {
	Content string `json:"content" binding:"required"`
}

// SetEnabledRequest toggles chunk visibility in retrieval.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SearchRequest runs a similarity query for the caller's tenant.
type SearchRequest struct {
	Query      string   `json:"query"       binding:"required"`
	DocumentID string   `json:"document_id"`
	Threshold  *float64 `json:"threshold"   binding:"omitempty,min=0,max=1"`
	TopK       int      `json:"top_k"       binding:"omitempty,min=1"`
	MaxTokens  int      `json:"max_tokens"  binding:"omitempty,min=1"`
}

// ChunkDTO is the API view of a chunk. Vectors are never returned.
type ChunkDTO struct {
	ID             string         `json:"id"`
	DocumentID     string         `json:"document_id"`
	Content        string         `json:"content"`
	Sequence       int            `json:"sequence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Enabled        bool           `json:"enabled"`
	Embedded       bool           `json:"embedded"`
	EmbeddingStale bool           `json:"embedding_stale"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toChunkDTO(chunk *knowledge.Chunk) ChunkDTO {
	return ChunkDTO{
		ID:             chunk.ID,
		DocumentID:     chunk.DocumentID,
		Content:        chunk.Content,
		Sequence:       chunk.Sequence,
		Metadata:       chunk.Metadata,
		Enabled:        chunk.Enabled,
		Embedded:       !chunk.NeedsEmbedding(),
		EmbeddingStale: chunk.EmbeddingStale(),
		CreatedAt:      chunk.CreatedAt,
		UpdatedAt:      chunk.UpdatedAt,
	}
}

type DocumentResponse struct {
	Document *knowledge.Document `json:"document"`
}

type DocumentListResponse struct {
	Documents []knowledge.Document `json:"documents"`
}

type ChunkResponse struct {
	Chunk ChunkDTO `json:"chunk"`
}

type ChunkListResponse struct {
	Chunks []ChunkDTO `json:"chunks"`
}

type DeleteChunksResponse struct {
	Deleted int `json:"deleted"`
}

type IngestResponse struct {
	Report  *ingest.Report `json:"report"`
	Summary string         `json:"summary"`
}

type ReembedResponse struct {
	Report *ingest.ReembedReport `json:"report"`
}

type SearchResponse struct {
	Results []knowledge.RetrievalResult `json:"results"`
}
