package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/crmkit/knowledge/engine/core"
)

// ChunkingMethod selects the strategy used to split a document into chunks.
type ChunkingMethod string

const (
	MethodLineBreak ChunkingMethod = "line_break"
	MethodParagraph ChunkingMethod = "paragraph"
	MethodHeader    ChunkingMethod = "header"
	MethodFixedSize ChunkingMethod = "fixed_size"
	MethodAI        ChunkingMethod = "ai"
)

const (
	DefaultSeparator   = "\n"
	DefaultHeaderDepth = 3
	DefaultChunkSize   = 1000
	MaxHeaderDepth     = 6
)

// Metadata keys written on chunks during ingestion.
const (
	MetaChunkingMethod = "chunking_method"
	MetaIndex          = "index"
	MetaTotalChunks    = "total_chunks"
	MetaSeparator      = "separator"
	MetaHeaderDepth    = "header_depth"
	MetaChunkSize      = "chunk_size"
	MetaNeedsEmbedding = "needs_embedding"
	MetaManual         = "manual"
)

var methods = []ChunkingMethod{MethodLineBreak, MethodParagraph, MethodHeader, MethodFixedSize, MethodAI}

// Valid reports whether m is a recognized chunking method.
func (m ChunkingMethod) Valid() bool {
	for _, known := range methods {
		if m == known {
			return true
		}
	}
	return false
}

func (m ChunkingMethod) String() string {
	return string(m)
}

// ParseChunkingMethod normalizes and validates a method name.
func ParseChunkingMethod(value string) (ChunkingMethod, error) {
	method := ChunkingMethod(strings.ToLower(strings.TrimSpace(value)))
	if !method.Valid() {
		return "", fmt.Errorf("knowledge: unknown chunking method %q", value)
	}
	return method, nil
}

// ChunkingOptions is a tagged union: Method selects the variant and each
// variant reads only its own parameters.
type ChunkingOptions struct {
	Method      ChunkingMethod `json:"method"`
	Separator   string         `json:"separator,omitempty"`
	HeaderDepth int            `json:"header_depth,omitempty"`
	ChunkSize   int            `json:"chunk_size,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
}

// WithDefaults fills unset parameters of the selected variant.
func (o ChunkingOptions) WithDefaults() ChunkingOptions {
	out := o
	if out.Method == "" {
		out.Method = MethodParagraph
	}
	switch out.Method {
	case MethodLineBreak:
		if out.Separator == "" {
			out.Separator = DefaultSeparator
		}
	case MethodHeader:
		if out.HeaderDepth <= 0 {
			out.HeaderDepth = DefaultHeaderDepth
		}
	case MethodFixedSize:
		if out.ChunkSize <= 0 {
			out.ChunkSize = DefaultChunkSize
		}
	}
	return out
}

// Validate checks the parameters of the selected variant.
func (o ChunkingOptions) Validate() error {
	if !o.Method.Valid() {
		return fmt.Errorf("knowledge: unknown chunking method %q", o.Method)
	}
	switch o.Method {
	case MethodHeader:
		if o.HeaderDepth < 1 || o.HeaderDepth > MaxHeaderDepth {
			return fmt.Errorf("knowledge: header depth must be between 1 and %d, got %d", MaxHeaderDepth, o.HeaderDepth)
		}
	case MethodFixedSize:
		if o.ChunkSize <= 0 {
			return fmt.Errorf("knowledge: chunk size must be greater than zero, got %d", o.ChunkSize)
		}
	case MethodAI:
		if strings.TrimSpace(o.Endpoint) == "" {
			return fmt.Errorf("knowledge: ai chunking requires an endpoint")
		}
	}
	return nil
}

// Params returns the method-specific parameters recorded in chunk metadata.
func (o ChunkingOptions) Params() map[string]any {
	params := make(map[string]any, 1)
	switch o.Method {
	case MethodLineBreak:
		params[MetaSeparator] = o.Separator
	case MethodHeader:
		params[MetaHeaderDepth] = o.HeaderDepth
	case MethodFixedSize:
		params[MetaChunkSize] = o.ChunkSize
	}
	return params
}

// Document is an owner-scoped unit of knowledge content.
type Document struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Title          string         `json:"title"`
	Content        string         `json:"content,omitempty"`
	FileType       string         `json:"file_type"`
	SourceRef      string         `json:"source_ref,omitempty"`
	ChunkingMethod ChunkingMethod `json:"chunking_method,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Chunk is an ordered, individually embeddable fragment of a document.
type Chunk struct {
	ID                  string         `json:"id"`
	DocumentID          string         `json:"document_id"`
	Content             string         `json:"content"`
	Sequence            int            `json:"sequence"`
	Embedding           []float32      `json:"embedding,omitempty"`
	EmbeddedContentHash string         `json:"embedded_content_hash,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Enabled             bool           `json:"enabled"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// EmbeddingStale is true when the stored embedding was computed for content
// other than the chunk's current content.
func (c *Chunk) EmbeddingStale() bool {
	if c == nil || c.Embedding == nil {
		return false
	}
	return c.EmbeddedContentHash != core.HashText(c.Content)
}

// NeedsEmbedding is true when the chunk has no embedding yet.
func (c *Chunk) NeedsEmbedding() bool {
	return c != nil && c.Embedding == nil
}

// Clone returns a deep copy safe to hand to callers.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	out.Embedding = core.CloneVector(c.Embedding)
	out.Metadata = core.CloneMap(c.Metadata)
	return &out
}

// ChunkDraft is the input for inserting a chunk.
type ChunkDraft struct {
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// RetrievalResult is one ranked match of a similarity search.
type RetrievalResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Sequence   int     `json:"sequence"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Stale      bool    `json:"stale,omitempty"`
}
