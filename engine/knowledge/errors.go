package knowledge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrChunkNotFound     = errors.New("knowledge: chunk not found")
	ErrDocumentNotFound  = errors.New("knowledge: document not found")
	ErrEmptyContent      = errors.New("knowledge: chunk content is empty")
	ErrNoChunks          = errors.New("no chunks generated")
	ErrInvalidQuery      = errors.New("knowledge: invalid retrieval query")
	ErrDimensionMismatch = errors.New("knowledge: embedding dimension mismatch")
	ErrDocumentBusy      = errors.New("knowledge: document regeneration already in progress")
)

// SplitError reports that chunking could not produce usable chunks.
type SplitError struct {
	DocumentID string
	Method     ChunkingMethod
	Err        error
}

func (e *SplitError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("knowledge: split with %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("knowledge: split document %s with %s: %v", e.DocumentID, e.Method, e.Err)
}

func (e *SplitError) Unwrap() error { return e.Err }

// EmbeddingErrorKind classifies embedding provider failures.
type EmbeddingErrorKind string

const (
	EmbeddingAuth         EmbeddingErrorKind = "auth"
	EmbeddingRateLimit    EmbeddingErrorKind = "rate_limit"
	EmbeddingTransient    EmbeddingErrorKind = "transient"
	EmbeddingInvalidInput EmbeddingErrorKind = "invalid_input"
	EmbeddingMalformed    EmbeddingErrorKind = "malformed"
	EmbeddingCanceled     EmbeddingErrorKind = "canceled"
)

// EmbeddingError is a typed embedding provider failure. ChunkIndex is
// 1-based and zero when the failure is not tied to a chunk.
type EmbeddingError struct {
	Kind       EmbeddingErrorKind
	ChunkIndex int
	StatusCode int
	Err        error
}

func (e *EmbeddingError) Error() string {
	var b strings.Builder
	b.WriteString("knowledge: embedding failed (")
	b.WriteString(string(e.Kind))
	b.WriteString(")")
	if e.ChunkIndex > 0 {
		fmt.Fprintf(&b, " for chunk %d", e.ChunkIndex)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same call may succeed.
func (e *EmbeddingError) Retryable() bool {
	return e.Kind == EmbeddingTransient || e.Kind == EmbeddingRateLimit
}

// ForChunk returns a copy bound to the 1-based chunk index.
func (e *EmbeddingError) ForChunk(index int) *EmbeddingError {
	out := *e
	out.ChunkIndex = index
	return &out
}

// NewEmbeddingError builds an EmbeddingError of the given kind.
func NewEmbeddingError(kind EmbeddingErrorKind, err error) *EmbeddingError {
	return &EmbeddingError{Kind: kind, Err: err}
}

// PersistenceError reports a failed store operation. Partial is set when the
// failure left the document in an intermediate state.
type PersistenceError struct {
	Op         string
	DocumentID string
	ChunkID    string
	Partial    bool
	Err        error
}

func (e *PersistenceError) Error() string {
	var b strings.Builder
	b.WriteString("knowledge: ")
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.DocumentID != "" {
		b.WriteString(" for document ")
		b.WriteString(e.DocumentID)
	}
	if e.ChunkID != "" {
		b.WriteString(" chunk ")
		b.WriteString(e.ChunkID)
	}
	if e.Partial {
		b.WriteString(" (partial state, regenerate to recover)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RetrievalError reports a failed similarity query.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("knowledge: retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// InvalidInput reports whether the failure was caused by the caller.
func (e *RetrievalError) InvalidInput() bool {
	return errors.Is(e.Err, ErrInvalidQuery) || errors.Is(e.Err, ErrDimensionMismatch)
}

// IsRetryable reports whether err carries a retryable embedding failure.
func IsRetryable(err error) bool {
	var embErr *EmbeddingError
	if errors.As(err, &embErr) {
		return embErr.Retryable()
	}
	return false
}

// IsNotFound reports whether err denotes a missing chunk or document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrChunkNotFound) || errors.Is(err, ErrDocumentNotFound)
}
