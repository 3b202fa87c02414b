package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
)

var (
	_ DocumentStore = (*MemoryDocuments)(nil)
	_ ChunkStore    = (*MemoryChunks)(nil)
)

// MemoryDocuments is an in-process DocumentStore.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]*knowledge.Document
	now  func() time.Time
}

func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: make(map[string]*knowledge.Document), now: time.Now}
}

func (m *MemoryDocuments) Create(_ context.Context, doc *knowledge.Document) (*knowledge.Document, error) {
	if doc == nil {
		return nil, errors.New("store: document is required")
	}
	if strings.TrimSpace(doc.OwnerID) == "" {
		return nil, errors.New("store: document owner is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *doc
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if _, exists := m.docs[out.ID]; exists {
		return nil, &knowledge.PersistenceError{Op: "create_document", DocumentID: out.ID, Err: errors.New("document already exists")}
	}
	now := m.now().UTC()
	out.CreatedAt = now
	out.UpdatedAt = now
	m.docs[out.ID] = &out
	cp := out
	return &cp, nil
}

func (m *MemoryDocuments) Get(_ context.Context, id string) (*knowledge.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, &knowledge.PersistenceError{Op: "get_document", DocumentID: id, Err: knowledge.ErrDocumentNotFound}
	}
	cp := *doc
	return &cp, nil
}

func (m *MemoryDocuments) SetChunkingMethod(_ context.Context, id string, method knowledge.ChunkingMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return &knowledge.PersistenceError{Op: "set_chunking_method", DocumentID: id, Err: knowledge.ErrDocumentNotFound}
	}
	doc.ChunkingMethod = method
	doc.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryDocuments) ListByOwner(_ context.Context, ownerID string) ([]knowledge.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]knowledge.Document, 0)
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID {
			out = append(out, *doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryDocuments) owner(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return "", false
	}
	return doc.OwnerID, true
}

func (m *MemoryDocuments) idsForOwner(ownerID string) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{})
	for id, doc := range m.docs {
		if doc.OwnerID == ownerID {
			out[id] = struct{}{}
		}
	}
	return out
}

// MemoryChunks is an in-process ChunkStore with brute-force cosine search.
// Chunks of a document are kept in ascending sequence order.
type MemoryChunks struct {
	mu        sync.RWMutex
	docs      *MemoryDocuments
	chunks    map[string]*knowledge.Chunk
	order     map[string][]string
	dimension int
	now       func() time.Time
}

// NewMemoryChunks builds a chunk store scoped through docs. A positive
// dimension rejects vectors of any other length.
func NewMemoryChunks(docs *MemoryDocuments, dimension int) *MemoryChunks {
	if docs == nil {
		docs = NewMemoryDocuments()
	}
	return &MemoryChunks{
		docs:      docs,
		chunks:    make(map[string]*knowledge.Chunk),
		order:     make(map[string][]string),
		dimension: dimension,
		now:       time.Now,
	}
}

func (m *MemoryChunks) BulkInsert(_ context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error) {
	if _, ok := m.docs.owner(documentID); !ok {
		return 0, &knowledge.PersistenceError{Op: "bulk_insert", DocumentID: documentID, Err: knowledge.ErrDocumentNotFound}
	}
	prepared, err := PrepareAll(drafts, m.dimension)
	if err != nil {
		return 0, &knowledge.PersistenceError{Op: "bulk_insert", DocumentID: documentID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.maxSequenceLocked(documentID) + 1
	now := m.now().UTC()
	for i := range prepared {
		m.insertLocked(documentID, prepared[i], next+i, now)
	}
	return len(prepared), nil
}

func (m *MemoryChunks) ReplaceAll(_ context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error) {
	if _, ok := m.docs.owner(documentID); !ok {
		return 0, &knowledge.PersistenceError{Op: "replace_all", DocumentID: documentID, Err: knowledge.ErrDocumentNotFound}
	}
	prepared, err := PrepareAll(drafts, m.dimension)
	if err != nil {
		return 0, &knowledge.PersistenceError{Op: "replace_all", DocumentID: documentID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteAllLocked(documentID)
	now := m.now().UTC()
	for i := range prepared {
		m.insertLocked(documentID, prepared[i], i+1, now)
	}
	return len(prepared), nil
}

func (m *MemoryChunks) AddChunk(_ context.Context, documentID string, draft knowledge.ChunkDraft) (*knowledge.Chunk, error) {
	if _, ok := m.docs.owner(documentID); !ok {
		return nil, &knowledge.PersistenceError{Op: "add_chunk", DocumentID: documentID, Err: knowledge.ErrDocumentNotFound}
	}
	prepared, err := Prepare(draft, m.dimension)
	if err != nil {
		return nil, &knowledge.PersistenceError{Op: "add_chunk", DocumentID: documentID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk := m.insertLocked(documentID, prepared, m.maxSequenceLocked(documentID)+1, m.now().UTC())
	return chunk.Clone(), nil
}

func (m *MemoryChunks) UpdateContent(_ context.Context, chunkID string, content string) (*knowledge.Chunk, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &knowledge.PersistenceError{Op: "update_content", ChunkID: chunkID, Err: knowledge.ErrEmptyContent}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return nil, &knowledge.PersistenceError{Op: "update_content", ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	chunk.Content = trimmed
	chunk.UpdatedAt = m.now().UTC()
	return chunk.Clone(), nil
}

func (m *MemoryChunks) UpdateEmbedding(_ context.Context, chunkID string, vector []float32) error {
	if vector == nil {
		return &knowledge.PersistenceError{Op: "update_embedding", ChunkID: chunkID, Err: errors.New("embedding is required")}
	}
	if err := CheckDimension(vector, m.dimension); err != nil {
		return &knowledge.PersistenceError{Op: "update_embedding", ChunkID: chunkID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return &knowledge.PersistenceError{Op: "update_embedding", ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	chunk.Embedding = core.CloneVector(vector)
	chunk.EmbeddedContentHash = core.HashText(chunk.Content)
	delete(chunk.Metadata, knowledge.MetaNeedsEmbedding)
	chunk.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryChunks) SetEnabled(_ context.Context, chunkID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return &knowledge.PersistenceError{Op: "set_enabled", ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	chunk.Enabled = enabled
	chunk.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryChunks) Delete(_ context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return &knowledge.PersistenceError{Op: "delete", ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	delete(m.chunks, chunkID)
	ids := m.order[chunk.DocumentID]
	for i, id := range ids {
		if id == chunkID {
			m.order[chunk.DocumentID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryChunks) DeleteAll(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAllLocked(documentID), nil
}

func (m *MemoryChunks) Get(_ context.Context, chunkID string) (*knowledge.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunk, ok := m.chunks[chunkID]
	if !ok {
		return nil, &knowledge.PersistenceError{Op: "get", ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	return chunk.Clone(), nil
}

func (m *MemoryChunks) List(_ context.Context, documentID string, filter ListFilter) ([]knowledge.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[documentID]
	out := make([]knowledge.Chunk, 0, len(ids))
	for _, id := range ids {
		chunk := m.chunks[id]
		if !matchesFilter(chunk, filter) {
			continue
		}
		out = append(out, *chunk.Clone())
	}
	return out, nil
}

func (m *MemoryChunks) Search(_ context.Context, query SearchQuery) ([]knowledge.RetrievalResult, error) {
	if err := CheckDimension(query.Vector, m.dimension); err != nil {
		return nil, &knowledge.PersistenceError{Op: "search", Err: err}
	}
	allowed := m.docs.idsForOwner(query.OwnerID)
	if len(query.DocumentIDs) > 0 {
		scoped := make(map[string]struct{}, len(query.DocumentIDs))
		for _, id := range query.DocumentIDs {
			if _, ok := allowed[id]; ok {
				scoped[id] = struct{}{}
			}
		}
		allowed = scoped
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]knowledge.RetrievalResult, 0)
	for docID := range allowed {
		for _, id := range m.order[docID] {
			chunk := m.chunks[id]
			if !chunk.Enabled || chunk.Embedding == nil {
				continue
			}
			stale := chunk.EmbeddingStale()
			if stale && query.ExcludeStale {
				continue
			}
			score, err := CosineSimilarity(query.Vector, chunk.Embedding)
			if err != nil {
				return nil, &knowledge.PersistenceError{Op: "search", DocumentID: docID, ChunkID: id, Err: err}
			}
			if score < query.Threshold {
				continue
			}
			results = append(results, knowledge.RetrievalResult{
				ChunkID:    chunk.ID,
				DocumentID: chunk.DocumentID,
				Sequence:   chunk.Sequence,
				Content:    chunk.Content,
				Score:      score,
				Stale:      stale,
			})
		}
	}
	SortResults(results)
	if query.TopK > 0 && len(results) > query.TopK {
		results = results[:query.TopK]
	}
	return results, nil
}

func (m *MemoryChunks) insertLocked(documentID string, p Prepared, sequence int, now time.Time) *knowledge.Chunk {
	chunk := &knowledge.Chunk{
		ID:                  uuid.NewString(),
		DocumentID:          documentID,
		Content:             p.Content,
		Sequence:            sequence,
		Embedding:           p.Embedding,
		EmbeddedContentHash: p.Hash,
		Metadata:            p.Metadata,
		Enabled:             true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.chunks[chunk.ID] = chunk
	m.order[documentID] = append(m.order[documentID], chunk.ID)
	return chunk
}

func (m *MemoryChunks) maxSequenceLocked(documentID string) int {
	ids := m.order[documentID]
	if len(ids) == 0 {
		return 0
	}
	return m.chunks[ids[len(ids)-1]].Sequence
}

func (m *MemoryChunks) deleteAllLocked(documentID string) int {
	ids := m.order[documentID]
	for _, id := range ids {
		delete(m.chunks, id)
	}
	delete(m.order, documentID)
	return len(ids)
}

// String describes the store for logs.
func (m *MemoryChunks) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("memory chunk store (%d chunks)", len(m.chunks))
}
