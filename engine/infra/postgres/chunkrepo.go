package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/store"
	"github.com/crmkit/knowledge/pkg/logger"
)

// insertBatchSize keeps multi-row inserts well below the bind parameter limit.
const insertBatchSize = 500

var chunkColumns = []string{
	"id::text AS id",
	"document_id::text AS document_id",
	"content",
	"sequence",
	"embedding",
	"embedded_content_hash",
	"metadata",
	"enabled",
	"created_at",
	"updated_at",
}

const matchChunksSQL = "SELECT chunk_id::text AS chunk_id, document_id::text AS document_id, " +
	"sequence, content, score, stale " +
	"FROM match_chunks($1::vector, $2, $3, $4, $5::text[]::uuid[], $6)"

var chunkInsertColumns = []string{
	"document_id",
	"content",
	"sequence",
	"embedding",
	"embedded_content_hash",
	"metadata",
}

type chunkRow struct {
	ID                  string           `db:"id"`
	DocumentID          string           `db:"document_id"`
	Content             string           `db:"content"`
	Sequence            int              `db:"sequence"`
	Embedding           *pgvector.Vector `db:"embedding"`
	EmbeddedContentHash *string          `db:"embedded_content_hash"`
	Metadata            []byte           `db:"metadata"`
	Enabled             bool             `db:"enabled"`
	CreatedAt           time.Time        `db:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at"`
}

func (r *chunkRow) toChunk() (*knowledge.Chunk, error) {
	out := &knowledge.Chunk{
		ID:         r.ID,
		DocumentID: r.DocumentID,
		Content:    r.Content,
		Sequence:   r.Sequence,
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Embedding != nil {
		out.Embedding = r.Embedding.Slice()
	}
	if r.EmbeddedContentHash != nil {
		out.EmbeddedContentHash = *r.EmbeddedContentHash
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &out.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of chunk %s: %w", r.ID, err)
		}
	}
	return out, nil
}

type matchRow struct {
	ChunkID    string  `db:"chunk_id"`
	DocumentID string  `db:"document_id"`
	Sequence   int     `db:"sequence"`
	Content    string  `db:"content"`
	Score      float64 `db:"score"`
	Stale      bool    `db:"stale"`
}

// ChunkRepo implements store.ChunkStore on the knowledge_chunks table with a
// pgvector embedding column. Similarity search runs in match_chunks.
type ChunkRepo struct {
	db        DB
	dimension int
}

var _ store.ChunkStore = (*ChunkRepo)(nil)

// NewChunkRepo builds a repository. A positive dimension rejects vectors of
// any other length before they reach the database.
func NewChunkRepo(db DB, dimension int) *ChunkRepo {
	return &ChunkRepo{db: db, dimension: dimension}
}

func vectorArg(vec []float32) any {
	if vec == nil {
		return nil
	}
	return pgvector.NewVector(vec)
}

func hashArg(hash string) any {
	if hash == "" {
		return nil
	}
	return hash
}

func metadataArg(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

// BulkInsert appends drafts after the document's current last sequence.
func (r *ChunkRepo) BulkInsert(ctx context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error) {
	return r.write(ctx, "bulk_insert", documentID, drafts, false)
}

// ReplaceAll deletes the document's chunks and inserts drafts as 1..N in one
// transaction; readers never observe a partially replaced document.
func (r *ChunkRepo) ReplaceAll(ctx context.Context, documentID string, drafts []knowledge.ChunkDraft) (int, error) {
	return r.write(ctx, "replace_all", documentID, drafts, true)
}

func (r *ChunkRepo) write(
	ctx context.Context,
	op string,
	documentID string,
	drafts []knowledge.ChunkDraft,
	replace bool,
) (n int, err error) {
	prepared, err := store.PrepareAll(drafts, r.dimension)
	if err != nil {
		return 0, &knowledge.PersistenceError{Op: op, DocumentID: documentID, Err: err}
	}
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockDocument(ctx, tx, documentID); err != nil {
			return err
		}
		next := 1
		if replace {
			if _, err := tx.Exec(ctx, "DELETE FROM knowledge_chunks WHERE document_id = $1", documentID); err != nil {
				return fmt.Errorf("delete chunks: %w", err)
			}
		} else {
			last, err := maxSequence(ctx, tx, documentID)
			if err != nil {
				return err
			}
			next = last + 1
		}
		return insertPrepared(ctx, tx, documentID, prepared, next)
	})
	if err != nil {
		return 0, persistErr(op, documentID, "", err, knowledge.ErrDocumentNotFound)
	}
	logger.FromContext(ctx).Debug("Chunks written", "op", op, "document_id", documentID, "count", len(prepared))
	return len(prepared), nil
}

func (r *ChunkRepo) AddChunk(ctx context.Context, documentID string, draft knowledge.ChunkDraft) (*knowledge.Chunk, error) {
	p, err := store.Prepare(draft, r.dimension)
	if err != nil {
		return nil, &knowledge.PersistenceError{Op: "add_chunk", DocumentID: documentID, Err: err}
	}
	var row chunkRow
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockDocument(ctx, tx, documentID); err != nil {
			return err
		}
		last, err := maxSequence(ctx, tx, documentID)
		if err != nil {
			return err
		}
		meta, err := metadataArg(p.Metadata)
		if err != nil {
			return err
		}
		query, args, err := squirrel.Insert("knowledge_chunks").
			Columns(chunkInsertColumns...).
			Values(documentID, p.Content, last+1, vectorArg(p.Embedding), hashArg(p.Hash), meta).
			Suffix("RETURNING " + strings.Join(chunkColumns, ", ")).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert chunk: %w", err)
		}
		return pgxscan.Get(ctx, tx, &row, query, args...)
	})
	if err != nil {
		return nil, persistErr("add_chunk", documentID, "", err, knowledge.ErrDocumentNotFound)
	}
	return row.toChunk()
}

// UpdateContent changes the text only; the stored embedding and its hash are
// left alone so the chunk reads as stale until re-embedded.
func (r *ChunkRepo) UpdateContent(ctx context.Context, chunkID string, content string) (*knowledge.Chunk, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &knowledge.PersistenceError{Op: "update_content", ChunkID: chunkID, Err: knowledge.ErrEmptyContent}
	}
	query, args, err := squirrel.Update("knowledge_chunks").
		Set("content", trimmed).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": chunkID}).
		Suffix("RETURNING " + strings.Join(chunkColumns, ", ")).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build update content: %w", err)
	}
	var row chunkRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return nil, persistErr("update_content", "", chunkID, err, knowledge.ErrChunkNotFound)
	}
	return row.toChunk()
}

func (r *ChunkRepo) UpdateEmbedding(ctx context.Context, chunkID string, vector []float32) error {
	if vector == nil {
		return &knowledge.PersistenceError{Op: "update_embedding", ChunkID: chunkID, Err: errors.New("embedding is required")}
	}
	if err := store.CheckDimension(vector, r.dimension); err != nil {
		return &knowledge.PersistenceError{Op: "update_embedding", ChunkID: chunkID, Err: err}
	}
	var content string
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(
			ctx,
			"SELECT content FROM knowledge_chunks WHERE id = $1 FOR UPDATE",
			chunkID,
		).Scan(&content); err != nil {
			return err
		}
		query, args, err := squirrel.Update("knowledge_chunks").
			Set("embedding", pgvector.NewVector(vector)).
			Set("embedded_content_hash", core.HashText(content)).
			Set("metadata", squirrel.Expr("metadata - ?", knowledge.MetaNeedsEmbedding)).
			Set("updated_at", squirrel.Expr("now()")).
			Where(squirrel.Eq{"id": chunkID}).
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update embedding: %w", err)
		}
		_, err = tx.Exec(ctx, query, args...)
		return err
	})
	return persistErr("update_embedding", "", chunkID, err, knowledge.ErrChunkNotFound)
}

func (r *ChunkRepo) SetEnabled(ctx context.Context, chunkID string, enabled bool) error {
	query, args, err := squirrel.Update("knowledge_chunks").
		Set("enabled", enabled).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": chunkID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build set enabled: %w", err)
	}
	return r.execOne(ctx, "set_enabled", chunkID, query, args...)
}

func (r *ChunkRepo) Delete(ctx context.Context, chunkID string) error {
	return r.execOne(ctx, "delete", chunkID, "DELETE FROM knowledge_chunks WHERE id = $1", chunkID)
}

func (r *ChunkRepo) execOne(ctx context.Context, op, chunkID, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return persistErr(op, "", chunkID, err, knowledge.ErrChunkNotFound)
	}
	if tag.RowsAffected() == 0 {
		return &knowledge.PersistenceError{Op: op, ChunkID: chunkID, Err: knowledge.ErrChunkNotFound}
	}
	return nil
}

func (r *ChunkRepo) DeleteAll(ctx context.Context, documentID string) (int, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM knowledge_chunks WHERE document_id = $1", documentID)
	if err != nil {
		return 0, persistErr("delete_all", documentID, "", err, knowledge.ErrDocumentNotFound)
	}
	return int(tag.RowsAffected()), nil
}

func (r *ChunkRepo) Get(ctx context.Context, chunkID string) (*knowledge.Chunk, error) {
	query, args, err := squirrel.Select(chunkColumns...).
		From("knowledge_chunks").
		Where(squirrel.Eq{"id": chunkID}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build get chunk: %w", err)
	}
	var row chunkRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return nil, persistErr("get", "", chunkID, err, knowledge.ErrChunkNotFound)
	}
	return row.toChunk()
}

func (r *ChunkRepo) List(ctx context.Context, documentID string, filter store.ListFilter) ([]knowledge.Chunk, error) {
	sb := squirrel.Select(chunkColumns...).
		From("knowledge_chunks").
		Where(squirrel.Eq{"document_id": documentID}).
		OrderBy("sequence ASC").
		PlaceholderFormat(squirrel.Dollar)
	if filter.EnabledOnly {
		sb = sb.Where(squirrel.Eq{"enabled": true})
	}
	if text := strings.TrimSpace(filter.SearchText); text != "" {
		sb = sb.Where(squirrel.Expr("strpos(lower(content), lower(?)) > 0", text))
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list chunks: %w", err)
	}
	var rows []chunkRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, persistErr("list", documentID, "", err, knowledge.ErrDocumentNotFound)
	}
	out := make([]knowledge.Chunk, 0, len(rows))
	for i := range rows {
		chunk, err := rows[i].toChunk()
		if err != nil {
			return nil, &knowledge.PersistenceError{Op: "list", DocumentID: documentID, Err: err}
		}
		out = append(out, *chunk)
	}
	return out, nil
}

// Search delegates ranking to match_chunks, which applies the owner scope,
// threshold, ordering and limit.
func (r *ChunkRepo) Search(ctx context.Context, query store.SearchQuery) ([]knowledge.RetrievalResult, error) {
	if err := store.CheckDimension(query.Vector, r.dimension); err != nil {
		return nil, &knowledge.PersistenceError{Op: "search", Err: err}
	}
	if len(query.Vector) == 0 {
		return nil, &knowledge.PersistenceError{Op: "search", Err: knowledge.ErrDimensionMismatch}
	}
	var docIDs any
	if len(query.DocumentIDs) > 0 {
		docIDs = query.DocumentIDs
	}
	limit := query.TopK
	if limit <= 0 {
		limit = 1
	}
	args := []any{pgvector.NewVector(query.Vector), query.Threshold, limit, query.OwnerID, docIDs, query.ExcludeStale}
	var rows []matchRow
	if err := pgxscan.Select(ctx, r.db, &rows, matchChunksSQL, args...); err != nil {
		return nil, persistErr("search", "", "", err, knowledge.ErrDocumentNotFound)
	}
	out := make([]knowledge.RetrievalResult, 0, len(rows))
	for i := range rows {
		out = append(out, knowledge.RetrievalResult{
			ChunkID:    rows[i].ChunkID,
			DocumentID: rows[i].DocumentID,
			Sequence:   rows[i].Sequence,
			Content:    rows[i].Content,
			Score:      rows[i].Score,
			Stale:      rows[i].Stale,
		})
	}
	store.SortResults(out)
	return out, nil
}

func (r *ChunkRepo) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %w; original error: %w", rbErr, err)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lockDocument(ctx context.Context, tx pgx.Tx, documentID string) error {
	var id string
	err := tx.QueryRow(ctx, "SELECT id::text FROM knowledge_documents WHERE id = $1 FOR UPDATE", documentID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return knowledge.ErrDocumentNotFound
	}
	return err
}

func maxSequence(ctx context.Context, tx pgx.Tx, documentID string) (int, error) {
	var last int
	if err := tx.QueryRow(
		ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM knowledge_chunks WHERE document_id = $1",
		documentID,
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}

func insertPrepared(ctx context.Context, tx pgx.Tx, documentID string, prepared []store.Prepared, first int) error {
	for start := 0; start < len(prepared); start += insertBatchSize {
		end := min(start+insertBatchSize, len(prepared))
		ib := squirrel.Insert("knowledge_chunks").Columns(chunkInsertColumns...).PlaceholderFormat(squirrel.Dollar)
		for i := start; i < end; i++ {
			meta, err := metadataArg(prepared[i].Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of chunk %d: %w", i+1, err)
			}
			ib = ib.Values(
				documentID,
				prepared[i].Content,
				first+i,
				vectorArg(prepared[i].Embedding),
				hashArg(prepared[i].Hash),
				meta,
			)
		}
		query, args, err := ib.ToSql()
		if err != nil {
			return fmt.Errorf("build insert chunks: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
	}
	return nil
}
