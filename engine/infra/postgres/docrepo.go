package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/store"
)

// DB is the minimal database interface the repositories depend on
// (pgxpool or pgxmock).
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var documentColumns = []string{
	"id::text AS id",
	"owner_id",
	"title",
	"content",
	"file_type",
	"source_ref",
	"chunking_method",
	"created_at",
	"updated_at",
}

type documentRow struct {
	ID             string    `db:"id"`
	OwnerID        string    `db:"owner_id"`
	Title          string    `db:"title"`
	Content        string    `db:"content"`
	FileType       string    `db:"file_type"`
	SourceRef      string    `db:"source_ref"`
	ChunkingMethod string    `db:"chunking_method"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *documentRow) toDocument() *knowledge.Document {
	return &knowledge.Document{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Title:          r.Title,
		Content:        r.Content,
		FileType:       r.FileType,
		SourceRef:      r.SourceRef,
		ChunkingMethod: knowledge.ChunkingMethod(r.ChunkingMethod),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// DocumentRepo implements store.DocumentStore on the knowledge_documents table.
type DocumentRepo struct {
	db DB
}

var _ store.DocumentStore = (*DocumentRepo)(nil)

func NewDocumentRepo(db DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *knowledge.Document) (*knowledge.Document, error) {
	if doc == nil {
		return nil, &knowledge.PersistenceError{Op: "create_document", Err: errors.New("document is required")}
	}
	if strings.TrimSpace(doc.OwnerID) == "" {
		return nil, &knowledge.PersistenceError{Op: "create_document", Err: errors.New("owner id is required")}
	}
	fileType := doc.FileType
	if fileType == "" {
		fileType = "text"
	}
	columns := []string{"owner_id", "title", "content", "file_type", "source_ref", "chunking_method"}
	values := []any{doc.OwnerID, doc.Title, doc.Content, fileType, doc.SourceRef, string(doc.ChunkingMethod)}
	if doc.ID != "" {
		columns = append(columns, "id")
		values = append(values, doc.ID)
	}
	query, args, err := squirrel.Insert("knowledge_documents").
		Columns(columns...).
		Values(values...).
		Suffix("RETURNING " + strings.Join(documentColumns, ", ")).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build insert document: %w", err)
	}
	var row documentRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return nil, persistErr("create_document", "", "", err, knowledge.ErrDocumentNotFound)
	}
	return row.toDocument(), nil
}

func (r *DocumentRepo) Get(ctx context.Context, id string) (*knowledge.Document, error) {
	query, args, err := squirrel.Select(documentColumns...).
		From("knowledge_documents").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build get document: %w", err)
	}
	var row documentRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return nil, persistErr("get_document", id, "", err, knowledge.ErrDocumentNotFound)
	}
	return row.toDocument(), nil
}

func (r *DocumentRepo) SetChunkingMethod(ctx context.Context, id string, method knowledge.ChunkingMethod) error {
	query, args, err := squirrel.Update("knowledge_documents").
		Set("chunking_method", string(method)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build set chunking method: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return persistErr("set_chunking_method", id, "", err, knowledge.ErrDocumentNotFound)
	}
	if tag.RowsAffected() == 0 {
		return &knowledge.PersistenceError{Op: "set_chunking_method", DocumentID: id, Err: knowledge.ErrDocumentNotFound}
	}
	return nil
}

func (r *DocumentRepo) ListByOwner(ctx context.Context, ownerID string) ([]knowledge.Document, error) {
	query, args, err := squirrel.Select(documentColumns...).
		From("knowledge_documents").
		Where(squirrel.Eq{"owner_id": ownerID}).
		OrderBy("created_at ASC", "id ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list documents: %w", err)
	}
	var rows []documentRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, persistErr("list_documents", "", "", err, knowledge.ErrDocumentNotFound)
	}
	out := make([]knowledge.Document, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toDocument())
	}
	return out, nil
}
