package postgres

import (
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// translate maps driver errors onto knowledge sentinels. Malformed ids are
// reported as not found because ids are opaque to callers.
func translate(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if pgxscan.NotFound(err) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			return errors.Join(knowledge.ErrDocumentNotFound, err)
		case pgerrcode.InvalidTextRepresentation:
			return errors.Join(notFound, err)
		case pgerrcode.CheckViolation:
			return errors.Join(knowledge.ErrEmptyContent, err)
		case pgerrcode.DataException:
			return errors.Join(knowledge.ErrDimensionMismatch, err)
		}
	}
	return err
}

func persistErr(op, documentID, chunkID string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	return &knowledge.PersistenceError{
		Op:         op,
		DocumentID: documentID,
		ChunkID:    chunkID,
		Err:        translate(err, notFound),
	}
}
