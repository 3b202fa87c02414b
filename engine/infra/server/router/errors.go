package router

import (
	"errors"
	"net/http"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
)

// Problem codes returned in the "code" member of error responses.
const (
	ErrInternalCode          = "internal_error"
	ErrBadRequestCode        = "bad_request"
	ErrBodyTooLargeCode      = "body_too_large"
	ErrValidationCode        = "validation_failed"
	ErrOwnerMissingCode      = "owner_missing"
	ErrIDMissingCode         = "id_missing"
	ErrDocumentNotFoundCode  = "document_not_found"
	ErrChunkNotFoundCode     = "chunk_not_found"
	ErrDocumentBusyCode      = "document_busy"
	ErrSplitFailedCode       = "split_failed"
	ErrEmbeddingFailedCode   = "embedding_failed"
	ErrEmbeddingRateCode     = "embedding_rate_limited"
	ErrPersistenceCode       = "persistence_failed"
	ErrRetrievalCode         = "retrieval_failed"
	ErrInvalidQueryCode      = "invalid_query"
	ErrSourceUnavailableCode = "source_unavailable"
	ErrRateLimitedCode       = "rate_limited"
)

// ProblemFromError maps a domain error onto an HTTP problem. The order of the
// checks matters: busy and typed failures win over the generic not-found and
// persistence mappings.
func ProblemFromError(err error) *core.Problem {
	status, code := classify(err)
	return &core.Problem{
		Status: status,
		Detail: err.Error(),
		Extras: map[string]any{"code": code},
	}
}

func classify(err error) (int, string) {
	var (
		splitErr     *knowledge.SplitError
		embeddingErr *knowledge.EmbeddingError
		retrievalErr *knowledge.RetrievalError
		persistErr   *knowledge.PersistenceError
	)
	switch {
	case errors.Is(err, knowledge.ErrDocumentBusy):
		return http.StatusConflict, ErrDocumentBusyCode
	case errors.As(err, &splitErr):
		return http.StatusUnprocessableEntity, ErrSplitFailedCode
	case errors.As(err, &embeddingErr):
		if embeddingErr.Kind == knowledge.EmbeddingRateLimit {
			return http.StatusTooManyRequests, ErrEmbeddingRateCode
		}
		return http.StatusBadGateway, ErrEmbeddingFailedCode
	case errors.As(err, &retrievalErr) && retrievalErr.InvalidInput():
		return http.StatusBadRequest, ErrInvalidQueryCode
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		return http.StatusNotFound, ErrDocumentNotFoundCode
	case errors.Is(err, knowledge.ErrChunkNotFound):
		return http.StatusNotFound, ErrChunkNotFoundCode
	case errors.Is(err, knowledge.ErrEmptyContent), errors.Is(err, knowledge.ErrDimensionMismatch):
		return http.StatusBadRequest, ErrValidationCode
	case errors.As(err, &persistErr):
		return http.StatusInternalServerError, ErrPersistenceCode
	case errors.As(err, &retrievalErr):
		return http.StatusInternalServerError, ErrRetrievalCode
	default:
		return http.StatusInternalServerError, ErrInternalCode
	}
}
