package retriever

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/embedder"
	"github.com/crmkit/knowledge/engine/knowledge/store"
	"github.com/crmkit/knowledge/pkg/logger"
)

// StalePolicy decides how chunks whose embedding predates their content are
// ranked.
type StalePolicy string

const (
	StaleInclude  StalePolicy = "include"
	StaleSkip     StalePolicy = "skip"
	StalePenalize StalePolicy = "penalize"
)

const (
	DefaultStalePenalty = 0.8
	penalizeOverfetch   = 3
)

// ParseStalePolicy accepts the policy names used in configuration.
func ParseStalePolicy(value string) (StalePolicy, error) {
	switch p := StalePolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return StaleInclude, nil
	case StaleInclude, StaleSkip, StalePenalize:
		return p, nil
	default:
		return "", fmt.Errorf("knowledge: unknown stale policy %q", value)
	}
}

type TokenEstimator interface {
	EstimateTokens(ctx context.Context, text string) int
}

type runeEstimator struct{}

func (r runeEstimator) EstimateTokens(_ context.Context, text string) int {
	count := len([]rune(text))
	if count == 0 {
		return 0
	}
	tokens := count / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// CounterEstimator adapts an embedder.TokenCounter, falling back to the
// rune heuristic when the tokenizer is unavailable.
type CounterEstimator struct {
	Counter embedder.TokenCounter
}

func (e CounterEstimator) EstimateTokens(ctx context.Context, text string) int {
	if e.Counter != nil {
		if n, err := e.Counter.CountTokens(ctx, text); err == nil {
			return n
		}
	}
	return runeEstimator{}.EstimateTokens(ctx, text)
}

// Request is a similarity search with a precomputed query vector.
// MaxTokens, when positive, drops the lowest ranked results until the
// estimated token total fits.
type Request struct {
	OwnerID    string
	DocumentID string
	Vector     []float32
	Threshold  float64
	TopK       int
	MaxTokens  int
}

// QueryRequest is a similarity search from raw query text.
type QueryRequest struct {
	OwnerID    string
	DocumentID string
	Text       string
	Threshold  float64
	TopK       int
	MaxTokens  int
}

type Option func(*Service)

// WithStalePolicy sets the stale policy; penalty applies to StalePenalize and
// must be in (0,1].
func WithStalePolicy(policy StalePolicy, penalty float64) Option {
	return func(s *Service) {
		s.stalePolicy = policy
		if penalty > 0 && penalty <= 1 {
			s.stalePenalty = penalty
		}
	}
}

func WithTokenEstimator(estimator TokenEstimator) Option {
	return func(s *Service) {
		if estimator != nil {
			s.estimator = estimator
		}
	}
}

type Service struct {
	embedder     embedder.Embedder
	chunks       store.ChunkStore
	estimator    TokenEstimator
	stalePolicy  StalePolicy
	stalePenalty float64
	tracer       trace.Tracer
}

func NewService(emb embedder.Embedder, chunks store.ChunkStore, opts ...Option) (*Service, error) {
	if emb == nil {
		return nil, errors.New("knowledge: retriever embedder is required")
	}
	if chunks == nil {
		return nil, errors.New("knowledge: retriever chunk store is required")
	}
	s := &Service{
		embedder:     emb,
		chunks:       chunks,
		estimator:    runeEstimator{},
		stalePolicy:  StaleInclude,
		stalePenalty: DefaultStalePenalty,
		tracer:       otel.Tracer("crmkit.knowledge.retriever"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := ParseStalePolicy(string(s.stalePolicy)); err != nil {
		return nil, err
	}
	return s, nil
}

// Query embeds the text and runs Search with the resulting vector.
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]knowledge.RetrievalResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &knowledge.RetrievalError{Op: "query", Err: fmt.Errorf("%w: query text is required", knowledge.ErrInvalidQuery)}
	}
	if err := validateBounds(req.OwnerID, req.Threshold, req.TopK); err != nil {
		return nil, err
	}
	vector, err := s.embedQuery(ctx, req.Text)
	if err != nil {
		return nil, &knowledge.RetrievalError{Op: "embed_query", Err: err}
	}
	return s.Search(ctx, Request{
		OwnerID:    req.OwnerID,
		DocumentID: req.DocumentID,
		Vector:     vector,
		Threshold:  req.Threshold,
		TopK:       req.TopK,
		MaxTokens:  req.MaxTokens,
	})
}

// Search returns at most TopK enabled chunks scoring at least Threshold,
// ordered by score desc then sequence asc.
func (s *Service) Search(ctx context.Context, req Request) (results []knowledge.RetrievalResult, err error) {
	if err := validateBounds(req.OwnerID, req.Threshold, req.TopK); err != nil {
		return nil, err
	}
	if len(req.Vector) == 0 {
		return nil, &knowledge.RetrievalError{Op: "validate", Err: fmt.Errorf("%w: query vector is empty", knowledge.ErrInvalidQuery)}
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "crmkit.knowledge.retriever.search", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID),
		attribute.String("document_id", req.DocumentID),
		attribute.Int("top_k", req.TopK),
		attribute.Float64("threshold", req.Threshold),
		attribute.String("stale_policy", string(s.stalePolicy)),
	))
	defer s.finishSearch(ctx, req, span, start, &results, &err)

	query := store.SearchQuery{
		OwnerID:      req.OwnerID,
		Vector:       req.Vector,
		Threshold:    req.Threshold,
		TopK:         req.TopK,
		ExcludeStale: s.stalePolicy == StaleSkip,
	}
	if req.DocumentID != "" {
		query.DocumentIDs = []string{req.DocumentID}
	}
	if s.stalePolicy == StalePenalize {
		query.TopK = req.TopK * penalizeOverfetch
	}
	matches, searchErr := s.chunks.Search(ctx, query)
	if searchErr != nil {
		return nil, &knowledge.RetrievalError{Op: "search", Err: searchErr}
	}
	if s.stalePolicy == StalePenalize {
		matches = s.penalize(matches, req.Threshold)
	}
	store.SortResults(matches)
	if len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}
	matches = s.trimToBudget(ctx, matches, req.MaxTokens)
	if len(matches) == 0 {
		knowledge.RecordRetrievalEmpty(ctx)
		return []knowledge.RetrievalResult{}, nil
	}
	return matches, nil
}

func validateBounds(ownerID string, threshold float64, topK int) error {
	switch {
	case strings.TrimSpace(ownerID) == "":
		return &knowledge.RetrievalError{Op: "validate", Err: fmt.Errorf("%w: owner is required", knowledge.ErrInvalidQuery)}
	case math.IsNaN(threshold) || threshold < 0 || threshold > 1:
		return &knowledge.RetrievalError{
			Op:  "validate",
			Err: fmt.Errorf("%w: threshold %v must be within [0,1]", knowledge.ErrInvalidQuery, threshold),
		}
	case topK <= 0:
		return &knowledge.RetrievalError{
			Op:  "validate",
			Err: fmt.Errorf("%w: top_k %d must be positive", knowledge.ErrInvalidQuery, topK),
		}
	}
	return nil
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	spanCtx, span := s.tracer.Start(ctx, "crmkit.knowledge.retriever.embed_query")
	defer span.End()
	vector, err := s.embedder.Embed(spanCtx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return vector, nil
}

func (s *Service) penalize(matches []knowledge.RetrievalResult, threshold float64) []knowledge.RetrievalResult {
	kept := matches[:0]
	for i := range matches {
		if matches[i].Stale {
			matches[i].Score *= s.stalePenalty
		}
		if matches[i].Score >= threshold {
			kept = append(kept, matches[i])
		}
	}
	return kept
}

func (s *Service) trimToBudget(
	ctx context.Context,
	matches []knowledge.RetrievalResult,
	maxTokens int,
) []knowledge.RetrievalResult {
	if maxTokens <= 0 {
		return matches
	}
	total := 0
	for i := range matches {
		total += s.estimator.EstimateTokens(ctx, matches[i].Content)
		if total > maxTokens {
			return matches[:i]
		}
	}
	return matches
}

func (s *Service) finishSearch(
	ctx context.Context,
	req Request,
	span trace.Span,
	start time.Time,
	results *[]knowledge.RetrievalResult,
	runErr *error,
) {
	duration := time.Since(start)
	knowledge.RecordQueryLatency(ctx, req.DocumentID != "", duration)
	log := logger.FromContext(ctx).With("owner_id", req.OwnerID, "document_id", req.DocumentID)
	if runErr != nil && *runErr != nil {
		err := *runErr
		log.Error("Knowledge retrieval failed", "error", err, "duration_seconds", duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	total := 0
	if results != nil {
		total = len(*results)
	}
	log.Debug("Knowledge retrieval finished", "results", total, "duration_seconds", duration.Seconds())
	span.SetAttributes(attribute.Int("results", total))
	span.End()
}
