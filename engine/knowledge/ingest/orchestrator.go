package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/chunk"
	"github.com/crmkit/knowledge/engine/knowledge/embedder"
	"github.com/crmkit/knowledge/engine/knowledge/store"
	"github.com/crmkit/knowledge/pkg/logger"
)

// Dependencies are the collaborators of an Orchestrator. Splitter and
// Locker default to chunk.NewSplitter and an in-process locker.
type Dependencies struct {
	Splitter  *chunk.Splitter
	Embedder  embedder.Embedder
	Chunks    store.ChunkStore
	Documents store.DocumentStore
	Locker    Locker
}

// Orchestrator drives documents through SPLITTING, EMBEDDING and PERSISTING.
type Orchestrator struct {
	splitter *chunk.Splitter
	embedder embedder.Embedder
	chunks   store.ChunkStore
	docs     store.DocumentStore
	locker   Locker
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
}

func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if deps.Embedder == nil {
		return nil, errors.New("ingest: embedder is required")
	}
	if deps.Chunks == nil {
		return nil, errors.New("ingest: chunk store is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("ingest: document store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		splitter: deps.Splitter,
		embedder: deps.Embedder,
		chunks:   deps.Chunks,
		docs:     deps.Documents,
		locker:   deps.Locker,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("crmkit.knowledge.ingest"),
	}
	if o.splitter == nil {
		o.splitter = chunk.NewSplitter()
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	return o, nil
}

// Ingest regenerates the chunks of a document. The returned report is
// non-nil whenever the run started, including failed runs.
func (o *Orchestrator) Ingest(ctx context.Context, documentID string, opts Options) (*Report, error) {
	opts, err := opts.normalized()
	if err != nil {
		return nil, err
	}
	release, err := o.locker.Acquire(ctx, LockKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("ingest: lock document %s: %w", documentID, err)
	}
	defer o.release(ctx, documentID, release)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	session, err := NewSession(documentID, opts.Chunking, o.now)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("document_id", documentID, "session_id", session.ID.String())
	ctx = logger.ContextWithLogger(ctx, log)
	ctx, span := o.tracer.Start(ctx, "crmkit.knowledge.ingest.run", trace.WithAttributes(
		attribute.String("document_id", documentID),
		attribute.String("method", string(opts.Chunking.Method)),
		attribute.String("mode", string(opts.Mode)),
		attribute.String("policy", string(opts.Policy)),
	))
	report := &Report{
		SessionID:        session.ID.String(),
		DocumentID:       documentID,
		Requested:        opts.Chunking.Method,
		Method:           opts.Chunking.Method,
		Mode:             opts.Mode,
		Policy:           opts.Policy,
		FailedEmbeddings: []int{},
	}
	log.Info("Knowledge ingestion started", "method", opts.Chunking.Method, "mode", opts.Mode, "policy", opts.Policy)
	runErr := o.run(ctx, session, opts, report)
	o.finish(ctx, span, session, report, runErr)
	return report, runErr
}

func (o *Orchestrator) run(ctx context.Context, session *Session, opts Options, report *Report) error {
	documentID := session.DocumentID
	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		return o.fail(session, err)
	}
	result, err := o.splitter.Generate(ctx, doc.Content, opts.Chunking)
	if err != nil {
		return o.fail(session, &knowledge.SplitError{DocumentID: documentID, Method: opts.Chunking.Method, Err: err})
	}
	report.Method = result.Method
	report.Notice = result.Notice
	report.Total = len(result.Chunks)
	if len(result.Chunks) == 0 {
		return o.fail(session, &knowledge.SplitError{
			DocumentID: documentID,
			Method:     opts.Chunking.Method,
			Err:        knowledge.ErrNoChunks,
		})
	}
	if err := session.Advance(StateEmbedding); err != nil {
		return o.fail(session, err)
	}
	vectors, failed, err := o.embedAll(ctx, result.Chunks, opts.Policy)
	if err != nil {
		return o.fail(session, err)
	}
	report.FailedEmbeddings = failed
	if err := session.Advance(StatePersisting); err != nil {
		return o.fail(session, err)
	}
	drafts := buildDrafts(result, opts.Chunking, vectors)
	var inserted int
	if opts.Mode == ModeAppend {
		inserted, err = o.chunks.BulkInsert(ctx, documentID, drafts)
	} else {
		inserted, err = o.chunks.ReplaceAll(ctx, documentID, drafts)
	}
	if err != nil {
		return o.fail(session, asPersistenceError(err, "persist_chunks", documentID, false))
	}
	report.Inserted = inserted
	if err := o.docs.SetChunkingMethod(ctx, documentID, result.Method); err != nil {
		return o.fail(session, asPersistenceError(err, "set_chunking_method", documentID, true))
	}
	return session.Advance(StateDone)
}

func (o *Orchestrator) fail(session *Session, err error) error {
	session.Fail(err)
	return err
}

func (o *Orchestrator) finish(
	ctx context.Context,
	span trace.Span,
	session *Session,
	report *Report,
	runErr error,
) {
	report.State = session.State
	report.Duration = session.Duration()
	log := logger.FromContext(ctx)
	outcome := "success"
	if runErr != nil {
		outcome = "error"
		report.Error = runErr.Error()
		if n := len(session.Transitions); n > 0 {
			report.FailedIn = session.Transitions[n-1].From
		}
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Error("Knowledge ingestion failed", "state", report.FailedIn, "error", runErr)
	} else {
		knowledge.RecordIngestChunks(ctx, report.Method, report.Inserted)
		log.Info("Knowledge ingestion finished", "summary", report.Summary())
	}
	knowledge.RecordIngestDuration(ctx, report.Method, outcome, report.Duration)
	span.SetAttributes(
		attribute.Int("chunks", report.Total),
		attribute.Int("inserted", report.Inserted),
		attribute.Int("failed_embeddings", len(report.FailedEmbeddings)),
	)
	span.End()
}

func (o *Orchestrator) release(ctx context.Context, documentID string, release ReleaseFunc) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		logger.FromContext(ctx).Warn("Failed to release ingestion lock", "document_id", documentID, "error", err)
	}
}

// embedAll embeds texts with bounded parallelism. Vectors are written by
// index so their order follows the splitter output. Under PolicyAbort the
// first failure cancels the rest; otherwise failed indexes are collected.
func (o *Orchestrator) embedAll(ctx context.Context, texts []string, policy Policy) ([][]float32, []int, error) {
	vectors := make([][]float32, len(texts))
	failed := make([]int, 0)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i := range texts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			vector, err := o.embedOne(gctx, texts[i])
			if err == nil {
				vectors[i] = vector
				return nil
			}
			embErr := asEmbeddingError(gctx, err).ForChunk(i + 1)
			knowledge.RecordEmbeddingFailure(ctx, embErr.Kind)
			if policy == PolicyAbort || embErr.Kind == knowledge.EmbeddingCanceled || ctx.Err() != nil {
				return embErr
			}
			logger.FromContext(ctx).Warn("Chunk embedding failed; storing without vector", "index", i+1, "kind", embErr.Kind)
			mu.Lock()
			failed = append(failed, i+1)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, asEmbeddingError(ctx, err)
	}
	sort.Ints(failed)
	return vectors, failed, nil
}

// embedOne calls the embedder with a per-call timeout, retrying retryable
// failures with capped exponential backoff.
func (o *Orchestrator) embedOne(ctx context.Context, text string) ([]float32, error) {
	backoff := retry.NewExponential(o.cfg.BaseBackoff)
	backoff = retry.WithCappedDuration(o.cfg.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), backoff)
	return retry.DoValue(ctx, backoff, func(ctx context.Context) ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.EmbedTimeout)
		defer cancel()
		vector, err := o.embedder.Embed(callCtx, text)
		if err != nil {
			if knowledge.IsRetryable(err) && ctx.Err() == nil {
				return nil, retry.RetryableError(err)
			}
			return nil, err
		}
		return vector, nil
	})
}

// AddChunk embeds content and appends it to the document as a manual chunk.
func (o *Orchestrator) AddChunk(ctx context.Context, documentID string, content string) (*knowledge.Chunk, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, &knowledge.PersistenceError{Op: "add_chunk", DocumentID: documentID, Err: knowledge.ErrEmptyContent}
	}
	if _, err := o.docs.Get(ctx, documentID); err != nil {
		return nil, err
	}
	vector, err := o.embedOne(ctx, trimmed)
	if err != nil {
		embErr := asEmbeddingError(ctx, err)
		knowledge.RecordEmbeddingFailure(ctx, embErr.Kind)
		return nil, embErr
	}
	return o.chunks.AddChunk(ctx, documentID, knowledge.ChunkDraft{
		Content:   trimmed,
		Embedding: vector,
		Metadata:  map[string]any{knowledge.MetaManual: true},
	})
}

// ReembedStale recomputes embeddings of chunks that are missing one or whose
// content changed since they were embedded. Individual failures are reported
// rather than aborting the run.
func (o *Orchestrator) ReembedStale(ctx context.Context, documentID string) (*ReembedReport, error) {
	release, err := o.locker.Acquire(ctx, LockKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("ingest: lock document %s: %w", documentID, err)
	}
	defer o.release(ctx, documentID, release)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()
	if _, err := o.docs.Get(ctx, documentID); err != nil {
		return nil, err
	}
	all, err := o.chunks.List(ctx, documentID, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	candidates := make([]knowledge.Chunk, 0)
	for i := range all {
		if all[i].NeedsEmbedding() || all[i].EmbeddingStale() {
			candidates = append(candidates, all[i])
		}
	}
	report := &ReembedReport{DocumentID: documentID, Candidates: len(candidates), Failed: []int{}}
	if len(candidates) == 0 {
		return report, nil
	}
	texts := make([]string, len(candidates))
	for i := range candidates {
		texts[i] = candidates[i].Content
	}
	vectors, failed, err := o.embedAll(ctx, texts, PolicyNullEmbedding)
	if err != nil {
		return nil, err
	}
	for _, idx := range failed {
		report.Failed = append(report.Failed, candidates[idx-1].Sequence)
	}
	for i := range candidates {
		if vectors[i] == nil {
			continue
		}
		if err := o.chunks.UpdateEmbedding(ctx, candidates[i].ID, vectors[i]); err != nil {
			return report, asPersistenceError(err, "update_embedding", documentID, report.Updated > 0)
		}
		report.Updated++
	}
	logger.FromContext(ctx).Info(
		"Stale chunks re-embedded",
		"document_id", documentID,
		"candidates", report.Candidates,
		"updated", report.Updated,
		"failed", len(report.Failed),
	)
	return report, nil
}

func buildDrafts(result *chunk.Result, requested knowledge.ChunkingOptions, vectors [][]float32) []knowledge.ChunkDraft {
	effective := requested
	if result.Method != requested.Method {
		effective = knowledge.ChunkingOptions{Method: result.Method}.WithDefaults()
	}
	params := effective.Params()
	total := len(result.Chunks)
	drafts := make([]knowledge.ChunkDraft, total)
	for i, content := range result.Chunks {
		meta := make(map[string]any, len(params)+4)
		for k, v := range params {
			meta[k] = v
		}
		meta[knowledge.MetaChunkingMethod] = string(result.Method)
		meta[knowledge.MetaIndex] = i + 1
		meta[knowledge.MetaTotalChunks] = total
		if vectors[i] == nil {
			meta[knowledge.MetaNeedsEmbedding] = true
		}
		drafts[i] = knowledge.ChunkDraft{Content: content, Embedding: vectors[i], Metadata: meta}
	}
	return drafts
}

func asEmbeddingError(ctx context.Context, err error) *knowledge.EmbeddingError {
	var embErr *knowledge.EmbeddingError
	if errors.As(err, &embErr) {
		return embErr
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return knowledge.NewEmbeddingError(knowledge.EmbeddingCanceled, err)
	default:
		return knowledge.NewEmbeddingError(knowledge.EmbeddingTransient, err)
	}
}

func asPersistenceError(err error, op, documentID string, partial bool) error {
	var perr *knowledge.PersistenceError
	if errors.As(err, &perr) {
		if partial && !perr.Partial {
			cp := *perr
			cp.Partial = true
			return &cp
		}
		return err
	}
	return &knowledge.PersistenceError{Op: op, DocumentID: documentID, Partial: partial, Err: err}
}
