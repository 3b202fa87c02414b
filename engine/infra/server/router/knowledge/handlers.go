package knowledgerouter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/infra/server/appstate"
	"github.com/crmkit/knowledge/engine/infra/server/router"
	"github.com/crmkit/knowledge/engine/infra/server/routes"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/engine/knowledge/retriever"
	"github.com/crmkit/knowledge/engine/knowledge/source"
	"github.com/crmkit/knowledge/engine/knowledge/store"
)

// createDocument handles POST /documents.
//
// @Summary Create document
// @Description Create a document from inline content, by fetching source_url, or empty for manual chunks.
// @Tags documents
// @Accept json
// @Produce json
// @Param X-Owner-ID header string true "Tenant scope"
// @Param payload body knowledgerouter.CreateDocumentRequest true "Document"
// @Success 201 {object} router.Response{data=knowledgerouter.DocumentResponse}
// @Header 201 {string} Location "Relative URL for the document"
// @Failure 400 {object} core.ProblemDocument "Invalid request"
// @Failure 502 {object} core.ProblemDocument "Source could not be fetched"
// @Router /documents [post]
func createDocument(c *gin.Context) {
	state := router.GetAppState(c)
	if state == nil {
		return
	}
	owner := router.OwnerID(c)
	if owner == "" {
		return
	}
	body := router.GetRequestBody[CreateDocumentRequest](c)
	if body == nil {
		return
	}
	doc := &knowledge.Document{
		OwnerID:   owner,
		Title:     strings.TrimSpace(body.Title),
		Content:   body.Content,
		FileType:  body.FileType,
		SourceRef: body.SourceRef,
	}
	if body.SourceURL != "" {
		if !loadFromURL(c, state, body.SourceURL, doc) {
			return
		}
	}
	// Content may stay empty; chunks can be added manually afterwards.
	if doc.Title == "" {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrValidationCode,
			"title is required when no source_url is given")
		return
	}
	created, err := state.Documents.Create(c.Request.Context(), doc)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	c.Header("Location", routes.Document(created.ID))
	router.RespondCreated(c, "document created", DocumentResponse{Document: created})
}

func loadFromURL(c *gin.Context, state *appstate.State, rawURL string, doc *knowledge.Document) bool {
	if state.Loader == nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrSourceUnavailableCode,
			"remote sources are not enabled")
		return false
	}
	loaded, err := state.Loader.LoadURL(c.Request.Context(), rawURL)
	if err != nil {
		respondSourceError(c, err)
		return false
	}
	doc.Content = loaded.Content
	doc.FileType = loaded.FileType
	doc.SourceRef = loaded.SourceRef
	if doc.Title == "" {
		doc.Title = loaded.Title
	}
	return true
}

func respondSourceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, source.ErrTooLarge):
		router.RespondProblemWithCode(c, http.StatusRequestEntityTooLarge, router.ErrSourceUnavailableCode, err.Error())
	case errors.Is(err, source.ErrUnsupportedType):
		router.RespondProblemWithCode(c, http.StatusUnsupportedMediaType, router.ErrSourceUnavailableCode, err.Error())
	case errors.Is(err, source.ErrEmptyContent):
		router.RespondProblemWithCode(c, http.StatusUnprocessableEntity, router.ErrSourceUnavailableCode, err.Error())
	default:
		router.RespondProblemWithCode(c, http.StatusBadGateway, router.ErrSourceUnavailableCode, err.Error())
	}
}

// listDocuments handles GET /documents. Content is omitted from the listing.
func listDocuments(c *gin.Context) {
	state := router.GetAppState(c)
	if state == nil {
		return
	}
	owner := router.OwnerID(c)
	if owner == "" {
		return
	}
	docs, err := state.Documents.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	for i := range docs {
		docs[i].Content = ""
	}
	router.RespondOK(c, "documents retrieved", DocumentListResponse{Documents: docs})
}

// getDocument handles GET /documents/{id}.
//
// @Summary Get document
// @Tags documents
// @Produce json
// @Param X-Owner-ID header string true "Tenant scope"
// @Param id path string true "Document ID"
// @Success 200 {object} router.Response{data=knowledgerouter.DocumentResponse}
// @Header 200 {string} ETag "Strong entity tag"
// @Failure 404 {object} core.ProblemDocument "Document not found"
// @Router /documents/{id} [get]
func getDocument(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	etag := documentETag(doc)
	notModified, err := router.IfNoneMatch(c.GetHeader("If-None-Match"), etag)
	if err != nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrBadRequestCode, "invalid If-None-Match header")
		return
	}
	c.Header("ETag", strconv.Quote(etag))
	if notModified {
		c.Status(http.StatusNotModified)
		return
	}
	router.RespondOK(c, "document retrieved", DocumentResponse{Document: doc})
}

func documentETag(doc *knowledge.Document) string {
	return core.ETagFromAny(map[string]any{
		"id":              doc.ID,
		"title":           doc.Title,
		"content":         core.HashText(doc.Content),
		"chunking_method": string(doc.ChunkingMethod),
		"updated_at":      doc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ingestDocument handles POST /documents/{id}/ingest.
//
// @Summary Regenerate chunks
// @Description Split, embed and persist the document chunks. The report is
// @Description attached to error responses when the run started.
// @Tags documents
// @Accept json
// @Produce json
// @Param X-Owner-ID header string true "Tenant scope"
// @Param id path string true "Document ID"
// @Param payload body knowledgerouter.IngestRequest false "Chunking options"
// @Success 200 {object} router.Response{data=knowledgerouter.IngestResponse}
// @Failure 409 {object} core.ProblemDocument "Regeneration already running"
// @Failure 422 {object} core.ProblemDocument "Split failed"
// @Failure 502 {object} core.ProblemDocument "Embedding provider failed"
// @Router /documents/{id}/ingest [post]
func ingestDocument(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	body := &IngestRequest{}
	if c.Request.ContentLength != 0 {
		if body = router.GetRequestBody[IngestRequest](c); body == nil {
			return
		}
	}
	opts := ingestOptions(body, state.Defaults)
	if err := opts.Chunking.WithDefaults().Validate(); err != nil {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrValidationCode, err.Error())
		return
	}
	report, err := state.Orchestrator.Ingest(c.Request.Context(), doc.ID, opts)
	if err != nil {
		problem := router.ProblemFromError(err)
		if report != nil {
			problem.Extras["report"] = report
		}
		router.RespondProblem(c, problem)
		return
	}
	router.RespondOK(c, "document ingested", IngestResponse{Report: report, Summary: report.Summary()})
}

func ingestOptions(body *IngestRequest, defaults appstate.Defaults) ingest.Options {
	return defaults.ApplyTo(ingest.Options{
		Chunking: knowledge.ChunkingOptions{
			Method:      knowledge.ChunkingMethod(strings.ToLower(body.Method)),
			Separator:   body.Separator,
			HeaderDepth: body.HeaderDepth,
			ChunkSize:   body.ChunkSize,
		},
		Mode:   ingest.Mode(body.Mode),
		Policy: ingest.Policy(body.Policy),
	})
}

// reembedDocument handles POST /documents/{id}/reembed.
func reembedDocument(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	report, err := state.Orchestrator.ReembedStale(c.Request.Context(), doc.ID)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "stale chunks re-embedded", ReembedResponse{Report: report})
}

// listChunks handles GET /documents/{id}/chunks?q=&enabled_only=.
func listChunks(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	enabledOnly, ok := router.QueryBool(c, "enabled_only")
	if !ok {
		return
	}
	chunks, err := state.Chunks.List(c.Request.Context(), doc.ID, store.ListFilter{
		SearchText:  strings.TrimSpace(c.Query("q")),
		EnabledOnly: enabledOnly,
	})
	if err != nil {
		router.RespondError(c, err)
		return
	}
	out := make([]ChunkDTO, 0, len(chunks))
	for i := range chunks {
		out = append(out, toChunkDTO(&chunks[i]))
	}
	router.RespondOK(c, "chunks retrieved", ChunkListResponse{Chunks: out})
}

// addChunk handles POST /documents/{id}/chunks.
func addChunk(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	body := router.GetRequestBody[AddChunkRequest](c)
	if body == nil {
		return
	}
	chunk, err := state.Orchestrator.AddChunk(c.Request.Context(), doc.ID, body.Content)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("%s/%s", routes.Chunks(), chunk.ID))
	router.RespondCreated(c, "chunk added", ChunkResponse{Chunk: toChunkDTO(chunk)})
}

// deleteChunks handles DELETE /documents/{id}/chunks.
func deleteChunks(c *gin.Context) {
	state, doc := ownedDocument(c)
	if state == nil {
		return
	}
	deleted, err := state.Chunks.DeleteAll(c.Request.Context(), doc.ID)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "chunks deleted", DeleteChunksResponse{Deleted: deleted})
}

// updateChunk handles PATCH /chunks/{id}. The stored embedding is kept and
// the chunk is reported stale until re-embedded.
func updateChunk(c *gin.Context) {
	state, chunk := ownedChunk(c)
	if state == nil {
		return
	}
	body := router.GetRequestBody[UpdateChunkRequest](c)
	if body == nil {
		return
	}
	updated, err := state.Chunks.UpdateContent(c.Request.Context(), chunk.ID, body.Content)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "chunk updated", ChunkResponse{Chunk: toChunkDTO(updated)})
}

// setChunkEnabled handles PATCH /chunks/{id}/enabled.
func setChunkEnabled(c *gin.Context) {
	state, chunk := ownedChunk(c)
	if state == nil {
		return
	}
	body := router.GetRequestBody[SetEnabledRequest](c)
	if body == nil {
		return
	}
	if err := state.Chunks.SetEnabled(c.Request.Context(), chunk.ID, *body.Enabled); err != nil {
		router.RespondError(c, err)
		return
	}
	chunk.Enabled = *body.Enabled
	router.RespondOK(c, "chunk updated", ChunkResponse{Chunk: toChunkDTO(chunk)})
}

// deleteChunk handles DELETE /chunks/{id}.
func deleteChunk(c *gin.Context) {
	state, chunk := ownedChunk(c)
	if state == nil {
		return
	}
	if err := state.Chunks.Delete(c.Request.Context(), chunk.ID); err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondNoContent(c)
}

// search handles POST /search.
//
// @Summary Similarity search
// @Description Embed the query and return the top matching enabled chunks of the tenant.
// @Tags search
// @Accept json
// @Produce json
// @Param X-Owner-ID header string true "Tenant scope"
// @Param payload body knowledgerouter.SearchRequest true "Query"
// @Success 200 {object} router.Response{data=knowledgerouter.SearchResponse}
// @Failure 400 {object} core.ProblemDocument "Invalid query"
// @Failure 502 {object} core.ProblemDocument "Embedding provider failed"
// @Router /search [post]
func search(c *gin.Context) {
	state := router.GetAppState(c)
	if state == nil {
		return
	}
	owner := router.OwnerID(c)
	if owner == "" {
		return
	}
	body := router.GetRequestBody[SearchRequest](c)
	if body == nil {
		return
	}
	threshold := state.Defaults.Threshold
	if body.Threshold != nil {
		threshold = *body.Threshold
	}
	topK := body.TopK
	if topK == 0 {
		topK = state.Defaults.TopK
	}
	if topK > state.Defaults.MaxTopK {
		router.RespondProblemWithCode(c, http.StatusBadRequest, router.ErrInvalidQueryCode,
			fmt.Sprintf("top_k %d exceeds the maximum of %d", topK, state.Defaults.MaxTopK))
		return
	}
	results, err := state.Retriever.Query(c.Request.Context(), retriever.QueryRequest{
		OwnerID:    owner,
		DocumentID: strings.TrimSpace(body.DocumentID),
		Text:       body.Query,
		Threshold:  threshold,
		TopK:       topK,
		MaxTokens:  body.MaxTokens,
	})
	if err != nil {
		router.RespondError(c, err)
		return
	}
	if results == nil {
		results = []knowledge.RetrievalResult{}
	}
	router.RespondOK(c, "search completed", SearchResponse{Results: results})
}

// ownedDocument loads the path document and hides documents of other
// tenants behind a 404.
func ownedDocument(c *gin.Context) (*appstate.State, *knowledge.Document) {
	state := router.GetAppState(c)
	if state == nil {
		return nil, nil
	}
	owner := router.OwnerID(c)
	if owner == "" {
		return nil, nil
	}
	id := router.GetURLParam(c, "id")
	if id == "" {
		return nil, nil
	}
	doc, err := state.Documents.Get(c.Request.Context(), id)
	if err != nil {
		router.RespondError(c, err)
		return nil, nil
	}
	if doc.OwnerID != owner {
		router.RespondError(c, knowledge.ErrDocumentNotFound)
		return nil, nil
	}
	return state, doc
}

func ownedChunk(c *gin.Context) (*appstate.State, *knowledge.Chunk) {
	state := router.GetAppState(c)
	if state == nil {
		return nil, nil
	}
	owner := router.OwnerID(c)
	if owner == "" {
		return nil, nil
	}
	id := router.GetURLParam(c, "id")
	if id == "" {
		return nil, nil
	}
	chunk, err := state.Chunks.Get(c.Request.Context(), id)
	if err != nil {
		router.RespondError(c, err)
		return nil, nil
	}
	doc, err := state.Documents.Get(c.Request.Context(), chunk.DocumentID)
	if err != nil || doc.OwnerID != owner {
		router.RespondError(c, knowledge.ErrChunkNotFound)
		return nil, nil
	}
	return state, chunk
}
