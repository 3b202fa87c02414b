package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crmkit/knowledge/engine/infra/server"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/engine/knowledge/source"
	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
)

type ingestFlags struct {
	owner       string
	file        string
	root        string
	url         string
	title       string
	method      string
	separator   string
	headerDepth int
	chunkSize   int
	mode        string
	policy      string
}

// IngestCmd chunks and embeds a document, creating it first from --file or
// --url when no document id is given.
func IngestCmd() *cobra.Command {
	flags := &ingestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest [document-id]",
		Short: "Split, embed and store a document's chunks",
		Long: `Ingest an existing document by id, or create documents from local files
(--file, a doublestar glob resolved under --root) or a URL (--url) and ingest them.`,
		Example: `  knowledge ingest 3f2c0a5e-1d7b-4f7e-9a51-5b8c1b2f0c11
  knowledge ingest --owner acme --file "docs/**/*.md" --method header
  knowledge ingest --owner acme --url https://example.com/faq.html`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, flags, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.owner, "owner", "", "Owner (tenant) id for created documents")
	f.StringVar(&flags.file, "file", "", "Glob of local files to create documents from")
	f.StringVar(&flags.root, "root", ".", "Directory --file is resolved under")
	f.StringVar(&flags.url, "url", "", "URL to create a document from")
	f.StringVar(&flags.title, "title", "", "Title for a document created from --url")
	f.StringVar(&flags.method, "method", "", "Chunking method (line_break, paragraph, header, fixed_size, ai)")
	f.StringVar(&flags.separator, "separator", "", "Separator for line_break chunking")
	f.IntVar(&flags.headerDepth, "header-depth", 0, "Deepest markdown header level for header chunking")
	f.IntVar(&flags.chunkSize, "chunk-size", 0, "Characters per chunk for fixed_size chunking")
	f.StringVar(&flags.mode, "mode", "", "Write mode (replace or append)")
	f.StringVar(&flags.policy, "policy", "", "Embedding failure policy (abort or null_embedding)")
	return cmd
}

// IngestResult is the per-document outcome printed by the ingest command.
type IngestResult struct {
	DocumentID string         `json:"document_id"`
	Title      string         `json:"title,omitempty"`
	Report     *ingest.Report `json:"report,omitempty"`
	Summary    string         `json:"summary"`
	Error      string         `json:"error,omitempty"`
}

func runIngest(cmd *cobra.Command, flags *ingestFlags, args []string) error {
	ctx := cmd.Context()
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	if err := flags.validate(args); err != nil {
		return err
	}
	deps, err := server.Setup(ctx, config.FromContext(ctx))
	if err != nil {
		return err
	}
	defer deps.Close(context.WithoutCancel(ctx))
	state := deps.State
	docs, err := flags.documents(ctx, state.Documents, state.Loader, args)
	if err != nil {
		return err
	}
	opts := state.Defaults.ApplyTo(flags.options())
	if err := opts.Chunking.WithDefaults().Validate(); err != nil {
		return err
	}
	results := make([]IngestResult, 0, len(docs))
	var failed error
	for _, doc := range docs {
		report, err := state.Orchestrator.Ingest(ctx, doc.ID, opts)
		result := IngestResult{DocumentID: doc.ID, Title: doc.Title, Report: report}
		if report != nil {
			result.Summary = report.Summary()
		}
		if err != nil {
			logger.FromContext(ctx).Error("Ingestion failed", "document_id", doc.ID, "error", err)
			result.Error = err.Error()
			failed = errors.Join(failed, fmt.Errorf("document %s: %w", doc.ID, err))
		}
		results = append(results, result)
	}
	if format == formatJSON {
		if err := printJSON(cmd, results); err != nil {
			return err
		}
	} else {
		printIngestText(cmd, results)
	}
	return failed
}

func (f *ingestFlags) validate(args []string) error {
	sources := 0
	if len(args) == 1 {
		sources++
	}
	if f.file != "" {
		sources++
	}
	if f.url != "" {
		sources++
	}
	switch {
	case sources == 0:
		return errors.New("a document id, --file or --url is required")
	case sources > 1:
		return errors.New("use only one of a document id, --file or --url")
	case len(args) == 0 && strings.TrimSpace(f.owner) == "":
		return errors.New("--owner is required when creating documents")
	}
	return nil
}

func (f *ingestFlags) options() ingest.Options {
	return ingest.Options{
		Chunking: knowledge.ChunkingOptions{
			Method:      knowledge.ChunkingMethod(strings.ToLower(f.method)),
			Separator:   f.separator,
			HeaderDepth: f.headerDepth,
			ChunkSize:   f.chunkSize,
		},
		Mode:   ingest.Mode(f.mode),
		Policy: ingest.Policy(f.policy),
	}
}

type documentCreator interface {
	Create(ctx context.Context, doc *knowledge.Document) (*knowledge.Document, error)
	Get(ctx context.Context, id string) (*knowledge.Document, error)
}

// documents resolves the documents to ingest, creating them from the
// configured source when no id was given.
func (f *ingestFlags) documents(
	ctx context.Context,
	store documentCreator,
	loader *source.Loader,
	args []string,
) ([]*knowledge.Document, error) {
	if len(args) == 1 {
		doc, err := store.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if f.owner != "" && doc.OwnerID != f.owner {
			return nil, knowledge.ErrDocumentNotFound
		}
		return []*knowledge.Document{doc}, nil
	}
	var loaded []source.Loaded
	if f.file != "" {
		files, err := loader.LoadFile(ctx, f.root, f.file)
		if err != nil {
			return nil, err
		}
		loaded = files
	} else {
		page, err := loader.LoadURL(ctx, f.url)
		if err != nil {
			return nil, err
		}
		if f.title != "" {
			page.Title = f.title
		}
		loaded = []source.Loaded{*page}
	}
	docs := make([]*knowledge.Document, 0, len(loaded))
	for i := range loaded {
		doc, err := store.Create(ctx, &knowledge.Document{
			OwnerID:   f.owner,
			Title:     loaded[i].Title,
			Content:   loaded[i].Content,
			FileType:  loaded[i].FileType,
			SourceRef: loaded[i].SourceRef,
		})
		if err != nil {
			return nil, fmt.Errorf("create document from %s: %w", loaded[i].SourceRef, err)
		}
		logger.FromContext(ctx).Info("Document created", "document_id", doc.ID, "source", doc.SourceRef)
		docs = append(docs, doc)
	}
	return docs, nil
}

func printIngestText(cmd *cobra.Command, results []IngestResult) {
	w := cmd.OutOrStdout()
	for i := range results {
		r := &results[i]
		name := r.DocumentID
		if r.Title != "" {
			name = fmt.Sprintf("%s (%s)", r.Title, r.DocumentID)
		}
		fmt.Fprintln(w, titleStyle.Render(name))
		if r.Summary != "" {
			printField(w, "result", r.Summary)
		}
		if r.Report != nil {
			printField(w, "method", r.Report.Method)
			printField(w, "duration", r.Report.Duration)
		}
		if r.Error != "" {
			printField(w, "error", errorStyle.Render(r.Error))
		}
	}
}
