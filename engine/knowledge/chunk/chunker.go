package chunk

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/pkg/logger"
)

// Chunker splits raw text into ordered, non-empty chunks.
type Chunker interface {
	Split(ctx context.Context, content string) ([]string, error)
	Method() knowledge.ChunkingMethod
}

// Result is the outcome of Generate. Method is the strategy that actually
// produced the chunks, which differs from the requested one after a fallback.
type Result struct {
	Chunks []string
	Method knowledge.ChunkingMethod
	Notice string
}

var newlinePattern = regexp.MustCompile(`\r\n|\r`)

const defaultAITimeout = 30 * time.Second

// Splitter builds chunkers from options and runs them.
type Splitter struct {
	client    *resty.Client
	aiTimeout time.Duration
}

// Option customizes a Splitter.
type Option func(*Splitter)

// WithHTTPClient sets the client used by the remote AI chunker.
func WithHTTPClient(client *resty.Client) Option {
	return func(s *Splitter) {
		if client != nil {
			s.client = client
		}
	}
}

// WithAITimeout bounds each remote chunking call.
func WithAITimeout(d time.Duration) Option {
	return func(s *Splitter) {
		if d > 0 {
			s.aiTimeout = d
		}
	}
}

func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{aiTimeout: defaultAITimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = resty.New().
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}
	return s
}

var defaultSplitter = NewSplitter()

// Generate splits content with the default splitter.
func Generate(ctx context.Context, content string, options knowledge.ChunkingOptions) (*Result, error) {
	return defaultSplitter.Generate(ctx, content, options)
}

// New returns the chunker for the selected variant. AI chunking is always
// wrapped with a paragraph fallback.
func (s *Splitter) New(options knowledge.ChunkingOptions) (Chunker, error) {
	options = options.WithDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}
	switch options.Method {
	case knowledge.MethodLineBreak:
		return NewLineBreakChunker(options.Separator), nil
	case knowledge.MethodParagraph:
		return NewParagraphChunker(), nil
	case knowledge.MethodHeader:
		return NewHeaderChunker(options.HeaderDepth), nil
	case knowledge.MethodFixedSize:
		return NewFixedSizeChunker(options.ChunkSize), nil
	case knowledge.MethodAI:
		remote := NewRemoteAIChunker(s.client, options.Endpoint, s.aiTimeout)
		return NewFallbackChunker(remote, NewParagraphChunker()), nil
	default:
		return nil, fmt.Errorf("chunk: unsupported method %q", options.Method)
	}
}

// Generate splits content according to options. Empty or whitespace-only
// content yields an empty result without error.
func (s *Splitter) Generate(
	ctx context.Context,
	content string,
	options knowledge.ChunkingOptions,
) (*Result, error) {
	options = options.WithDefaults()
	chunker, err := s.New(options)
	if err != nil {
		return nil, err
	}
	text := normalize(content)
	if text == "" {
		return &Result{Chunks: []string{}, Method: options.Method}, nil
	}
	if fb, ok := chunker.(*FallbackChunker); ok {
		return fb.Run(ctx, text)
	}
	chunks, err := chunker.Split(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("chunk: %s: %w", options.Method, err)
	}
	logger.FromContext(ctx).Debug("Content split", "method", options.Method, "chunks", len(chunks))
	return &Result{Chunks: chunks, Method: chunker.Method()}, nil
}

func normalize(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	return newlinePattern.ReplaceAllString(content, "\n")
}

// compact trims every piece and drops the empty ones.
func compact(pieces []string) []string {
	out := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if trimmed := strings.TrimSpace(piece); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
