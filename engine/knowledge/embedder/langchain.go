package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// LangchainAdapter exposes a langchaingo embedder through Embedder.
type LangchainAdapter struct {
	impl      embeddings.Embedder
	model     string
	dimension int
	timeout   time.Duration
}

// NewLangchainAdapter wraps an existing langchaingo embedder.
func NewLangchainAdapter(impl embeddings.Embedder, cfg *Config) (*LangchainAdapter, error) {
	if impl == nil {
		return nil, errors.New("embedder: langchain implementation is required")
	}
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LangchainAdapter{
		impl:      impl,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		timeout:   cfg.timeout(),
	}, nil
}

// NewOpenAIAdapter builds a langchaingo OpenAI embedder for cfg.
func NewOpenAIAdapter(cfg *Config) (*LangchainAdapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedder: initialize openai client: %w", err)
	}
	impl, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(1))
	if err != nil {
		return nil, fmt.Errorf("embedder: construct openai embedder: %w", err)
	}
	return NewLangchainAdapter(impl, cfg)
}

func (a *LangchainAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	vector, err := a.impl.EmbedQuery(callCtx, text)
	if err != nil {
		kind := categorizeError(ctx, err)
		recordError(ctx, ProviderLangchain, a.model, kind)
		return nil, knowledge.NewEmbeddingError(kind, err)
	}
	if dimErr := checkDimension(vector, a.dimension); dimErr != nil {
		recordError(ctx, ProviderLangchain, a.model, dimErr.Kind)
		return nil, dimErr
	}
	recordGeneration(ctx, ProviderLangchain, a.model, time.Since(start), 0)
	return vector, nil
}

// categorizeError approximates the failure kind from the provider message
// because langchaingo does not expose typed HTTP errors.
func categorizeError(ctx context.Context, err error) knowledge.EmbeddingErrorKind {
	if kind, ok := contextKind(ctx, err); ok {
		return kind
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return knowledge.EmbeddingRateLimit
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "api key"):
		return knowledge.EmbeddingAuth
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "bad request"),
		strings.Contains(lower, "422"),
		strings.Contains(lower, "400"):
		return knowledge.EmbeddingInvalidInput
	case strings.Contains(lower, "unmarshal"), strings.Contains(lower, "decode"), strings.Contains(lower, "no embedding"):
		return knowledge.EmbeddingMalformed
	default:
		return knowledge.EmbeddingTransient
	}
}
