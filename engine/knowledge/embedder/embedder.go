package embedder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// Embedder converts one text into one vector. Every call to Embed issues at
// most one outbound request; failures are *knowledge.EmbeddingError.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	ProviderHTTP      = "http"
	ProviderLangchain = "langchain"
)

const defaultTimeout = 15 * time.Second

var errEmptyInput = errors.New("input text is empty")

// Config describes an embedding provider deployment.
type Config struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	CacheSize int
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("embedder: model is required")
	}
	if c.Dimension < 0 {
		return fmt.Errorf("embedder: dimension must not be negative, got %d", c.Dimension)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("embedder: cache size must not be negative, got %d", c.CacheSize)
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

// New builds the configured provider client, wrapped in an LRU cache when
// CacheSize is positive.
func New(cfg *Config, opts ...Option) (Embedder, error) {
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var (
		base Embedder
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderHTTP:
		base, err = NewHTTPClient(cfg, opts...)
	case ProviderLangchain:
		base, err = NewOpenAIAdapter(cfg)
	default:
		return nil, fmt.Errorf("embedder: provider %q is not supported", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return NewCached(base, cfg.CacheSize)
	}
	return base, nil
}

// Retryable reports whether err is a transient or rate-limit failure.
func Retryable(err error) bool {
	return knowledge.IsRetryable(err)
}

func validateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return knowledge.NewEmbeddingError(knowledge.EmbeddingInvalidInput, errEmptyInput)
	}
	return nil
}

func checkDimension(vector []float32, dimension int) *knowledge.EmbeddingError {
	if len(vector) == 0 {
		return knowledge.NewEmbeddingError(knowledge.EmbeddingMalformed, errors.New("provider returned an empty vector"))
	}
	if dimension > 0 && len(vector) != dimension {
		return knowledge.NewEmbeddingError(
			knowledge.EmbeddingMalformed,
			fmt.Errorf("%w: got %d want %d", knowledge.ErrDimensionMismatch, len(vector), dimension),
		)
	}
	return nil
}

// contextKind maps context failures: a caller cancellation is final, a
// deadline is treated as a provider timeout.
func contextKind(ctx context.Context, err error) (knowledge.EmbeddingErrorKind, bool) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return knowledge.EmbeddingCanceled, true
	case errors.Is(err, context.DeadlineExceeded):
		return knowledge.EmbeddingTransient, true
	default:
		return "", false
	}
}
