package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/pkg/logger"
)

// HTTPClient calls an OpenAI-compatible /embeddings endpoint.
type HTTPClient struct {
	client    *resty.Client
	model     string
	dimension int
	timeout   time.Duration
	tokens    TokenCounter
}

// Option customizes an HTTPClient.
type Option func(*HTTPClient)

// WithTokenCounter enables token usage metrics.
func WithTokenCounter(counter TokenCounter) Option {
	return func(c *HTTPClient) {
		c.tokens = counter
	}
}

// WithRestyClient replaces the underlying resty client.
func WithRestyClient(client *resty.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

func NewHTTPClient(cfg *Config, opts ...Option) (*HTTPClient, error) {
	if cfg == nil {
		return nil, errors.New("embedder: config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("embedder: base url is required")
	}
	c := &HTTPClient{
		model:     cfg.Model,
		dimension: cfg.Dimension,
		timeout:   cfg.timeout(),
		client:    resty.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.client.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRetryCount(0)
	if cfg.APIKey != "" {
		c.client.SetAuthToken(cfg.APIKey)
	}
	return c, nil
}

func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := validateInput(text); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	resp, err := c.client.R().
		SetContext(callCtx).
		SetBody(map[string]any{"model": c.model, "input": text}).
		Post("/embeddings")
	if err != nil {
		return nil, c.fail(ctx, classifyTransport(ctx, err))
	}
	if !resp.IsSuccess() {
		return nil, c.fail(ctx, classifyStatus(resp.StatusCode(), resp.Body()))
	}
	vector, decodeErr := decodeVector(resp.Body())
	if decodeErr != nil {
		return nil, c.fail(ctx, decodeErr)
	}
	if dimErr := checkDimension(vector, c.dimension); dimErr != nil {
		return nil, c.fail(ctx, dimErr)
	}
	recordGeneration(ctx, ProviderHTTP, c.model, time.Since(start), c.countTokens(ctx, text))
	return vector, nil
}

func (c *HTTPClient) fail(ctx context.Context, err *knowledge.EmbeddingError) error {
	recordError(ctx, ProviderHTTP, c.model, err.Kind)
	logger.FromContext(ctx).Debug("Embedding call failed", "kind", err.Kind, "status", err.StatusCode, "error", err.Err)
	return err
}

func (c *HTTPClient) countTokens(ctx context.Context, text string) int {
	if c.tokens == nil {
		return 0
	}
	n, err := c.tokens.CountTokens(ctx, text)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to estimate embedding tokens", "model", c.model, "error", err)
		return 0
	}
	return n
}

func classifyTransport(ctx context.Context, err error) *knowledge.EmbeddingError {
	if kind, ok := contextKind(ctx, err); ok {
		return knowledge.NewEmbeddingError(kind, err)
	}
	return knowledge.NewEmbeddingError(knowledge.EmbeddingTransient, err)
}

func classifyStatus(status int, body []byte) *knowledge.EmbeddingError {
	var kind knowledge.EmbeddingErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = knowledge.EmbeddingAuth
	case status == http.StatusTooManyRequests:
		kind = knowledge.EmbeddingRateLimit
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		kind = knowledge.EmbeddingTransient
	default:
		kind = knowledge.EmbeddingInvalidInput
	}
	msg := http.StatusText(status)
	if detail := gjson.GetBytes(body, "error.message"); detail.Exists() && detail.String() != "" {
		msg = detail.String()
	}
	return &knowledge.EmbeddingError{Kind: kind, StatusCode: status, Err: errors.New(msg)}
}

func decodeVector(body []byte) ([]float32, *knowledge.EmbeddingError) {
	if !gjson.ValidBytes(body) {
		return nil, knowledge.NewEmbeddingError(knowledge.EmbeddingMalformed, errors.New("response is not valid JSON"))
	}
	field := gjson.GetBytes(body, "data.0.embedding")
	if !field.IsArray() {
		return nil, knowledge.NewEmbeddingError(knowledge.EmbeddingMalformed, errors.New("data[0].embedding is missing"))
	}
	values := field.Array()
	vector := make([]float32, len(values))
	for i := range values {
		if values[i].Type != gjson.Number {
			return nil, knowledge.NewEmbeddingError(
				knowledge.EmbeddingMalformed,
				fmt.Errorf("embedding element %d is not a number", i),
			)
		}
		vector[i] = float32(values[i].Float())
	}
	return vector, nil
}
