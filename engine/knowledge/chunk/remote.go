package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/pkg/logger"
)

var (
	ErrRemoteStatus    = errors.New("remote chunker returned non-success status")
	ErrRemoteMalformed = errors.New("remote chunker returned malformed response")
	ErrRemoteEmpty     = errors.New("remote chunker returned no chunks")
)

// RemoteAIChunker delegates splitting to an external service. The service
// receives {"content": ...} and must answer {"chunks": ["...", ...]}.
type RemoteAIChunker struct {
	client   *resty.Client
	endpoint string
	timeout  time.Duration
}

func NewRemoteAIChunker(client *resty.Client, endpoint string, timeout time.Duration) *RemoteAIChunker {
	if client == nil {
		client = resty.New()
	}
	return &RemoteAIChunker{client: client, endpoint: endpoint, timeout: timeout}
}

func (c *RemoteAIChunker) Split(ctx context.Context, content string) ([]string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"content": content}).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote chunker request: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %d", ErrRemoteStatus, resp.StatusCode())
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, ErrRemoteMalformed
	}
	field := gjson.GetBytes(body, "chunks")
	if !field.IsArray() {
		return nil, fmt.Errorf("%w: chunks is not an array", ErrRemoteMalformed)
	}
	items := field.Array()
	pieces := make([]string, 0, len(items))
	for i := range items {
		if items[i].Type != gjson.String {
			return nil, fmt.Errorf("%w: chunk %d is not a string", ErrRemoteMalformed, i+1)
		}
		pieces = append(pieces, items[i].String())
	}
	chunks := compact(pieces)
	if len(chunks) == 0 {
		return nil, ErrRemoteEmpty
	}
	return chunks, nil
}

func (c *RemoteAIChunker) Method() knowledge.ChunkingMethod { return knowledge.MethodAI }

// FallbackChunker runs Primary and, on any failure or empty result, runs
// Fallback instead.
type FallbackChunker struct {
	Primary  Chunker
	Fallback Chunker
}

func NewFallbackChunker(primary, fallback Chunker) *FallbackChunker {
	return &FallbackChunker{Primary: primary, Fallback: fallback}
}

func (c *FallbackChunker) Split(ctx context.Context, content string) ([]string, error) {
	res, err := c.Run(ctx, content)
	if err != nil {
		return nil, err
	}
	return res.Chunks, nil
}

// Method reports the primary method; the effective one is in Run's result.
func (c *FallbackChunker) Method() knowledge.ChunkingMethod { return c.Primary.Method() }

// Run splits content and reports which method produced the chunks along
// with a notice when the fallback was used.
func (c *FallbackChunker) Run(ctx context.Context, content string) (*Result, error) {
	chunks, err := c.Primary.Split(ctx, content)
	if err == nil && len(chunks) > 0 {
		return &Result{Chunks: chunks, Method: c.Primary.Method()}, nil
	}
	if err == nil {
		err = ErrRemoteEmpty
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	notice := fmt.Sprintf(
		"%s chunking failed (%s); fell back to %s chunking",
		c.Primary.Method(),
		reason(err),
		c.Fallback.Method(),
	)
	logger.FromContext(ctx).Warn("Chunker fell back", "from", c.Primary.Method(), "to", c.Fallback.Method(), "error", err)
	knowledge.RecordChunkFallback(ctx, c.Primary.Method())
	fallback, fbErr := c.Fallback.Split(ctx, content)
	if fbErr != nil {
		return nil, fmt.Errorf("chunk: fallback %s after %v: %w", c.Fallback.Method(), err, fbErr)
	}
	return &Result{Chunks: fallback, Method: c.Fallback.Method(), Notice: notice}, nil
}

func reason(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, "\n"); idx >= 0 {
		msg = msg[:idx]
	}
	return msg
}
