package embedder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/singleflight"
)

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

const defaultEncoding = "cl100k_base"

var (
	tokenCounters   sync.Map
	tokenizerBuilds singleflight.Group
)

// NewTokenCounter returns a tiktoken-backed counter for model. Encoders are
// loaded lazily on first use and shared per model.
func NewTokenCounter(model string) TokenCounter {
	return &lazyCounter{model: strings.TrimSpace(model)}
}

type lazyCounter struct {
	model string
}

func (l *lazyCounter) CountTokens(ctx context.Context, text string) (int, error) {
	counter, err := counterForModel(l.model)
	if err != nil {
		return 0, err
	}
	return counter.CountTokens(ctx, text)
}

func counterForModel(model string) (TokenCounter, error) {
	if cached, ok := tokenCounters.Load(model); ok {
		if counter, valid := cached.(TokenCounter); valid {
			return counter, nil
		}
	}
	v, err, _ := tokenizerBuilds.Do(model, func() (any, error) {
		return newTokenizer(model)
	})
	if err != nil {
		return nil, fmt.Errorf("create tokenizer for model %s: %w", model, err)
	}
	counter, ok := v.(TokenCounter)
	if !ok {
		return nil, fmt.Errorf("unexpected tokenizer type %T", v)
	}
	tokenCounters.Store(model, counter)
	return counter, nil
}

type tiktokenCounter struct {
	encoder *tiktoken.Tiktoken
}

func newTokenizer(model string) (TokenCounter, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return &tiktokenCounter{encoder: enc}, nil
		}
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("get default encoding: %w", err)
	}
	return &tiktokenCounter{encoder: enc}, nil
}

func (c *tiktokenCounter) CountTokens(_ context.Context, text string) (int, error) {
	if c.encoder == nil {
		return 0, fmt.Errorf("tiktoken encoder not initialized")
	}
	return len(c.encoder.Encode(text, nil, nil)), nil
}
