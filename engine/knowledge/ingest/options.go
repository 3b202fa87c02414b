package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// Mode defines how generated chunks are written to the chunk store.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

// Policy decides what happens to chunks whose embedding failed.
type Policy string

const (
	PolicyAbort         Policy = "abort"
	PolicyNullEmbedding Policy = "null_embedding"
)

// Options controls one ingestion run.
type Options struct {
	Chunking knowledge.ChunkingOptions `json:"chunking"`
	Mode     Mode                      `json:"mode,omitempty"`
	Policy   Policy                    `json:"policy,omitempty"`
}

func (o Options) normalized() (Options, error) {
	out := o
	out.Chunking = o.Chunking.WithDefaults()
	if err := out.Chunking.Validate(); err != nil {
		return Options{}, err
	}
	switch Mode(strings.ToLower(string(o.Mode))) {
	case "", ModeReplace:
		out.Mode = ModeReplace
	case ModeAppend:
		out.Mode = ModeAppend
	default:
		return Options{}, fmt.Errorf("ingest: mode %q not supported", o.Mode)
	}
	switch Policy(strings.ToLower(string(o.Policy))) {
	case "", PolicyAbort:
		out.Policy = PolicyAbort
	case PolicyNullEmbedding:
		out.Policy = PolicyNullEmbedding
	default:
		return Options{}, fmt.Errorf("ingest: policy %q not supported", o.Policy)
	}
	return out, nil
}

// Config tunes embedding parallelism, retries and timeouts.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	EmbedTimeout   time.Duration
	OverallTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    3,
		BaseBackoff:    200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		EmbedTimeout:   15 * time.Second,
		OverallTimeout: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = def.EmbedTimeout
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = def.OverallTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.EmbedTimeout > c.OverallTimeout {
		return errors.New("ingest: embed timeout must not exceed the overall timeout")
	}
	return nil
}
