package config

import (
	"context"
	"encoding/json"
	"time"
)

// Config represents the complete configuration for the knowledge service.
// It provides type-safe access to all configuration values with validation.
type Config struct {
	Server     ServerConfig     `koanf:"server"    validate:"required"`
	Database   DatabaseConfig   `koanf:"database"  validate:"required"`
	Redis      RedisConfig      `koanf:"redis"`
	Embedder   EmbedderConfig   `koanf:"embedder"  validate:"required"`
	Chunking   ChunkingConfig   `koanf:"chunking"  validate:"required"`
	Ingest     IngestConfig     `koanf:"ingest"    validate:"required"`
	Retrieval  RetrievalConfig  `koanf:"retrieval" validate:"required"`
	Sources    SourcesConfig    `koanf:"sources"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Runtime    RuntimeConfig    `koanf:"runtime"    validate:"required"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host         string          `koanf:"host"           validate:"required"        env:"SERVER_HOST"`
	Port         int             `koanf:"port"           validate:"min=1,max=65535" env:"SERVER_PORT"`
	Timeout      time.Duration   `koanf:"timeout"                                   env:"SERVER_TIMEOUT"`
	MaxBodyBytes int64           `koanf:"max_body_bytes" validate:"min=0"           env:"SERVER_MAX_BODY_BYTES"`
	RateLimit    RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig throttles API requests per tenant, or per client IP when
// the tenant header is absent.
type RateLimitConfig struct {
	Enabled bool          `koanf:"enabled" env:"SERVER_RATE_LIMIT_ENABLED"`
	Limit   int64         `koanf:"limit"   env:"SERVER_RATE_LIMIT_LIMIT"   validate:"min=0"`
	Period  time.Duration `koanf:"period"  env:"SERVER_RATE_LIMIT_PERIOD"`
}

// DatabaseConfig contains chunk store connection configuration.
type DatabaseConfig struct {
	Driver      string          `koanf:"driver"       validate:"oneof=postgres memory" env:"DB_DRIVER"`
	ConnString  string          `koanf:"conn_string"                                   env:"DB_CONN_STRING"`
	Host        string          `koanf:"host"                                          env:"DB_HOST"`
	Port        string          `koanf:"port"                                          env:"DB_PORT"`
	User        string          `koanf:"user"                                          env:"DB_USER"`
	Password    SensitiveString `koanf:"password"                                      env:"DB_PASSWORD"    sensitive:"true"`
	DBName      string          `koanf:"name"                                          env:"DB_NAME"`
	SSLMode     string          `koanf:"ssl_mode"                                      env:"DB_SSL_MODE"`
	MaxConns    int             `koanf:"max_conns"    validate:"min=0"                 env:"DB_MAX_CONNS"`
	AutoMigrate bool            `koanf:"auto_migrate"                                  env:"DB_AUTO_MIGRATE"`
}

// RedisConfig configures the regeneration lock and rate limit backend.
// Mode "local" keeps both in process, "embedded" runs an in-process
// miniredis and "distributed" connects to URL.
type RedisConfig struct {
	Mode     string          `koanf:"mode"     validate:"oneof=local embedded distributed" env:"REDIS_MODE"`
	URL      string          `koanf:"url"                                                  env:"REDIS_URL"`
	Password SensitiveString `koanf:"password"                                             env:"REDIS_PASSWORD" sensitive:"true"`
	DB       int             `koanf:"db"       validate:"min=0"                            env:"REDIS_DB"`
	LockTTL  time.Duration   `koanf:"lock_ttl"                                             env:"REDIS_LOCK_TTL"`
}

// lockTTLMargin pads a derived lock TTL past the ingest deadline.
const lockTTLMargin = time.Minute

// EffectiveLockTTL returns the configured lock TTL, or one derived from the
// ingest timeout when none is set.
func (c *Config) EffectiveLockTTL() time.Duration {
	if c.Redis.LockTTL > 0 {
		return c.Redis.LockTTL
	}
	return c.Ingest.Timeout + lockTTLMargin
}

// EmbedderConfig contains embedding provider configuration.
type EmbedderConfig struct {
	Provider  string          `koanf:"provider"   validate:"oneof=http langchain" env:"EMBEDDER_PROVIDER"`
	BaseURL   string          `koanf:"base_url"   validate:"required,url"         env:"EMBEDDER_BASE_URL"`
	APIKey    SensitiveString `koanf:"api_key"                                    env:"EMBEDDER_API_KEY"    sensitive:"true"`
	Model     string          `koanf:"model"      validate:"required"             env:"EMBEDDER_MODEL"`
	Dimension int             `koanf:"dimension"  validate:"min=1"                env:"EMBEDDER_DIMENSION"`
	Timeout   time.Duration   `koanf:"timeout"    validate:"min=1"                env:"EMBEDDER_TIMEOUT"`
	CacheSize int             `koanf:"cache_size" validate:"min=0"                env:"EMBEDDER_CACHE_SIZE"`
}

// ChunkingConfig holds splitter defaults applied when a request omits them.
type ChunkingConfig struct {
	DefaultMethod string        `koanf:"default_method" validate:"oneof=line_break paragraph header fixed_size ai" env:"CHUNKING_DEFAULT_METHOD"`
	Separator     string        `koanf:"separator"      validate:"separator"                                       env:"CHUNKING_SEPARATOR"`
	HeaderDepth   int           `koanf:"header_depth"   validate:"min=1,max=6"                                     env:"CHUNKING_HEADER_DEPTH"`
	ChunkSize     int           `koanf:"chunk_size"     validate:"min=1"                                           env:"CHUNKING_CHUNK_SIZE"`
	AIEndpoint    string        `koanf:"ai_endpoint"                                                               env:"CHUNKING_AI_ENDPOINT"`
	AITimeout     time.Duration `koanf:"ai_timeout"                                                                env:"CHUNKING_AI_TIMEOUT"`
}

// IngestConfig controls the ingestion orchestrator.
type IngestConfig struct {
	Concurrency    int           `koanf:"concurrency"     validate:"min=1"                       env:"INGEST_CONCURRENCY"`
	MaxAttempts    int           `koanf:"max_attempts"    validate:"min=1"                       env:"INGEST_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `koanf:"initial_backoff"                                        env:"INGEST_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `koanf:"max_backoff"                                            env:"INGEST_MAX_BACKOFF"`
	Timeout        time.Duration `koanf:"timeout"         validate:"min=1"                       env:"INGEST_TIMEOUT"`
	FailurePolicy  string        `koanf:"failure_policy"  validate:"oneof=abort null_embedding" env:"INGEST_FAILURE_POLICY"`
}

// RetrievalConfig holds defaults for similarity search.
type RetrievalConfig struct {
	DefaultThreshold float64 `koanf:"default_threshold" validate:"min=0,max=1"                 env:"RETRIEVAL_DEFAULT_THRESHOLD"`
	DefaultTopK      int     `koanf:"default_top_k"     validate:"min=1"                       env:"RETRIEVAL_DEFAULT_TOP_K"`
	MaxTopK          int     `koanf:"max_top_k"         validate:"min=1"                       env:"RETRIEVAL_MAX_TOP_K"`
	StalePolicy      string  `koanf:"stale_policy"      validate:"oneof=include skip penalize" env:"RETRIEVAL_STALE_POLICY"`
	StalePenalty     float64 `koanf:"stale_penalty"     validate:"min=0,max=1"                 env:"RETRIEVAL_STALE_PENALTY"`
}

// SourcesConfig bounds document loading from files and URLs.
//
// URL fetches are limited to public addresses. AllowedHosts narrows fetching
// to the listed host globs, which may then resolve to internal addresses.
type SourcesConfig struct {
	MaxBytes             int64         `koanf:"max_bytes"              validate:"min=0" env:"SOURCES_MAX_BYTES"`
	FetchTimeout         time.Duration `koanf:"fetch_timeout"                           env:"SOURCES_FETCH_TIMEOUT"`
	PDFEndpoint          string        `koanf:"pdf_endpoint"                            env:"SOURCES_PDF_ENDPOINT"`
	AllowedHosts         []string      `koanf:"allowed_hosts"                           env:"SOURCES_ALLOWED_HOSTS"`
	AllowPrivateNetworks bool          `koanf:"allow_private_networks"                  env:"SOURCES_ALLOW_PRIVATE_NETWORKS"`
}

// MonitoringConfig exposes otel metrics through a Prometheus endpoint.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"MONITORING_PATH"`
}

// RuntimeConfig contains runtime behavior configuration.
type RuntimeConfig struct {
	Environment string `koanf:"environment" validate:"oneof=development staging production" env:"RUNTIME_ENVIRONMENT"`
	LogLevel    string `koanf:"log_level"   validate:"oneof=debug info warn error disabled" env:"RUNTIME_LOG_LEVEL"`
	LogJSON     bool   `koanf:"log_json"                                                   env:"RUNTIME_LOG_JSON"`
}

// Service defines the configuration loading contract.
type Service interface {
	// Load loads configuration from the specified sources with precedence order.
	Load(ctx context.Context, sources ...Source) (*Config, error)
	// Validate checks struct tags and cross-field rules.
	Validate(config *Config) error
	// GetSource returns which source provided the given key.
	GetSource(key string) SourceType
}

// Source is a configuration input merged on top of the defaults.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

// SourceType identifies where a configuration value came from.
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceCLI     SourceType = "cli"
)

// SensitiveString hides its value from logs and JSON output.
type SensitiveString string

const redacted = "[REDACTED]"

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the raw secret.
func (s SensitiveString) Value() string {
	return string(s)
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5001,
			Timeout:      30 * time.Second,
			MaxBodyBytes: 8 << 20,
			RateLimit: RateLimitConfig{
				Limit:  120,
				Period: time.Minute,
			},
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        "5432",
			User:        "postgres",
			DBName:      "knowledge",
			SSLMode:     "disable",
			MaxConns:    20,
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Mode:    "local",
			LockTTL: 15 * time.Minute,
		},
		Embedder: EmbedderConfig{
			Provider:  "http",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			Timeout:   15 * time.Second,
			CacheSize: 512,
		},
		Chunking: ChunkingConfig{
			DefaultMethod: "paragraph",
			Separator:     "\n",
			HeaderDepth:   3,
			ChunkSize:     1000,
			AITimeout:     30 * time.Second,
		},
		Ingest: IngestConfig{
			Concurrency:    4,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Timeout:        10 * time.Minute,
			FailurePolicy:  "abort",
		},
		Retrieval: RetrievalConfig{
			DefaultThreshold: 0.7,
			DefaultTopK:      5,
			MaxTopK:          50,
			StalePolicy:      "include",
			StalePenalty:     0.8,
		},
		Sources: SourcesConfig{
			MaxBytes:     4 << 20,
			FetchTimeout: 30 * time.Second,
		},
		Monitoring: MonitoringConfig{
			Path: "/metrics",
		},
		Runtime: RuntimeConfig{
			Environment: "development",
			LogLevel:    "info",
		},
	}
}
