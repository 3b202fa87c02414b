package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// loader implements the Service interface on top of koanf.
type loader struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
	sources   map[string]SourceType
	sourcesMu sync.RWMutex
	lookupEnv func() []string
}

// NewService creates a new configuration service with validation support.
func NewService() Service {
	v := validator.New()
	if err := RegisterCustomValidators(v); err != nil {
		panic(fmt.Sprintf("config: register validators: %v", err))
	}
	return &loader{
		koanf:     koanf.New("."),
		validator: v,
		sources:   make(map[string]SourceType),
	}
}

// Load loads configuration with precedence defaults < files < environment < CLI.
// Non-CLI sources are applied in the order given; CLI sources always win.
func (l *loader) Load(_ context.Context, sources ...Source) (*Config, error) {
	l.reset()
	if err := l.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, key := range l.koanf.Keys() {
		l.trackSource(key, SourceDefault)
	}
	var overrides []Source
	for _, source := range sources {
		if source == nil {
			continue
		}
		if source.Type() == SourceCLI {
			overrides = append(overrides, source)
			continue
		}
		if err := l.loadSource(source); err != nil {
			return nil, err
		}
	}
	if err := l.loadEnvironment(); err != nil {
		return nil, err
	}
	for _, source := range overrides {
		if err := l.loadSource(source); err != nil {
			return nil, err
		}
	}
	return l.unmarshalAndValidate()
}

func (l *loader) reset() {
	l.koanf = koanf.New(".")
	l.sourcesMu.Lock()
	l.sources = make(map[string]SourceType)
	l.sourcesMu.Unlock()
}

func (l *loader) loadSource(source Source) error {
	data, err := source.Load()
	if err != nil {
		return fmt.Errorf("failed to load from source %s: %w", source.Type(), err)
	}
	if len(data) == 0 {
		return nil
	}
	for key, value := range flattenMap("", data) {
		if err := l.koanf.Set(key, value); err != nil {
			return fmt.Errorf("failed to set key %s from source %s: %w", key, source.Type(), err)
		}
		l.trackSource(key, source.Type())
	}
	return nil
}

// loadEnvironment applies environment variables declared through `env` struct tags.
func (l *loader) loadEnvironment() error {
	envToPath := GenerateEnvToConfigMap()
	before := make(map[string]any)
	for _, key := range l.koanf.Keys() {
		before[key] = l.koanf.Get(key)
	}
	opt := env.Opt{
		Prefix: "",
		TransformFunc: func(key string, value string) (string, any) {
			if path, ok := envToPath[key]; ok {
				return path, value
			}
			return "", nil
		},
	}
	if l.lookupEnv != nil {
		opt.EnvironFunc = l.lookupEnv
	}
	if err := l.koanf.Load(env.Provider(".", opt), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	for _, key := range l.koanf.Keys() {
		prev, existed := before[key]
		if !existed || fmt.Sprint(prev) != fmt.Sprint(l.koanf.Get(key)) {
			l.trackSource(key, SourceEnv)
		}
	}
	return nil
}

func (l *loader) unmarshalAndValidate() (*Config, error) {
	var cfg Config
	if err := l.koanf.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration meets all validation requirements.
func (l *loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return validateCustom(cfg)
}

// GetSource returns the source type for a specific configuration key.
func (l *loader) GetSource(key string) SourceType {
	l.sourcesMu.RLock()
	defer l.sourcesMu.RUnlock()
	if source, ok := l.sources[key]; ok {
		return source
	}
	return SourceDefault
}

func (l *loader) trackSource(key string, source SourceType) {
	l.sourcesMu.Lock()
	defer l.sourcesMu.Unlock()
	l.sources[key] = source
}

func validateCustom(cfg *Config) error {
	if cfg.Database.Driver == "postgres" && cfg.Database.ConnString == "" {
		if cfg.Database.Host == "" || cfg.Database.Port == "" ||
			cfg.Database.User == "" || cfg.Database.DBName == "" {
			return fmt.Errorf("database configuration incomplete: either conn_string or individual components required")
		}
	}
	if cfg.Retrieval.DefaultTopK > cfg.Retrieval.MaxTopK {
		return fmt.Errorf("retrieval default_top_k %d exceeds max_top_k %d",
			cfg.Retrieval.DefaultTopK, cfg.Retrieval.MaxTopK)
	}
	if cfg.Ingest.MaxBackoff > 0 && cfg.Ingest.MaxBackoff < cfg.Ingest.InitialBackoff {
		return fmt.Errorf("ingest max_backoff must not be smaller than initial_backoff")
	}
	if cfg.Ingest.Timeout <= cfg.Embedder.Timeout {
		return fmt.Errorf("ingest timeout must be greater than the per-call embedder timeout")
	}
	if cfg.Redis.Mode == "distributed" && strings.TrimSpace(cfg.Redis.URL) == "" {
		return fmt.Errorf("redis url is required in distributed mode")
	}
	if err := validateLockTTL(cfg); err != nil {
		return err
	}
	if cfg.Server.RateLimit.Enabled && (cfg.Server.RateLimit.Limit <= 0 || cfg.Server.RateLimit.Period <= 0) {
		return fmt.Errorf("server rate_limit requires a positive limit and period")
	}
	if cfg.Chunking.DefaultMethod == "ai" && strings.TrimSpace(cfg.Chunking.AIEndpoint) == "" {
		return fmt.Errorf("chunking ai_endpoint is required when the default method is ai")
	}
	return nil
}

// sensitiveStringDecodeHook converts strings to SensitiveString during decoding.
func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

// flattenMap flattens a nested map into dot-notation keys.
func flattenMap(prefix string, m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for fk, fv := range flattenMap(key, nested) {
				result[fk] = fv
			}
			continue
		}
		result[key] = v
	}
	return result
}
