package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers custom validation functions.
func RegisterCustomValidators(v *validator.Validate) error {
	return v.RegisterValidation("separator", validateSeparator)
}

// validateSeparator rejects separators made only of spaces or tabs, which
// would shred every line into single words.
func validateSeparator(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return strings.Trim(value, " \t") != ""
}

// validateLockTTL keeps a shared document lock alive for a whole ingestion
// run. A lock that expires first lets a second run replace the same chunks.
func validateLockTTL(cfg *Config) error {
	if cfg.Redis.LockTTL < 0 {
		return fmt.Errorf("redis lock_ttl must not be negative")
	}
	if cfg.Redis.Mode == "local" || cfg.Redis.LockTTL == 0 {
		return nil
	}
	if cfg.Redis.LockTTL <= cfg.Ingest.Timeout {
		return fmt.Errorf("redis lock_ttl %s must exceed ingest timeout %s",
			cfg.Redis.LockTTL, cfg.Ingest.Timeout)
	}
	return nil
}
