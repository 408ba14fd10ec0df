// Package config loads and validates the scheduling engine's configuration
// from environment variables. Defaults are applied once at construction via
// a single Load call.
package config

import (
	"fmt"
	"os"
	"strconv"
)

type (
	// AI groups language-model invocation settings.
	AI struct {
		Provider    string // "anthropic" | "openai"
		Model       string
		Temperature float64
		MaxRetries  int
		APIKey      string
	}

	// Scheduler groups cycle/batch pacing settings.
	Scheduler struct {
		MaxBatchSize            int
		ProcessingIntervalMs    int
		StaleLockThresholdMs    int
		JobProcessingConcurrency int
	}

	// Execution groups endpoint execution settings.
	Execution struct {
		MaxConcurrency          int
		DefaultTimeoutMs        int
		DefaultConcurrencyLimit int
		MaxEndpointRetries      int
		ResponseContentLengthLimit int
		AllowCancellation       bool
		WarnFailureRatio        float64
		CriticalFailureRatio    float64
	}

	// PromptOptimization groups prompt-trimming settings.
	PromptOptimization struct {
		Enabled              bool
		MaxMessages          int
		MinRecentMessages    int
		MaxEndpointUsageEntries int
	}

	// Validation groups semantic-validation/repair settings.
	Validation struct {
		ValidateSemantics       bool
		SemanticStrict          bool
		RepairMalformedResponses bool
		MaxRepairAttempts       int
	}

	// Config is the fully validated, defaulted engine configuration.
	Config struct {
		AI         AI
		Scheduler  Scheduler
		Execution  Execution
		PromptOpt  PromptOptimization
		Validation Validation

		DatabaseURL string
	}
)

// Load reads configuration from the environment, applies defaults, and
// validates the result. A variable whose value does not parse falls back to
// its default; an out-of-range value makes Load return an error on the
// first one found rather than clamping it.
func Load() (Config, error) {
	cfg := Config{
		AI: AI{
			Provider:    envOr("AI_PROVIDER", "openai"),
			Model:       envOr("AI_MODEL", "gpt-4o"),
			Temperature: envFloatOr("AI_TEMPERATURE", 0.2),
			MaxRetries:  envIntOr("AI_MAX_RETRIES", 2),
			APIKey:      os.Getenv("AI_API_KEY"),
		},
		Scheduler: Scheduler{
			MaxBatchSize:             envIntOr("MAX_BATCH_SIZE", 20),
			ProcessingIntervalMs:     envIntOr("PROCESSING_INTERVAL_MS", 60000),
			StaleLockThresholdMs:     envIntOr("STALE_LOCK_THRESHOLD_MS", 300000),
			JobProcessingConcurrency: envIntOr("JOB_PROCESSING_CONCURRENCY", 1),
		},
		Execution: Execution{
			MaxConcurrency:             envIntOr("MAX_CONCURRENCY", 5),
			DefaultTimeoutMs:           envIntOr("DEFAULT_TIMEOUT_MS", 30000),
			DefaultConcurrencyLimit:    envIntOr("DEFAULT_CONCURRENCY_LIMIT", 2),
			MaxEndpointRetries:         envIntOr("MAX_ENDPOINT_RETRIES", 3),
			ResponseContentLengthLimit: envIntOr("RESPONSE_CONTENT_LENGTH_LIMIT", 10000),
			AllowCancellation:          envBoolOr("ALLOW_CANCELLATION", true),
			WarnFailureRatio:           envFloatOr("WARN_FAILURE_RATIO", 0.25),
			CriticalFailureRatio:       envFloatOr("CRITICAL_FAILURE_RATIO", 0.5),
		},
		PromptOpt: PromptOptimization{
			Enabled:                 envBoolOr("PROMPT_OPT_ENABLED", true),
			MaxMessages:             envIntOr("PROMPT_OPT_MAX_MESSAGES", 10),
			MinRecentMessages:       envIntOr("PROMPT_OPT_MIN_RECENT", 3),
			MaxEndpointUsageEntries: envIntOr("PROMPT_OPT_MAX_USAGE", 5),
		},
		Validation: Validation{
			ValidateSemantics:        envBoolOr("VALIDATE_SEMANTICS", true),
			SemanticStrict:           envBoolOr("SEMANTIC_STRICT", false),
			RepairMalformedResponses: envBoolOr("REPAIR_MALFORMED_RESPONSES", true),
			MaxRepairAttempts:        envIntOr("MAX_REPAIR_ATTEMPTS", 1),
		},
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that Load cannot safely default around.
// Credentials such as AI_API_KEY and DATABASE_URL are not checked.
func (c Config) Validate() error {
	if c.AI.Temperature < 0 || c.AI.Temperature > 1 {
		return fmt.Errorf("config: AI_TEMPERATURE must be in [0,1], got %v", c.AI.Temperature)
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		return fmt.Errorf("config: MAX_BATCH_SIZE must be positive, got %d", c.Scheduler.MaxBatchSize)
	}
	if c.Scheduler.ProcessingIntervalMs <= 0 {
		return fmt.Errorf("config: PROCESSING_INTERVAL_MS must be positive, got %d", c.Scheduler.ProcessingIntervalMs)
	}
	if c.Scheduler.StaleLockThresholdMs <= 0 {
		return fmt.Errorf("config: STALE_LOCK_THRESHOLD_MS must be positive, got %d", c.Scheduler.StaleLockThresholdMs)
	}
	if c.Scheduler.JobProcessingConcurrency <= 0 {
		return fmt.Errorf("config: JOB_PROCESSING_CONCURRENCY must be positive, got %d", c.Scheduler.JobProcessingConcurrency)
	}
	if c.Execution.MaxConcurrency <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENCY must be positive, got %d", c.Execution.MaxConcurrency)
	}
	if c.Execution.DefaultConcurrencyLimit < 1 {
		return fmt.Errorf("config: DEFAULT_CONCURRENCY_LIMIT must be at least 1, got %d", c.Execution.DefaultConcurrencyLimit)
	}
	if c.Execution.WarnFailureRatio < 0 || c.Execution.WarnFailureRatio > 1 {
		return fmt.Errorf("config: WARN_FAILURE_RATIO must be in [0,1], got %v", c.Execution.WarnFailureRatio)
	}
	if c.Execution.CriticalFailureRatio < c.Execution.WarnFailureRatio || c.Execution.CriticalFailureRatio > 1 {
		return fmt.Errorf("config: CRITICAL_FAILURE_RATIO must be in [WARN_FAILURE_RATIO,1], got %v", c.Execution.CriticalFailureRatio)
	}
	if c.PromptOpt.MaxMessages <= 0 {
		return fmt.Errorf("config: PROMPT_OPT_MAX_MESSAGES must be positive, got %d", c.PromptOpt.MaxMessages)
	}
	if c.PromptOpt.MinRecentMessages < 0 {
		return fmt.Errorf("config: PROMPT_OPT_MIN_RECENT must be non-negative, got %d", c.PromptOpt.MinRecentMessages)
	}
	if c.Validation.MaxRepairAttempts < 0 {
		return fmt.Errorf("config: MAX_REPAIR_ATTEMPTS must be non-negative, got %d", c.Validation.MaxRepairAttempts)
	}
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
