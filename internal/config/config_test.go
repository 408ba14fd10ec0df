package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "AI_PROVIDER", "MAX_BATCH_SIZE", "PROCESSING_INTERVAL_MS",
		"STALE_LOCK_THRESHOLD_MS", "JOB_PROCESSING_CONCURRENCY", "MAX_CONCURRENCY",
		"DEFAULT_CONCURRENCY_LIMIT", "WARN_FAILURE_RATIO", "CRITICAL_FAILURE_RATIO")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.AI.Provider)
	assert.Equal(t, 20, cfg.Scheduler.MaxBatchSize)
	assert.Equal(t, 0.25, cfg.Execution.WarnFailureRatio)
	assert.Equal(t, 0.5, cfg.Execution.CriticalFailureRatio)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	clearEnv(t, "MAX_BATCH_SIZE")
	os.Setenv("MAX_BATCH_SIZE", "7")
	t.Cleanup(func() { os.Unsetenv("MAX_BATCH_SIZE") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.MaxBatchSize)
}

func TestValidate_RejectsOutOfRangeTemperature(t *testing.T) {
	cfg := validConfig()
	cfg.AI.Temperature = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveBatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.Scheduler.MaxBatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsCriticalRatioBelowWarnRatio(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.WarnFailureRatio = 0.6
	cfg.Execution.CriticalFailureRatio = 0.5
	assert.Error(t, cfg.Validate())
}

func TestValidate_AcceptsDefaultedConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func validConfig() Config {
	return Config{
		AI: AI{Temperature: 0.2},
		Scheduler: Scheduler{
			MaxBatchSize:             1,
			ProcessingIntervalMs:     1,
			StaleLockThresholdMs:     1,
			JobProcessingConcurrency: 1,
		},
		Execution: Execution{
			MaxConcurrency:          1,
			DefaultConcurrencyLimit: 1,
			WarnFailureRatio:        0.25,
			CriticalFailureRatio:    0.5,
		},
		PromptOpt: PromptOptimization{
			MaxMessages:       1,
			MinRecentMessages: 0,
		},
		Validation: Validation{
			MaxRepairAttempts: 0,
		},
	}
}
