package batchpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents engine configuration.
type Config struct {
	// Default execution config for jobs created without one.
	Exec ExecConfig

	// Execution lease TTL (default: 30s).
	// The lease is renewed every LeaseTTL/3 while a run is active; a job whose
	// lease expired is considered abandoned and may be recovered.
	LeaseTTL time.Duration

	// Status poll interval (default: 1s).
	// How often an active run re-reads the job status so that pause and cancel
	// issued from another process take effect.
	StatusPollInterval time.Duration

	// TTL for finished jobs (default: 30 days).
	// Completed, failed and cancelled jobs older than TTL are deleted by the worker.
	JobTTL time.Duration

	// Cleanup periodicity (default: 1 day).
	// How often the worker deletes expired jobs.
	CleanupInterval time.Duration
}

// DefaultExecConfig returns the execution config used when nothing is set.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Concurrency:       3,
		RetryAttempts:     2,
		RetryDelay:        time.Second,
		DelayBetweenItems: 0,
		StopOnError:       false,
	}
}

// Validate rejects configs that cannot be scheduled.
func (c ExecConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrValidation, c.Concurrency)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry attempts must not be negative, got %d", ErrValidation, c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must not be negative, got %s", ErrValidation, c.RetryDelay)
	}
	if c.DelayBetweenItems < 0 {
		return fmt.Errorf("%w: delay between items must not be negative, got %s", ErrValidation, c.DelayBetweenItems)
	}
	return nil
}

// LoadConfig loads engine configuration from environment variables.
// It reads the following environment variables:
//   - BATCHPOOL_CONCURRENCY: Worker count per job (default: 3)
//   - BATCHPOOL_RETRY_ATTEMPTS: Additional attempts after the first (default: 2)
//   - BATCHPOOL_RETRY_DELAY: Base retry backoff (default: 1s)
//   - BATCHPOOL_ITEM_DELAY: Delay between items per worker (default: 0)
//   - BATCHPOOL_STOP_ON_ERROR: Abort on first failed item (default: false)
//   - BATCHPOOL_LEASE_TTL: Execution lease TTL (default: 30s)
//   - BATCHPOOL_STATUS_POLL_INTERVAL: Status poll interval (default: 1s)
//   - BATCHPOOL_JOB_TTL: TTL for finished jobs (default: 720h)
//   - BATCHPOOL_CLEANUP_INTERVAL: Cleanup interval (default: 24h)
//
// Duration values can be specified as:
//   - Integer number of milliseconds (e.g., "1500" = 1.5 seconds)
//   - Duration string (e.g., "2s", "500ms", "1m30s")
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	def := DefaultExecConfig()
	cfg := &Config{
		Exec: ExecConfig{
			Concurrency:       getEnvInt("BATCHPOOL_CONCURRENCY", def.Concurrency),
			RetryAttempts:     getEnvInt("BATCHPOOL_RETRY_ATTEMPTS", def.RetryAttempts),
			RetryDelay:        getEnvDuration("BATCHPOOL_RETRY_DELAY", def.RetryDelay),
			DelayBetweenItems: getEnvDuration("BATCHPOOL_ITEM_DELAY", def.DelayBetweenItems),
			StopOnError:       getEnvBool("BATCHPOOL_STOP_ON_ERROR", def.StopOnError),
		},
		LeaseTTL:           getEnvDuration("BATCHPOOL_LEASE_TTL", 30*time.Second),
		StatusPollInterval: getEnvDuration("BATCHPOOL_STATUS_POLL_INTERVAL", time.Second),
		JobTTL:             getEnvDuration("BATCHPOOL_JOB_TTL", 30*24*time.Hour),       // 30 days
		CleanupInterval:    getEnvDuration("BATCHPOOL_CLEANUP_INTERVAL", 24*time.Hour), // 1 day
	}

	return cfg
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Exec == (ExecConfig{}) {
		out.Exec = DefaultExecConfig()
	}
	if out.LeaseTTL <= 0 {
		out.LeaseTTL = 30 * time.Second
	}
	if out.StatusPollInterval <= 0 {
		out.StatusPollInterval = time.Second
	}
	if out.JobTTL <= 0 {
		out.JobTTL = 30 * 24 * time.Hour
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = 24 * time.Hour
	}
	return &out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
		// Try parsing as duration string (e.g., "2s", "500ms")
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
