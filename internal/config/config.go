// Package config handles meta-builder configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cloud-shuttle/metabuilder/internal/orchestrator"
)

// Config holds meta-builder configuration
type Config struct {
	// Store settings. An empty StorePath selects the in-memory store.
	StorePath string

	// Worker settings
	WorkersPerClass int
	MaxWorkers      int
	LeaseDuration   time.Duration
	SweepInterval   time.Duration

	// Runner timing
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TaskTimeout       time.Duration

	// Run SLO ceilings
	MaxWallClock    time.Duration
	MaxCost         float64
	MaxAttempts     int
	MaxRepairPhases int

	// CounterPolicy is "global" or "per_phase"
	CounterPolicy string

	// Circuit breaker settings for repair attempts
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration

	// DBOS settings. An empty DBOSDatabaseURL disables the durable engine.
	DBOSDatabaseURL string

	// Webhook settings
	WebhookURL    string
	WebhookSecret string

	Verbose bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		StorePath:               defaultStorePath(),
		WorkersPerClass:         2,
		MaxWorkers:              16,
		LeaseDuration:           5 * time.Minute,
		SweepInterval:           60 * time.Second,
		PollInterval:            250 * time.Millisecond,
		HeartbeatInterval:       30 * time.Second,
		TaskTimeout:             10 * time.Minute,
		MaxWallClock:            30 * time.Minute,
		MaxCost:                 10.0,
		MaxAttempts:             10,
		MaxRepairPhases:         4,
		CounterPolicy:           string(orchestrator.CounterGlobal),
		BreakerFailureThreshold: 5,
		BreakerRecoveryTimeout:  5 * time.Minute,
		MaxBackoff:              300 * time.Second,
	}

	// Environment overrides
	if v := os.Getenv("METABUILDER_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("METABUILDER_WORKERS_PER_CLASS"); v != "" {
		cfg.WorkersPerClass = parseIntOrDefault(v, 2)
	}
	if v := os.Getenv("METABUILDER_MAX_WORKERS"); v != "" {
		cfg.MaxWorkers = parseIntOrDefault(v, 16)
	}
	if v := os.Getenv("METABUILDER_LEASE_DURATION"); v != "" {
		cfg.LeaseDuration = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("METABUILDER_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = parseDurationOrDefault(v, 60*time.Second)
	}
	if v := os.Getenv("METABUILDER_TASK_TIMEOUT"); v != "" {
		cfg.TaskTimeout = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("METABUILDER_MAX_WALL_CLOCK"); v != "" {
		cfg.MaxWallClock = parseDurationOrDefault(v, 30*time.Minute)
	}
	if v := os.Getenv("METABUILDER_MAX_COST"); v != "" {
		cfg.MaxCost = parseFloatOrDefault(v, 10.0)
	}
	if v := os.Getenv("METABUILDER_MAX_ATTEMPTS"); v != "" {
		cfg.MaxAttempts = parseIntOrDefault(v, 10)
	}
	if v := os.Getenv("METABUILDER_MAX_REPAIR_PHASES"); v != "" {
		cfg.MaxRepairPhases = parseIntOrDefault(v, 4)
	}
	if v := os.Getenv("METABUILDER_COUNTER_POLICY"); v != "" {
		cfg.CounterPolicy = v
	}
	if v := os.Getenv("METABUILDER_BREAKER_THRESHOLD"); v != "" {
		cfg.BreakerFailureThreshold = parseIntOrDefault(v, 5)
	}
	if v := os.Getenv("METABUILDER_BREAKER_RECOVERY"); v != "" {
		cfg.BreakerRecoveryTimeout = parseDurationOrDefault(v, 5*time.Minute)
	}
	if v := os.Getenv("METABUILDER_MAX_BACKOFF"); v != "" {
		cfg.MaxBackoff = parseDurationOrDefault(v, 300*time.Second)
	}
	if v := os.Getenv("METABUILDER_DBOS_URL"); v != "" {
		cfg.DBOSDatabaseURL = v
	}
	if v := os.Getenv("METABUILDER_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("METABUILDER_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("METABUILDER_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects settings the orchestrator cannot run with
func (c *Config) validate() error {
	switch orchestrator.CounterPolicy(c.CounterPolicy) {
	case orchestrator.CounterGlobal, orchestrator.CounterPerPhase:
	default:
		return fmt.Errorf("invalid counter policy %q (want %q or %q)",
			c.CounterPolicy, orchestrator.CounterGlobal, orchestrator.CounterPerPhase)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers)
	}
	return nil
}

// defaultStorePath returns the SQLite path inside the working directory
func defaultStorePath() string {
	dir, err := os.Getwd()
	if err != nil {
		return filepath.Join(".metabuilder", "runs.db")
	}
	return filepath.Join(dir, ".metabuilder", "runs.db")
}

func parseIntOrDefault(s string, def int) int {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return def
	}
	return i
}

func parseFloatOrDefault(s string, def float64) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return def
	}
	return f
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
