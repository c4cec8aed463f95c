package orchestrator

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls tick cadence and batch sizing.
type Config struct {
	// TickInterval is the period between orchestration runs.
	TickInterval time.Duration
	// TickTimeout bounds a single run.
	TickTimeout time.Duration
	// ClaimWindow is the most PENDING rows a single tick claims.
	ClaimWindow int
	// RecoveryThreshold is how old an unconfirmed batch must be before it
	// is examined: re-confirmed when the balance service shows completed
	// payments for it, flagged for operators otherwise.
	RecoveryThreshold time.Duration
	// BatchAgeAlert is how old a confirmed, unsettled batch must be before
	// it is flagged as stuck.
	BatchAgeAlert time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Minute,
		TickTimeout:       30 * time.Second,
		ClaimWindow:       500,
		RecoveryThreshold: 15 * time.Minute,
		BatchAgeAlert:     30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaults.TickTimeout
	}
	if c.ClaimWindow <= 0 {
		c.ClaimWindow = defaults.ClaimWindow
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.BatchAgeAlert <= 0 {
		c.BatchAgeAlert = defaults.BatchAgeAlert
	}
	return c
}

// ProvideConfig reads the orchestrator tunables from the environment,
// falling back to defaults for anything unset.
func ProvideConfig() Config {
	return Config{
		TickInterval:      envDuration("ORCHESTRATOR_TICK_INTERVAL"),
		TickTimeout:       envDuration("ORCHESTRATOR_TICK_TIMEOUT"),
		ClaimWindow:       envInt("ORCHESTRATOR_CLAIM_WINDOW"),
		RecoveryThreshold: envDuration("ORCHESTRATOR_RECOVERY_THRESHOLD"),
		BatchAgeAlert:     envDuration("ORCHESTRATOR_BATCH_AGE_ALERT"),
	}.withDefaults()
}

func envDuration(key string) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return parsed
}

func envInt(key string) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
