// Package config handles environment-based configuration loading and the
// API key set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress string
	Port          int

	// API
	APIMaxBodyBytes int
	APIAuthEnabled  bool
	APIKeysCSV      string
	APIKeysFile     string

	// Actor engine
	StatsSubmitDelay   time.Duration
	VisitsRetention    time.Duration
	StatsSweepSchedule string
	IdleEvictAfter     time.Duration

	// Redirect hot path
	MissCacheSize int
	MissCacheTTL  time.Duration

	// Enrichment
	GeoIPMMDBPath string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid value at once.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("RF_STATE_DIR", "/var/lib/rediflare")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("RF_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("RF_PORT", 8787, &errs)

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("RF_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.APIAuthEnabled = envBool("RF_API_AUTH_ENABLED", true, &errs)
	cfg.APIKeysCSV = envStr("RF_API_KEYS_CSV", "")
	cfg.APIKeysFile = envStr("RF_API_KEYS_FILE", "")

	// --- Actor engine ---
	cfg.StatsSubmitDelay = envDuration("RF_STATS_SUBMIT_DELAY", 5*time.Second, &errs)
	cfg.VisitsRetention = envDuration("RF_VISITS_RETENTION", 2*time.Hour, &errs)
	cfg.StatsSweepSchedule = envStr("RF_STATS_SWEEP_SCHEDULE", "@every 10m")
	cfg.IdleEvictAfter = envDuration("RF_ACTOR_IDLE_EVICT_AFTER", 15*time.Minute, &errs)

	// --- Redirect hot path ---
	cfg.MissCacheSize = envInt("RF_REDIRECT_MISS_CACHE_SIZE", 4096, &errs)
	cfg.MissCacheTTL = envDuration("RF_REDIRECT_MISS_CACHE_TTL", 30*time.Second, &errs)

	// --- Enrichment ---
	cfg.GeoIPMMDBPath = envStr("RF_GEOIP_MMDB_PATH", "")

	// --- Validation ---
	if cfg.StateDir == "" {
		errs = append(errs, "RF_STATE_DIR must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "RF_LISTEN_ADDRESS must not be empty")
	}
	validatePort("RF_PORT", cfg.Port, &errs)
	validatePositive("RF_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if cfg.APIAuthEnabled && cfg.APIKeysCSV == "" && cfg.APIKeysFile == "" {
		errs = append(errs, "RF_API_KEYS_CSV or RF_API_KEYS_FILE is required when RF_API_AUTH_ENABLED=true")
	}
	if cfg.StatsSubmitDelay <= 0 {
		errs = append(errs, "RF_STATS_SUBMIT_DELAY must be positive")
	}
	if cfg.VisitsRetention <= 0 {
		errs = append(errs, "RF_VISITS_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(cfg.StatsSweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("RF_STATS_SWEEP_SCHEDULE: invalid cron expression %q: %v", cfg.StatsSweepSchedule, err))
	}
	if cfg.IdleEvictAfter <= 0 {
		errs = append(errs, "RF_ACTOR_IDLE_EVICT_AFTER must be positive")
	}
	validatePositive("RF_REDIRECT_MISS_CACHE_SIZE", cfg.MissCacheSize, &errs)
	if cfg.MissCacheTTL <= 0 {
		errs = append(errs, "RF_REDIRECT_MISS_CACHE_TTL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
