package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gantry-io/gantry/internal/engine"
)

// Config holds all gantry server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string       `json:"db_path"`
	LogLevel    string       `json:"log_level"`
	PoolSize    int          `json:"pool_size"`
	TemplateDir string       `json:"template_dir"`
	CronEnabled bool         `json:"cron_enabled"`
	Engine      EngineConfig `json:"engine"`
}

// EngineConfig overrides individual engine tunables. A zero field keeps
// the engine default, so operators only set what they want to change.
type EngineConfig struct {
	StepTimeoutSeconds  int     `json:"step_timeout_seconds"`
	BackoffBaseSeconds  int     `json:"backoff_base_seconds"`
	BackoffCapSeconds   int     `json:"backoff_cap_seconds"`
	DelayBufferSeconds  int     `json:"delay_buffer_seconds"`
	DelayCapSeconds     int     `json:"delay_cap_seconds"`
	WaitingDelaySeconds int     `json:"waiting_delay_seconds"`
	ProbeDelaySeconds   int     `json:"probe_delay_seconds"`
	PoolFraction        float64 `json:"pool_fraction"`
	MinConcurrency      int     `json:"min_concurrency"`
	MaxConcurrency      int     `json:"max_concurrency"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(gantryDir(), "gantry.db"),
		LogLevel:    "info",
		PoolSize:    10,
		CronEnabled: true,
	}
}

func gantryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gantry"
	}
	return filepath.Join(home, ".gantry")
}

func settingsPath() string {
	return filepath.Join(gantryDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath())
}

func loadConfigFrom(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GANTRY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GANTRY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envInt("GANTRY_POOL_SIZE", &cfg.PoolSize)
	if v := os.Getenv("GANTRY_TEMPLATE_DIR"); v != "" {
		cfg.TemplateDir = v
	}
	if v := os.Getenv("GANTRY_CRON"); v != "" {
		cfg.CronEnabled = v == "true" || v == "1"
	}

	envInt("GANTRY_STEP_TIMEOUT", &cfg.Engine.StepTimeoutSeconds)
	envInt("GANTRY_BACKOFF_BASE", &cfg.Engine.BackoffBaseSeconds)
	envInt("GANTRY_BACKOFF_CAP", &cfg.Engine.BackoffCapSeconds)
	envInt("GANTRY_DELAY_BUFFER", &cfg.Engine.DelayBufferSeconds)
	envInt("GANTRY_DELAY_CAP", &cfg.Engine.DelayCapSeconds)
	envInt("GANTRY_WAITING_DELAY", &cfg.Engine.WaitingDelaySeconds)
	envInt("GANTRY_PROBE_DELAY", &cfg.Engine.ProbeDelaySeconds)
	if v := os.Getenv("GANTRY_POOL_FRACTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.PoolFraction = f
		}
	}
	envInt("GANTRY_MIN_CONCURRENCY", &cfg.Engine.MinConcurrency)
	envInt("GANTRY_MAX_CONCURRENCY", &cfg.Engine.MaxConcurrency)

	return cfg
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Tunables resolves the configured engine overrides on top of the
// engine defaults.
func (c Config) Tunables() engine.Tunables {
	tun := engine.DefaultTunables()
	applySeconds(&tun.StepTimeout, c.Engine.StepTimeoutSeconds)
	applySeconds(&tun.BackoffBase, c.Engine.BackoffBaseSeconds)
	applySeconds(&tun.BackoffCap, c.Engine.BackoffCapSeconds)
	applySeconds(&tun.DelayBuffer, c.Engine.DelayBufferSeconds)
	applySeconds(&tun.DelayCap, c.Engine.DelayCapSeconds)
	applySeconds(&tun.WaitingDelay, c.Engine.WaitingDelaySeconds)
	applySeconds(&tun.ProbeDelay, c.Engine.ProbeDelaySeconds)
	if c.Engine.PoolFraction > 0 {
		tun.PoolFraction = c.Engine.PoolFraction
	}
	if c.Engine.MinConcurrency > 0 {
		tun.MinConcurrency = c.Engine.MinConcurrency
	}
	if c.Engine.MaxConcurrency > 0 {
		tun.MaxConcurrency = c.Engine.MaxConcurrency
	}
	return tun
}

func applySeconds(dst *time.Duration, seconds int) {
	if seconds > 0 {
		*dst = time.Duration(seconds) * time.Second
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
