package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantry-io/gantry/internal/engine"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.True(t, cfg.CronEnabled)
	assert.Equal(t, engine.DefaultTunables(), cfg.Tunables())
}

func TestLoadConfig_SettingsOverrideDefaults(t *testing.T) {
	path := writeSettings(t, `{
		"log_level": "debug",
		"engine": {"step_timeout_seconds": 90, "max_concurrency": 4}
	}`)

	cfg := loadConfigFrom(path)
	assert.Equal(t, "debug", cfg.LogLevel)

	tun := cfg.Tunables()
	assert.Equal(t, 90*time.Second, tun.StepTimeout)
	assert.Equal(t, 4, tun.MaxConcurrency)
	// Unset tunables keep the engine defaults.
	assert.Equal(t, engine.DefaultTunables().BackoffBase, tun.BackoffBase)
	assert.Equal(t, engine.DefaultTunables().PoolFraction, tun.PoolFraction)
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	path := writeSettings(t, `{
		"pool_size": 3,
		"engine": {"step_timeout_seconds": 90, "pool_fraction": 0.25}
	}`)
	t.Setenv("GANTRY_POOL_SIZE", "7")
	t.Setenv("GANTRY_STEP_TIMEOUT", "120")
	t.Setenv("GANTRY_POOL_FRACTION", "0.75")
	t.Setenv("GANTRY_MIN_CONCURRENCY", "2")

	cfg := loadConfigFrom(path)
	assert.Equal(t, 7, cfg.PoolSize)

	tun := cfg.Tunables()
	assert.Equal(t, 120*time.Second, tun.StepTimeout)
	assert.Equal(t, 0.75, tun.PoolFraction)
	assert.Equal(t, 2, tun.MinConcurrency)
}

func TestLoadConfig_BadEnvValueIgnored(t *testing.T) {
	t.Setenv("GANTRY_STEP_TIMEOUT", "fast")

	cfg := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, engine.DefaultTunables().StepTimeout, cfg.Tunables().StepTimeout)
}
