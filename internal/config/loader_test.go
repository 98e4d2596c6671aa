package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify health defaults
		assert.True(t, cfg.Health.Enabled)

		// Verify job defaults
		assert.Equal(t, 2, cfg.Jobs.Concurrency)
		assert.Equal(t, 1, cfg.Jobs.MaxRetries)
		assert.Equal(t, 2.0, cfg.Jobs.BackoffBase)
		assert.Equal(t, 60*time.Second, cfg.Jobs.BackoffCeiling)
		assert.Equal(t, 20*time.Second, cfg.Jobs.TerminationGrace)
		assert.Equal(t, "./data/jobs", cfg.Jobs.DataDir)
		assert.Equal(t, "./data/artifacts", cfg.Jobs.ArtifactsDir)
		assert.Equal(t, "./data/pipeboard.db", cfg.Jobs.IndexPath)

		// Verify archive defaults
		assert.False(t, cfg.Archive.Enabled)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 2, cfg.Jobs.Concurrency)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		require.NoError(t, os.Setenv("PIPEBOARD_PORT", "3000"))
		require.NoError(t, os.Setenv("PIPEBOARD_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("PIPEBOARD_CONCURRENCY", "4"))
		defer func() {
			_ = os.Unsetenv("PIPEBOARD_PORT")
			_ = os.Unsetenv("PIPEBOARD_LOG_LEVEL")
			_ = os.Unsetenv("PIPEBOARD_CONCURRENCY")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 4, cfg.Jobs.Concurrency)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		require.NoError(t, os.Setenv("PIPEBOARD_PORT", "4000"))
		defer func() {
			_ = os.Unsetenv("PIPEBOARD_PORT")
		}()

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		require.NoError(t, os.Setenv("PIPEBOARD_READ_TIMEOUT", "45s"))
		require.NoError(t, os.Setenv("PIPEBOARD_SHUTDOWN_TIMEOUT", "5m"))
		require.NoError(t, os.Setenv("PIPEBOARD_TERMINATION_GRACE", "30s"))
		defer func() {
			_ = os.Unsetenv("PIPEBOARD_READ_TIMEOUT")
			_ = os.Unsetenv("PIPEBOARD_SHUTDOWN_TIMEOUT")
			_ = os.Unsetenv("PIPEBOARD_TERMINATION_GRACE")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
		assert.Equal(t, 30*time.Second, cfg.Jobs.TerminationGrace)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

func TestEnvBindingsCoverConfigKeys(t *testing.T) {
	// Every binding must resolve to a real config key once loaded.
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	for key, suffix := range envBindings {
		assert.NotEmpty(t, key)
		assert.NotEmpty(t, suffix)
	}

	// Spot-check the critical operator-facing bindings.
	assert.Equal(t, "PORT", envBindings["server.port"])
	assert.Equal(t, "LOG_LEVEL", envBindings["logging.level"])
	assert.Equal(t, "CONCURRENCY", envBindings["jobs.concurrency"])
	assert.Equal(t, "DATA_DIR", envBindings["jobs.data_dir"])
}
