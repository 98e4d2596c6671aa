// Package config loads pipeboard configuration from defaults, an optional
// config file, PIPEBOARD_* environment variables, and runtime overrides.
//
// Precedence, highest first: runtime overrides, environment, config file,
// defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "PIPEBOARD"

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the process loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// JobsConfig configures the orchestrator, executor, and job store.
type JobsConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      float64       `mapstructure:"backoff_base"`
	BackoffCeiling   time.Duration `mapstructure:"backoff_ceiling"`
	TerminationGrace time.Duration `mapstructure:"termination_grace"`
	DataDir          string        `mapstructure:"data_dir"`
	ArtifactsDir     string        `mapstructure:"artifacts_dir"`
	ProjectRoot      string        `mapstructure:"project_root"`
	IndexPath        string        `mapstructure:"index_path"`
	CatalogPath      string        `mapstructure:"catalog_path"`
}

// ArchiveConfig configures optional S3 artifact archival.
type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// envBindings maps short env var suffixes onto config keys, so operators can
// set PIPEBOARD_PORT instead of PIPEBOARD_SERVER_PORT.
var envBindings = map[string]string{
	"server.host":             "HOST",
	"server.port":             "PORT",
	"server.read_timeout":     "READ_TIMEOUT",
	"server.write_timeout":    "WRITE_TIMEOUT",
	"server.idle_timeout":     "IDLE_TIMEOUT",
	"server.shutdown_timeout": "SHUTDOWN_TIMEOUT",
	"logging.level":           "LOG_LEVEL",
	"logging.profile":         "LOG_PROFILE",
	"health.enabled":          "HEALTH_ENABLED",
	"jobs.concurrency":        "CONCURRENCY",
	"jobs.max_retries":        "MAX_RETRIES",
	"jobs.backoff_base":       "BACKOFF_BASE",
	"jobs.backoff_ceiling":    "BACKOFF_CEILING",
	"jobs.termination_grace":  "TERMINATION_GRACE",
	"jobs.data_dir":           "DATA_DIR",
	"jobs.artifacts_dir":      "ARTIFACTS_DIR",
	"jobs.project_root":       "PROJECT_ROOT",
	"jobs.index_path":         "INDEX_PATH",
	"jobs.catalog_path":       "CATALOG_PATH",
	"archive.enabled":         "ARCHIVE_ENABLED",
	"archive.bucket":          "ARCHIVE_BUCKET",
	"archive.prefix":          "ARCHIVE_PREFIX",
	"archive.region":          "ARCHIVE_REGION",
	"archive.endpoint":        "ARCHIVE_ENDPOINT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)

	v.SetDefault("jobs.concurrency", 2)
	v.SetDefault("jobs.max_retries", 1)
	v.SetDefault("jobs.backoff_base", 2.0)
	v.SetDefault("jobs.backoff_ceiling", "60s")
	v.SetDefault("jobs.termination_grace", "20s")
	v.SetDefault("jobs.data_dir", "./data/jobs")
	v.SetDefault("jobs.artifacts_dir", "./data/artifacts")
	v.SetDefault("jobs.project_root", ".")
	v.SetDefault("jobs.index_path", "./data/pipeboard.db")
	v.SetDefault("jobs.catalog_path", "")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.force_path_style", false)
}

// Load builds the configuration and installs it as the process config.
// Optional overrides (nested maps keyed like the config file) take
// precedence over everything else.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("pipeboard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, suffix := range envBindings {
		if err := v.BindEnv(key, envPrefix+"_"+suffix); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	for _, o := range overrides {
		if err := v.MergeConfigMap(o); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
		// MergeConfigMap merges at config-file precedence; re-set the
		// leaves so runtime overrides beat env vars too.
		applyOverrideLeaves(v, "", o)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has not run.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func applyOverrideLeaves(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrideLeaves(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}
