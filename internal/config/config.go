package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Frontend    FrontendConfig    `yaml:"frontend"`
	Storage     StorageConfig     `yaml:"storage"`
	Client      ClientConfig      `yaml:"client"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type CoordinatorConfig struct {
	Port int `yaml:"port"`

	// MaxUnitsPerMinion caps the batch handed out per poll so one
	// minion cannot starve the rest.
	MaxUnitsPerMinion int `yaml:"max_units_per_minion"`

	// BuildTimeout bounds the blocking wait for the build exit code.
	BuildTimeout time.Duration `yaml:"build_timeout"`

	// ShutdownGrace bounds server teardown. Exceeding it is fatal.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type FrontendConfig struct {
	Port int `yaml:"port"`

	// DataDir holds build records and per-run event logs.
	DataDir string `yaml:"data_dir"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3"

	LocalDir string `yaml:"local_dir"`

	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type ClientConfig struct {
	FrontendURL    string        `yaml:"frontend_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// UploadWorkers bounds the pool used for missing-file uploads.
	UploadWorkers int `yaml:"upload_workers"`

	// RetryMaxElapsed caps backoff retry of transient request failures.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`

	// StatusPollInterval is the delay between build status polls.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Load reads the optional YAML config file named by HIVE_CONFIG and
// applies environment variable overrides on top.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("HIVE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Coordinator.MaxUnitsPerMinion < 1 {
		return cfg, fmt.Errorf("max_units_per_minion must be >= 1, got %d", cfg.Coordinator.MaxUnitsPerMinion)
	}

	return cfg, nil
}

// MustLoad is Load for main functions.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Coordinator: CoordinatorConfig{
			Port:              4242,
			MaxUnitsPerMinion: 10,
			BuildTimeout:      2 * time.Hour,
			ShutdownGrace:     2 * time.Second,
		},
		Frontend: FrontendConfig{
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./data/cas",
			Prefix:   "cas/",
		},
		Client: ClientConfig{
			FrontendURL:        "http://localhost:8080",
			RequestTimeout:     30 * time.Second,
			UploadWorkers:      8,
			RetryMaxElapsed:    2 * time.Minute,
			StatusPollInterval: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	cfg.Coordinator.Port = getenvInt("COORDINATOR_PORT", cfg.Coordinator.Port)
	cfg.Coordinator.MaxUnitsPerMinion = getenvInt("MAX_UNITS_PER_MINION", cfg.Coordinator.MaxUnitsPerMinion)
	cfg.Coordinator.BuildTimeout = getenvDuration("BUILD_TIMEOUT", cfg.Coordinator.BuildTimeout)
	cfg.Coordinator.ShutdownGrace = getenvDuration("SHUTDOWN_GRACE", cfg.Coordinator.ShutdownGrace)

	cfg.Frontend.Port = getenvInt("FRONTEND_PORT", cfg.Frontend.Port)
	cfg.Frontend.DataDir = getenvDefault("FRONTEND_DATA_DIR", cfg.Frontend.DataDir)

	cfg.Storage.Backend = getenvDefault("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalDir = getenvDefault("STORAGE_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Prefix = getenvDefault("STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.S3Endpoint = getenvDefault("STORAGE_S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("STORAGE_S3_REGION", cfg.Storage.S3Region)

	cfg.Client.FrontendURL = getenvDefault("FRONTEND_URL", cfg.Client.FrontendURL)
	cfg.Client.RequestTimeout = getenvDuration("REQUEST_TIMEOUT", cfg.Client.RequestTimeout)
	cfg.Client.UploadWorkers = getenvInt("UPLOAD_WORKERS", cfg.Client.UploadWorkers)
	cfg.Client.RetryMaxElapsed = getenvDuration("RETRY_MAX_ELAPSED", cfg.Client.RetryMaxElapsed)
	cfg.Client.StatusPollInterval = getenvDuration("STATUS_POLL_INTERVAL", cfg.Client.StatusPollInterval)

	cfg.Metrics.Enabled = getenvDefault("METRICS_ENABLED", "") == "true" || cfg.Metrics.Enabled
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
