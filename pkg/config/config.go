// Package config loads webgraph configuration from defaults, an optional
// YAML file and WEBGRAPH_* environment variables, in that order of precedence.
//
// Example Usage:
//
//	cfg, err := config.Load("webgraph.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Println(cfg)
//
// Environment Variables:
//   - WEBGRAPH_STORAGE_BACKEND=file|badger|memory
//   - WEBGRAPH_STORAGE_PATH=./data/webgraph.snapshot
//   - WEBGRAPH_STORAGE_SYNC_WRITES=true
//   - WEBGRAPH_STORAGE_MAX_RETRIES=3
//   - WEBGRAPH_STORAGE_RETRY_BACKOFF=50ms
//   - WEBGRAPH_PAGERANK_DAMPING=0.85
//   - WEBGRAPH_PAGERANK_TOLERANCE=1e-6
//   - WEBGRAPH_PAGERANK_MAX_ITERATIONS=100
//   - WEBGRAPH_PAGERANK_INTERVAL=1h
//   - WEBGRAPH_PAGERANK_SCHEDULER_ENABLED=true
//   - WEBGRAPH_PAGERANK_RESTORE_SCORES=false
//   - WEBGRAPH_LOG_LEVEL=debug|info|warn|error
//   - WEBGRAPH_LOG_FORMAT=json|console
//   - WEBGRAPH_METRICS_ENABLED=true
//   - WEBGRAPH_METRICS_NAMESPACE=webgraph
//   - WEBGRAPH_NEIGHBORHOOD_CACHE_SIZE=1024
//   - WEBGRAPH_NEIGHBORHOOD_CACHE_TTL=0s
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds all webgraph configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	PageRank PageRankConfig `yaml:"pagerank"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	Neighborhood NeighborhoodConfig `yaml:"neighborhood"`
}

// StorageConfig selects and tunes the snapshot backend.
type StorageConfig struct {
	// Backend is file, badger or memory.
	Backend string `yaml:"backend"`
	// Path is the snapshot file (file) or database directory (badger).
	Path string `yaml:"path"`
	// SyncWrites fsyncs every snapshot write.
	SyncWrites bool `yaml:"sync_writes"`
	// MaxRetries is how often a failed write is retried.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the base delay between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// PageRankConfig holds iteration parameters and scheduling.
type PageRankConfig struct {
	Damping          float64       `yaml:"damping"`
	Tolerance        float64       `yaml:"tolerance"`
	MaxIterations    int           `yaml:"max_iterations"`
	Interval         time.Duration `yaml:"interval"`
	SchedulerEnabled bool          `yaml:"scheduler_enabled"`
	// RestoreScores installs the rank table saved in the snapshot on startup.
	RestoreScores bool `yaml:"restore_scores"`
}

// NeighborhoodConfig tunes the traversal result cache.
type NeighborhoodConfig struct {
	// CacheSize bounds the cached traversals; 0 disables the cache.
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:      BackendFile,
			Path:         "./data/webgraph.snapshot",
			SyncWrites:   true,
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		PageRank: PageRankConfig{
			Damping:          0.85,
			Tolerance:        1e-6,
			MaxIterations:    100,
			Interval:         time.Hour,
			SchedulerEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "webgraph",
		},
		Neighborhood: NeighborhoodConfig{
			CacheSize: 1024,
		},
	}
}

// LoadFile reads a YAML file on top of the defaults. Keys absent from the
// file keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteFile saves c as YAML at path, creating parent directories.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides, then each
// override in order. The result is validated.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides c with any WEBGRAPH_* variables that are set.
// Unparseable values are ignored.
func (c *Config) ApplyEnv() {
	c.Storage.Backend = getEnv("WEBGRAPH_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Path = getEnv("WEBGRAPH_STORAGE_PATH", c.Storage.Path)
	c.Storage.SyncWrites = getEnvBool("WEBGRAPH_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.MaxRetries = getEnvInt("WEBGRAPH_STORAGE_MAX_RETRIES", c.Storage.MaxRetries)
	c.Storage.RetryBackoff = getEnvDuration("WEBGRAPH_STORAGE_RETRY_BACKOFF", c.Storage.RetryBackoff)

	c.PageRank.Damping = getEnvFloat("WEBGRAPH_PAGERANK_DAMPING", c.PageRank.Damping)
	c.PageRank.Tolerance = getEnvFloat("WEBGRAPH_PAGERANK_TOLERANCE", c.PageRank.Tolerance)
	c.PageRank.MaxIterations = getEnvInt("WEBGRAPH_PAGERANK_MAX_ITERATIONS", c.PageRank.MaxIterations)
	c.PageRank.Interval = getEnvDuration("WEBGRAPH_PAGERANK_INTERVAL", c.PageRank.Interval)
	c.PageRank.SchedulerEnabled = getEnvBool("WEBGRAPH_PAGERANK_SCHEDULER_ENABLED", c.PageRank.SchedulerEnabled)
	c.PageRank.RestoreScores = getEnvBool("WEBGRAPH_PAGERANK_RESTORE_SCORES", c.PageRank.RestoreScores)

	c.Logging.Level = strings.ToLower(getEnv("WEBGRAPH_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("WEBGRAPH_LOG_FORMAT", c.Logging.Format))

	c.Metrics.Enabled = getEnvBool("WEBGRAPH_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("WEBGRAPH_METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Neighborhood.CacheSize = getEnvInt("WEBGRAPH_NEIGHBORHOOD_CACHE_SIZE", c.Neighborhood.CacheSize)
	c.Neighborhood.CacheTTL = getEnvDuration("WEBGRAPH_NEIGHBORHOOD_CACHE_TTL", c.Neighborhood.CacheTTL)
}

// Validate checks the configuration for values that cannot work.
//
// Returns nil if configuration is valid, or an error describing every problem.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendFile, BackendBadger:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}
	if c.Storage.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid storage.max_retries: %d", c.Storage.MaxRetries))
	}
	if c.Storage.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("invalid storage.retry_backoff: %s", c.Storage.RetryBackoff))
	}

	// Written as negated ranges so NaN fails them.
	if !(c.PageRank.Damping > 0 && c.PageRank.Damping < 1) {
		errs = append(errs, fmt.Errorf("pagerank.damping must be in (0,1), got %g", c.PageRank.Damping))
	}
	if !(c.PageRank.Tolerance > 0) || math.IsInf(c.PageRank.Tolerance, 1) {
		errs = append(errs, fmt.Errorf("pagerank.tolerance must be positive and finite, got %g", c.PageRank.Tolerance))
	}
	if c.PageRank.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("invalid pagerank.max_iterations: %d", c.PageRank.MaxIterations))
	}
	if c.PageRank.SchedulerEnabled && c.PageRank.Interval <= 0 {
		errs = append(errs, fmt.Errorf("pagerank.interval must be positive when the scheduler is enabled, got %s", c.PageRank.Interval))
	}

	if c.Neighborhood.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("invalid neighborhood.cache_size: %d", c.Neighborhood.CacheSize))
	}
	if c.Neighborhood.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("invalid neighborhood.cache_ttl: %s", c.Neighborhood.CacheTTL))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level: %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Storage: %s:%s, PageRank: d=%g tol=%g max=%d every=%s (scheduler=%v), Log: %s/%s, Metrics: %v}",
		c.Storage.Backend, c.Storage.Path,
		c.PageRank.Damping, c.PageRank.Tolerance, c.PageRank.MaxIterations,
		c.PageRank.Interval, c.PageRank.SchedulerEnabled,
		c.Logging.Level, c.Logging.Format,
		c.Metrics.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
