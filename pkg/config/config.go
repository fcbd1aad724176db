package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TierConfig sizes one cache tier
type TierConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// Config is the full engine configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Pool        PoolConfig        `yaml:"pool"`
	Refresh     RefreshConfig     `yaml:"refresh"`
	Rollup      RollupConfig      `yaml:"rollup"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir     string        `yaml:"data_dir"`
	MaxMemoryMB int64         `yaml:"max_memory_mb"`
	InMemory    bool          `yaml:"in_memory"`
	GCInterval  time.Duration `yaml:"gc_interval"`
}

type CacheConfig struct {
	Day         TierConfig  `yaml:"day"`
	Week        TierConfig  `yaml:"week"`
	Month       TierConfig  `yaml:"month"`
	Correlation TierConfig  `yaml:"correlation"`
	Anomaly     TierConfig  `yaml:"anomaly"`
	Retry       RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type PoolConfig struct {
	InteractiveWorkers int `yaml:"interactive_workers"`
	BackgroundWorkers  int `yaml:"background_workers"`
	QueueSize          int `yaml:"queue_size"`
}

type RefreshConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MarginFraction float64       `yaml:"margin_fraction"`
	MinMargin      time.Duration `yaml:"min_margin"`
	Rate           float64       `yaml:"rate"`
	Burst          int           `yaml:"burst"`
	PrewarmDays    int           `yaml:"prewarm_days"`
}

type RollupConfig struct {
	// Attribution is "majority" or "week_start"
	Attribution     string `yaml:"attribution"`
	MajorityMinDays int    `yaml:"majority_min_days"`
}

type CorrelationConfig struct {
	MaxLag     int `yaml:"max_lag"`
	MinOverlap int `yaml:"min_overlap"`
}

type AnomalyConfig struct {
	Window         int     `yaml:"window"`
	ZThreshold     float64 `yaml:"z_threshold"`
	TrendThreshold float64 `yaml:"trend_threshold"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			RequestTimeout:  DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			DataDir:     DefaultDataDir,
			MaxMemoryMB: DefaultMaxMemoryMB,
			GCInterval:  BadgerGCInterval,
		},
		Cache: CacheConfig{
			Day:         TierConfig{Capacity: 20000, TTL: 6 * time.Hour},
			Week:        TierConfig{Capacity: 5000, TTL: 12 * time.Hour},
			Month:       TierConfig{Capacity: 2000, TTL: 24 * time.Hour},
			Correlation: TierConfig{Capacity: 500, TTL: time.Hour},
			Anomaly:     TierConfig{Capacity: 500, TTL: time.Hour},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   50 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
		},
		Pool: PoolConfig{
			InteractiveWorkers: 8,
			BackgroundWorkers:  2,
			QueueSize:          1024,
		},
		Refresh: RefreshConfig{
			Enabled:        true,
			Interval:       time.Minute,
			MarginFraction: 0.1,
			MinMargin:      30 * time.Second,
			Rate:           50,
			Burst:          10,
			PrewarmDays:    0,
		},
		Rollup: RollupConfig{
			Attribution:     "majority",
			MajorityMinDays: 4,
		},
		Correlation: CorrelationConfig{
			MaxLag:     7,
			MinOverlap: 3,
		},
		Anomaly: AnomalyConfig{
			Window:         30,
			ZThreshold:     2.5,
			TrendThreshold: 0.25,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then environment overrides,
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("HEALTHOBS_PORT"); port != "" {
		c.Server.Port = port
	} else if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if dir := os.Getenv("HEALTHOBS_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if level := os.Getenv("HEALTHOBS_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	var err error
	if c.Storage.MaxMemoryMB, err = getEnvInt64("HEALTHOBS_MAX_MEMORY_MB", c.Storage.MaxMemoryMB); err != nil {
		return err
	}
	if c.Pool.InteractiveWorkers, err = getEnvInt("HEALTHOBS_INTERACTIVE_WORKERS", c.Pool.InteractiveWorkers); err != nil {
		return err
	}
	if c.Pool.BackgroundWorkers, err = getEnvInt("HEALTHOBS_BACKGROUND_WORKERS", c.Pool.BackgroundWorkers); err != nil {
		return err
	}
	return nil
}

// getEnvInt64 gets an int64 from an environment variable or returns the current value.
func getEnvInt64(key string, current int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, val)
	}
	return parsed, nil
}

func getEnvInt(key string, current int) (int, error) {
	v, err := getEnvInt64(key, int64(current))
	return int(v), err
}

// Validate reports every invalid setting at once
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required unless storage.in_memory is set"))
	}

	tiers := map[string]TierConfig{
		"day":         c.Cache.Day,
		"week":        c.Cache.Week,
		"month":       c.Cache.Month,
		"correlation": c.Cache.Correlation,
		"anomaly":     c.Cache.Anomaly,
	}
	for _, name := range []string{"day", "week", "month", "correlation", "anomaly"} {
		tc := tiers[name]
		if tc.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("cache.%s.capacity must be positive", name))
		}
		if tc.TTL <= 0 {
			errs = append(errs, fmt.Errorf("cache.%s.ttl must be positive", name))
		}
	}
	if c.Cache.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("cache.retry.max_attempts must be at least 1"))
	}

	if c.Pool.InteractiveWorkers < 1 {
		errs = append(errs, errors.New("pool.interactive_workers must be at least 1"))
	}
	if c.Pool.BackgroundWorkers < 0 || c.Pool.BackgroundWorkers >= c.Pool.InteractiveWorkers {
		errs = append(errs, fmt.Errorf("pool.background_workers (%d) must be fewer than pool.interactive_workers (%d)",
			c.Pool.BackgroundWorkers, c.Pool.InteractiveWorkers))
	}
	if c.Pool.QueueSize < 1 {
		errs = append(errs, errors.New("pool.queue_size must be at least 1"))
	}

	if c.Refresh.Enabled {
		if c.Refresh.Interval <= 0 {
			errs = append(errs, errors.New("refresh.interval must be positive"))
		}
		if c.Refresh.MarginFraction <= 0 || c.Refresh.MarginFraction >= 1 {
			errs = append(errs, errors.New("refresh.margin_fraction must be in (0, 1)"))
		}
		if c.Refresh.Rate <= 0 || c.Refresh.Burst < 1 {
			errs = append(errs, errors.New("refresh.rate and refresh.burst must be positive"))
		}
	}
	if c.Refresh.PrewarmDays < 0 {
		errs = append(errs, errors.New("refresh.prewarm_days must not be negative"))
	}

	switch c.Rollup.Attribution {
	case "majority", "week_start":
	default:
		errs = append(errs, fmt.Errorf("rollup.attribution %q is not majority or week_start", c.Rollup.Attribution))
	}
	if c.Rollup.MajorityMinDays < 1 || c.Rollup.MajorityMinDays > 7 {
		errs = append(errs, errors.New("rollup.majority_min_days must be between 1 and 7"))
	}

	if c.Correlation.MaxLag < 0 {
		errs = append(errs, errors.New("correlation.max_lag must not be negative"))
	}
	if c.Correlation.MinOverlap < 3 {
		errs = append(errs, errors.New("correlation.min_overlap must be at least 3"))
	}

	if c.Anomaly.Window < 2 {
		errs = append(errs, errors.New("anomaly.window must be at least 2"))
	}
	if c.Anomaly.ZThreshold <= 0 || c.Anomaly.TrendThreshold <= 0 {
		errs = append(errs, errors.New("anomaly thresholds must be positive"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}

	return errors.Join(errs...)
}
