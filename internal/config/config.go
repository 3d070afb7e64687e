package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
)

type Config struct {
	Port            int
	DataDir         string
	LayersFile      string
	Layers          []Layer
	WarmupLevels    int
	VipsMaxCacheMB  int
	VipsConcurrency int
	LogLevel        string
	LogFormat       string
	AllowedOrigin   string
	ShutdownTimeout time.Duration
	Cache           CacheConfig
}

// CacheConfig tunes the caching pyramid.
type CacheConfig struct {
	MaxTiles         int
	MaxQueued        int
	BatchSize        int
	RetryInterval    time.Duration
	MaxAttempts      int
	ReadTimeout      time.Duration
	RangeConcurrency int
	ReadsPerSecond   float64
}

// Load reads the configuration from the environment and the layers file,
// then validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnvInt("PORT", 8080),
		DataDir:         getEnv("DATA_DIR", "/data"),
		LayersFile:      getEnv("LAYERS_FILE", ""),
		WarmupLevels:    getEnvInt("WARMUP_LEVELS", 1),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", ""),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Cache: CacheConfig{
			MaxTiles:         getEnvInt("CACHE_MAX_TILES", 10000),
			MaxQueued:        getEnvInt("CACHE_MAX_QUEUED", 100000),
			BatchSize:        getEnvInt("FETCH_BATCH_SIZE", 1024),
			RetryInterval:    getEnvDuration("FETCH_RETRY_INTERVAL", 250*time.Millisecond),
			MaxAttempts:      getEnvInt("FETCH_MAX_ATTEMPTS", 3),
			ReadTimeout:      getEnvDuration("READ_TIMEOUT", 30*time.Second),
			RangeConcurrency: getEnvInt("FETCH_RANGE_CONCURRENCY", 4),
			ReadsPerSecond:   getEnvFloat("STORE_READS_PER_SECOND", 0),
		},
	}

	if cfg.LayersFile != "" {
		layers, err := LoadLayers(cfg.LayersFile)
		if err != nil {
			return nil, err
		}
		cfg.Layers = layers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.WarmupLevels < 0 {
		err = multierr.Append(err, fmt.Errorf("WARMUP_LEVELS must not be negative: %d", c.WarmupLevels))
	}
	if c.Cache.MaxTiles <= 0 {
		err = multierr.Append(err, fmt.Errorf("CACHE_MAX_TILES must be positive: %d", c.Cache.MaxTiles))
	}
	if c.Cache.MaxQueued < 0 {
		err = multierr.Append(err, fmt.Errorf("CACHE_MAX_QUEUED must not be negative: %d", c.Cache.MaxQueued))
	}
	if c.Cache.RetryInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("FETCH_RETRY_INTERVAL must be positive: %s", c.Cache.RetryInterval))
	}
	if c.Cache.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("FETCH_MAX_ATTEMPTS must be positive: %d", c.Cache.MaxAttempts))
	}
	if c.Cache.ReadTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("READ_TIMEOUT must not be negative: %s", c.Cache.ReadTimeout))
	}
	if c.Cache.RangeConcurrency <= 0 {
		err = multierr.Append(err, fmt.Errorf("FETCH_RANGE_CONCURRENCY must be positive: %d", c.Cache.RangeConcurrency))
	}
	if c.Cache.ReadsPerSecond < 0 {
		err = multierr.Append(err, fmt.Errorf("STORE_READS_PER_SECOND must not be negative: %v", c.Cache.ReadsPerSecond))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("LOG_FORMAT must be json or console: %q", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Layers))
	for i, l := range c.Layers {
		if seen[l.ID] {
			err = multierr.Append(err, fmt.Errorf("layer %d: duplicate id %q", i, l.ID))
		}
		seen[l.ID] = true
		err = multierr.Append(err, l.Validate())
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
