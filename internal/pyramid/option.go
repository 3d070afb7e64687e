package pyramid

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultBatchSize        = 1024
	defaultRetryInterval    = 250 * time.Millisecond
	defaultReadTimeout      = 30 * time.Second
	defaultMaxRetained      = 10000
	defaultMaxQueued        = 100000
	defaultRangeConcurrency = 4
	defaultMaxAttempts      = 3
)

type config struct {
	logger           *zap.Logger
	registerer       prometheus.Registerer
	batchSize        int
	retryInterval    time.Duration
	readTimeout      time.Duration
	maxRetained      int
	maxQueued        int
	rangeConcurrency int
	readsPerSecond   float64
	maxAttempts      int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

func getOpts(opts []Option) (config, error) {
	cfg := config{
		logger:           zap.NewNop(),
		batchSize:        defaultBatchSize,
		retryInterval:    defaultRetryInterval,
		readTimeout:      defaultReadTimeout,
		maxRetained:      defaultMaxRetained,
		maxQueued:        defaultMaxQueued,
		rangeConcurrency: defaultRangeConcurrency,
		maxAttempts:      defaultMaxAttempts,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %w", i, err)
		}
	}
	if cfg.registerer == nil {
		cfg.registerer = prometheus.NewRegistry()
	}
	return cfg, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithRegisterer sets where metrics are registered. By default they go to a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *config) error {
		cfg.registerer = reg
		return nil
	}
}

// WithBatchSize limits how many keys of one layer are fetched in a single
// store read. Zero or less fetches everything queued.
//
// Default is 1024.
func WithBatchSize(n int) Option {
	return func(cfg *config) error {
		cfg.batchSize = n
		return nil
	}
}

// WithRetryInterval sets how long the worker leaves a layer alone after its
// store read failed. Requests for other layers do not shorten the wait.
//
// Default is 250ms.
func WithRetryInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("retry interval must be positive, got %s", d)
		}
		cfg.retryInterval = d
		return nil
	}
}

// WithMaxAttempts sets how many times a tile is read on its own before it is
// abandoned with ErrFetchFailed. A failed batch is split in half on each retry
// until the failing tile is read alone.
//
// Default is 3.
func WithMaxAttempts(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("max attempts must be positive, got %d", n)
		}
		cfg.maxAttempts = n
		return nil
	}
}

// WithReadTimeout bounds how long a blocking read waits for its tiles. Zero
// disables the bound; the caller's context still applies.
//
// Default is 30s.
func WithReadTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("read timeout must not be negative, got %s", d)
		}
		cfg.readTimeout = d
		return nil
	}
}

// WithMaxRetained sets the number of tiles retained per layer.
//
// Default is 10000.
func WithMaxRetained(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("max retained must be positive, got %d", n)
		}
		cfg.maxRetained = n
		return nil
	}
}

// WithMaxQueued caps queued tile requests per layer. Zero means unbounded.
//
// Default is 100000.
func WithMaxQueued(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return fmt.Errorf("max queued must not be negative, got %d", n)
		}
		cfg.maxQueued = n
		return nil
	}
}

// WithRangeConcurrency sets how many rectangles are read at once from stores
// that implement RangeReader.
//
// Default is 4.
func WithRangeConcurrency(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("range concurrency must be positive, got %d", n)
		}
		cfg.rangeConcurrency = n
		return nil
	}
}

// WithReadsPerSecond throttles store reads across all layers. Zero means
// unlimited.
func WithReadsPerSecond(r float64) Option {
	return func(cfg *config) error {
		if r < 0 {
			return fmt.Errorf("reads per second must not be negative, got %v", r)
		}
		cfg.readsPerSecond = r
		return nil
	}
}
