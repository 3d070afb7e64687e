package requestcache

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetained = 10000
)

type config struct {
	maxRetained int
	maxQueued   int
	logger      *zap.Logger
	now         func() time.Time
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		maxRetained: defaultMaxRetained,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %w", i, err)
		}
	}
	return cfg, nil
}

// WithMaxRetained sets how many fulfilled values are kept before the least
// recently used ones are dropped.
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

// WithMaxQueued caps the number of queued keys. Requests for new keys beyond
// the cap are rejected with ErrQueueFull. Zero means unbounded.
func WithMaxQueued(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return fmt.Errorf("max queued must not be negative, got %d", n)
		}
		cfg.maxQueued = n
		return nil
	}
}

// WithLogger sets the logger used to report failing callbacks.
func WithLogger(l *zap.Logger) Option {
	return func(cfg *config) error {
		if l != nil {
			cfg.logger = l
		}
		return nil
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) error {
		if now != nil {
			cfg.now = now
		}
		return nil
	}
}
