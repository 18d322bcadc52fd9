// Package retrypolicy wraps github.com/cenkalti/backoff/v4 for the one
// retry path this module needs: the per-replica heartbeat probe inside
// endpoint.Registry.RefreshLag.
package retrypolicy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls the shape of the exponential backoff curve.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int
}

// DefaultConfig returns sane exponential backoff defaults.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		Multiplier:      2.0,
		MaxRetries:      10,
	}
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 5 * time.Minute
	}
	if c.Multiplier <= 1.0 {
		c.Multiplier = 2.0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	return c
}

// Execute runs fn, retrying on error with exponential backoff until it
// succeeds, the context is cancelled, or the retry budget (max elapsed
// time or max retries) is exhausted.
func Execute(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime
	b.Multiplier = cfg.Multiplier

	var policy backoff.BackOff = b
	if cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		return fn(ctx)
	}, policy)
}
