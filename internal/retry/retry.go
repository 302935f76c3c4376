package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mqtt-relay/config"
	"mqtt-relay/internal/logger"
)

// Policy retries an operation with exponential backoff.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // total attempts including the first; 0 = unlimited
	Jitter          float64

	logger *logger.Logger
}

// NewPolicy builds a Policy from validated configuration.
func NewPolicy(cfg config.RetryConfig, log *logger.Logger) (*Policy, error) {
	initial, max, err := cfg.Intervals()
	if err != nil {
		return nil, err
	}
	return &Policy{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      cfg.Multiplier,
		MaxAttempts:     cfg.MaxAttempts,
		Jitter:          backoff.DefaultRandomizationFactor,
		logger:          log,
	}, nil
}

// Retry runs op until it succeeds, the attempts are used up or ctx ends.
// The last error from op is returned, or ctx.Err() if the context ended first.
func (p *Policy) Retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var policy backoff.BackOff = b
	if p.MaxAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.MaxAttempts-1))
	}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		if p.logger != nil {
			p.logger.Warn("attempt failed, retrying",
				"attempt", attempt,
				"next", next,
				"error", err)
		}
	})
}
