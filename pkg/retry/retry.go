// Package retry provides bounded exponential-backoff retry for
// operations that fail transiently, such as a cloud transfer dropped
// by the network partway through.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Func is an operation that can be retried.
type Func func() error

// Config holds the backoff schedule for a retry loop.
type Config struct {
	// MaxRetries is the number of retry attempts after the first try,
	// so MaxRetries+1 total attempts are made.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay however many attempts have elapsed.
	MaxDelay time.Duration

	// Multiplier is the factor the delay grows by after each attempt.
	Multiplier float64

	// Jitter is the fraction of the current delay added at random, so
	// that many callers retrying at once don't all wake up together.
	Jitter float64
}

// DefaultConfig mirrors the teacher's retry defaults: 3 retries,
// 1s-30s backoff, doubling each time with 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Do runs op, retrying on failure with exponential backoff until it
// succeeds, ctx is cancelled, or cfg.MaxRetries is exhausted.
//
// lnxdrive has no error taxonomy that distinguishes transient network
// failures from permanent ones the way the teacher's pkg/errors does
// (cloud.Client returns plain errors), so every failure is treated as
// retryable except context cancellation, which Do reports immediately
// without sleeping — the caller uses ctx.Err() afterward to tell a
// cancelled request apart from one that exhausted its retries.
func Do(ctx context.Context, op Func, cfg Config) error {
	delay := cfg.InitialDelay
	var err error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == cfg.MaxRetries {
			return err
		}

		jitterRange := float64(delay) * cfg.Jitter
		actualDelay := delay + time.Duration(rand.Float64()*jitterRange)

		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", cfg.MaxRetries).
			Dur("delay", actualDelay).
			Msg("retry: operation failed, retrying after delay")

		select {
		case <-time.After(actualDelay):
		case <-ctx.Done():
			return err
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
