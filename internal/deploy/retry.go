package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryConfig bounds the closure copy: each attempt gets Timeout, and only
// attempts that hit it are retried, up to MaxRetries more times.
type RetryConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

// DefaultRetryConfig returns the copy policy used when nothing is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:       10 * time.Minute,
		MaxRetries:    5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.BackoffFactor
	b.RandomizationFactor = c.Jitter
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	return b
}

// CopyTimeoutError is a copy attempt that did not finish in time.
type CopyTimeoutError struct {
	Host     string
	Timeout  time.Duration
	Attempts int
}

func (e *CopyTimeoutError) Error() string {
	return fmt.Sprintf("copying the closure to %s timed out after %s (attempt %d)", e.Host, e.Timeout, e.Attempts)
}

// Copy outcomes reported to observers.
const (
	CopyOK      = "ok"
	CopyTimeout = "timeout"
	CopyFailed  = "failed"
)

// copyWithRetry runs attempt until it succeeds, fails hard, or the retry
// budget runs out. Only timeouts are retried.
func copyWithRetry(ctx context.Context, cfg RetryConfig, host string, log *zerolog.Logger, report func(outcome string), attempt func(context.Context) error) error {
	tries := 0
	op := func() (struct{}, error) {
		tries++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		defer cancel()

		err := attempt(actx)
		switch {
		case err == nil:
			report(CopyOK)
			return struct{}{}, nil
		case ctx.Err() != nil:
			report(CopyFailed)
			return struct{}{}, backoff.Permanent(err)
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			report(CopyTimeout)
			return struct{}{}, &CopyTimeoutError{Host: host, Timeout: cfg.Timeout, Attempts: tries}
		default:
			report(CopyFailed)
			return struct{}{}, backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", tries).
			Int("max_retries", cfg.MaxRetries).
			Dur("delay", next).
			Msg("Copy timed out, retrying")
	}
	retries := max(cfg.MaxRetries, 0)
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return err
}
