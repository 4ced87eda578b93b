// Package retry provides exponential backoff with jitter for operations
// that fail transiently, such as dialing a ManageSieve server.
//
// Errors wrapped with Stop end the loop at once; server rejections and
// TLS verification failures should be, since repeating them cannot help:
//
//	err := retry.Do(ctx, cfg, func() error {
//		conn, err := dial()
//		if isPermanent(err) {
//			return retry.Stop(err)
//		}
//		return err
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/managesieve/config"
	"github.com/migadu/managesieve/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      2,
	}
}

// FromConfig builds a BackoffConfig from the [retry] section.
func FromConfig(cfg config.RetryConfig) (BackoffConfig, error) {
	b := DefaultBackoffConfig()
	initial, err := cfg.GetInitialInterval()
	if err != nil {
		return b, err
	}
	maxInterval, err := cfg.GetMaxInterval()
	if err != nil {
		return b, err
	}
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxRetries = cfg.MaxRetries
	return b, nil
}

// ExponentialBackoff returns the delay before the given retry attempt.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		duration := time.Duration(interval)

		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}
		return duration
	}
}

type RetryableFunc func() error

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// Do runs fn until it succeeds, returns a StopError, the context ends or
// MaxRetries retries have failed. A StopError is unwrapped before it is
// returned.
func Do(ctx context.Context, config BackoffConfig, fn RetryableFunc) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			logger.Debug("retry stopped", "attempt", attempts, "error", stopErr.Err)
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
