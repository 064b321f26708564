package gstpipe

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig contains configuration for exponential backoff on open
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt
	RetryDelay    time.Duration // Initial retry delay
	MaxRetryDelay time.Duration // Maximum retry delay cap
}

// OpenFunc attempts to bring a pipeline up. retryable tells the loop whether
// another attempt could help.
type OpenFunc func(ctx context.Context) (retryable bool, err error)

// RunWithRetry calls openFn until it succeeds, returns a non-retryable error,
// exhausts MaxRetries, or ctx is cancelled
//
// Exponential backoff schedule with RetryDelay=250ms:
//   - Retry 1: 250ms
//   - Retry 2: 500ms
//   - Retry 3: 1s
//
// Cameras often stay busy for a moment after the previous pipeline released
// them, which is the case this loop exists for.
func RunWithRetry(ctx context.Context, openFn OpenFunc, cfg RetryConfig) error {
	attempt := 0
	for {
		retryable, err := openFn(ctx)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("max retries exceeded (%d attempts): %w", attempt+1, err)
		}
		attempt++

		delay := CalculateBackoff(attempt, cfg)
		slog.Warn("framesource: open failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("open cancelled: %w", ctx.Err())
		}
	}
}

// CalculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func CalculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.MaxRetryDelay > 0 && delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}
	return delay
}
