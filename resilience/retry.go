// Retry implements context-aware exponential backoff with jitter,
// grounded on the teacher's ai/providers/base.go BaseClient.ExecuteWithRetry:
// same doubling-backoff-with-cap shape, generalized with a pluggable
// classifier so callers (scheduler, llmgateway) decide what counts as
// retryable via errs.Retryable rather than a fixed status-code table.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

// RetryConfig controls backoff shape (teacher's RetryConfig/DefaultRetryConfig).
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Classify reports whether err should be retried. Defaults to
	// errs.Retryable when nil.
	Classify func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs fn up to cfg.MaxAttempts times, sleeping an exponentially
// growing, jittered delay between attempts, honoring ctx cancellation
// in place of sleeping. Returns the last error if every attempt fails
// or the error is classified non-retryable.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	classify := cfg.Classify
	if classify == nil {
		classify = errs.Retryable
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(cfg.BaseDelay, cfg.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes base * 2^attempt capped at max, plus up to 20%
// jitter, matching the teacher's retry delay computation.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 + 1))
	return d + jitter
}
