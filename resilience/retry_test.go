package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/errs"
)

func TestDoSucceedsWithoutRetryOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrorsUntilSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errs.ErrOverloaded
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return errs.ErrValidation
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errs.ErrOverloaded
	})
	assert.ErrorIs(t, err, errs.ErrOverloaded)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(ctx context.Context, attempt int) error {
		calls++
		return errs.ErrOverloaded
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10)
}

func TestDoUsesCustomClassifier(t *testing.T) {
	custom := errors.New("custom retryable")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
		Classify: func(err error) bool { return errors.Is(err, custom) },
	}
	err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		return custom
	})
	assert.ErrorIs(t, err, custom)
	assert.Equal(t, 3, calls)
}
