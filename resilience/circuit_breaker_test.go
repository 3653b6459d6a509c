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

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 10, SleepWindow: time.Second})
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	for i := 0; i < 10; i++ {
		b.Execute(context.Background(), func(context.Context) error { return nil })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensPastErrorThreshold(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 4, SleepWindow: time.Minute})
	for i := 0; i < 4; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, errs.ErrOverloaded)
}

func TestBreakerHalfOpensAfterSleepWindow(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 2, SleepWindow: 10 * time.Millisecond, HalfOpenRequests: 2, SuccessThreshold: 1})
	for i := 0; i < 2; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 2, SleepWindow: 10 * time.Millisecond, HalfOpenRequests: 2, SuccessThreshold: 1})
	for i := 0; i < 2; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.5, VolumeThreshold: 2, SleepWindow: 10 * time.Millisecond, HalfOpenRequests: 2, SuccessThreshold: 2})
	for i := 0; i < 2; i++ {
		b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(context.Background(), func(context.Context) error { return errors.New("still broken") })
	assert.Equal(t, StateOpen, b.State())
}

func TestResetForcesClosed(t *testing.T) {
	b := New(Config{Name: "t", ErrorThreshold: 0.1, VolumeThreshold: 1, SleepWindow: time.Minute})
	b.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}
