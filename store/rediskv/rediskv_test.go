package rediskv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := Open(context.Background(), "redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return mr, s
}

func TestSetSessionAndGetSessionRoundTrips(t *testing.T) {
	_, s := setupTestStore(t)

	require.NoError(t, s.SetSession(context.Background(), "sess-1", "payload", time.Minute))

	v, err := s.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
}

func TestGetSessionReturnsNotFoundForUnknown(t *testing.T) {
	_, s := setupTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGetSessionReturnsNotFoundAfterTTLExpires(t *testing.T) {
	mr, s := setupTestStore(t)
	require.NoError(t, s.SetSession(context.Background(), "sess-1", "payload", time.Second))

	mr.FastForward(2 * time.Second)

	_, err := s.GetSession(context.Background(), "sess-1")
	assert.Error(t, err)
}

func TestAllowPermitsCallsWithinLimit(t *testing.T) {
	_, s := setupTestStore(t)

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(context.Background(), "caller-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestAllowRejectsCallsOverLimit(t *testing.T) {
	_, s := setupTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := s.Allow(context.Background(), "caller-1", 3, time.Minute)
		require.NoError(t, err)
	}
	ok, err := s.Allow(context.Background(), "caller-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowResetsAfterWindowExpires(t *testing.T) {
	mr, s := setupTestStore(t)

	for i := 0; i < 2; i++ {
		_, err := s.Allow(context.Background(), "caller-1", 2, time.Second)
		require.NoError(t, err)
	}
	ok, err := s.Allow(context.Background(), "caller-1", 2, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = s.Allow(context.Background(), "caller-1", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowTracksDistinctKeysIndependently(t *testing.T) {
	_, s := setupTestStore(t)

	ok, err := s.Allow(context.Background(), "caller-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Allow(context.Background(), "caller-2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutWorkingAndGetWorkingRoundTrips(t *testing.T) {
	_, s := setupTestStore(t)

	require.NoError(t, s.PutWorking(context.Background(), "k1", "v1", time.Minute))

	v, ok, err := s.GetWorking(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestGetWorkingMissesOnUnknownKey(t *testing.T) {
	_, s := setupTestStore(t)

	_, ok, err := s.GetWorking(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetWorkingMissesPastTTL(t *testing.T) {
	mr, s := setupTestStore(t)
	require.NoError(t, s.PutWorking(context.Background(), "k1", "v1", time.Second))

	mr.FastForward(2 * time.Second)

	_, ok, err := s.GetWorking(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
