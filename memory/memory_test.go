package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), LayerSession, "k1", "v1", nil, 0))

	v, ok := s.Get(context.Background(), LayerSession, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestGetMissesOnUnknownKey(t *testing.T) {
	s := New()
	_, ok := s.Get(context.Background(), LayerSession, "missing")
	assert.False(t, ok)
}

func TestPutRejectsUnknownLayer(t *testing.T) {
	s := New()
	err := s.Put(context.Background(), Layer("bogus"), "k", "v", nil, 0)
	assert.Error(t, err)
}

func TestGetExpiresEntryPastTTL(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), LayerEphemeral, "k1", "v1", nil, 5*time.Millisecond))
	time.Sleep(15 * time.Millisecond)

	_, ok := s.Get(context.Background(), LayerEphemeral, "k1")
	assert.False(t, ok)
}

func TestProfileLayerHasNoDefaultExpiry(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), LayerProfile, "k1", "v1", nil, 0))
	time.Sleep(5 * time.Millisecond)

	v, ok := s.Get(context.Background(), LayerProfile, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestForgetDeletesEntry(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), LayerWorking, "k1", "v1", nil, 0))
	s.Forget(context.Background(), LayerWorking, "k1")

	_, ok := s.Get(context.Background(), LayerWorking, "k1")
	assert.False(t, ok)
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(context.Background(), LayerSemantic, "same", "v1", Vector{1, 0}, 0))
	require.NoError(t, s.Put(context.Background(), LayerSemantic, "orthogonal", "v2", Vector{0, 1}, 0))
	require.NoError(t, s.Put(context.Background(), LayerSemantic, "no-vector", "v3", nil, 0))

	results, err := s.Search(context.Background(), LayerSemantic, Vector{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "same", results[0].Key)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.0, results[1].Score, 1e-9)
}

func TestSearchRespectsTopK(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(context.Background(), LayerEpisodic, string(rune('a'+i)), i, Vector{float64(i), 1}, 0))
	}
	results, err := s.Search(context.Background(), LayerEpisodic, Vector{4, 1}, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchRejectsUnknownLayer(t *testing.T) {
	s := New()
	_, err := s.Search(context.Background(), Layer("bogus"), Vector{1}, 1)
	assert.Error(t, err)
}
