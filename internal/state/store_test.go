package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Phase int    `json:"phase"`
	Name  string `json:"name"`
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var got sample
	found, err := s.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	in := &sample{Phase: 3, Name: "displacement"}
	require.NoError(t, s.Put(ctx, SequenceKey("EUR_USD"), in, 0))

	// mutating the original must not leak into the store
	in.Phase = 5

	found, err = s.Get(ctx, SequenceKey("EUR_USD"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got.Phase)

	require.NoError(t, s.Delete(ctx, SequenceKey("EUR_USD")))
	found, _ = s.Get(ctx, SequenceKey("EUR_USD"), &got)
	assert.False(t, found)

	assert.ErrorIs(t, s.Put(ctx, "k", nil, 0), ErrNilValue)
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, "k", sample{Phase: 1}, time.Minute))

	var got sample
	found, _ := s.Get(ctx, "k", &got)
	assert.True(t, found)

	now = now.Add(2 * time.Minute)
	found, _ = s.Get(ctx, "k", &got)
	assert.False(t, found)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, inst := range []string{"GBP_USD", "EUR_USD"} {
		require.NoError(t, s.Put(ctx, SequenceKey(inst), sample{}, 0))
	}
	require.NoError(t, s.Put(ctx, CalibrationKey, sample{}, 0))

	keys, err := s.Keys(ctx, SequencePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"smc:sequence:EUR_USD", "smc:sequence:GBP_USD"}, keys)
}

func TestCorrelationKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, CorrelationKey("EUR_USD", "GBP_USD"), CorrelationKey("GBP_USD", "EUR_USD"))
}
