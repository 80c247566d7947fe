package database

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/state"
)

type phaseDoc struct {
	Phase int    `json:"phase"`
	Note  string `json:"note"`
}

func TestRedisStore_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	s := NewRedisStore(nil, zerolog.Nop())
	assert.False(t, s.Available())

	require.NoError(t, s.Put(ctx, state.SequenceKey("EURUSD"), phaseDoc{Phase: 3, Note: "sweep"}, time.Hour))

	var got phaseDoc
	found, err := s.Get(ctx, state.SequenceKey("EURUSD"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, phaseDoc{Phase: 3, Note: "sweep"}, got)

	keys, err := s.Keys(ctx, state.SequencePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"smc:sequence:EURUSD"}, keys)

	require.NoError(t, s.Delete(ctx, state.SequenceKey("EURUSD")))
	found, err = s.Get(ctx, state.SequenceKey("EURUSD"), &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_FallsBackWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s := NewRedisStore(client, zerolog.Nop())

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Put(ctx, state.CalibrationKey, map[string]int{"version": i}, 0))
	}
	assert.False(t, s.Available(), "breaker should open after repeated failures")

	var got map[string]int
	found, err := s.Get(ctx, state.CalibrationKey, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, got["version"])

	keys, err := s.Keys(ctx, "smc:calibration")
	require.NoError(t, err)
	assert.Equal(t, []string{state.CalibrationKey}, keys)
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5433, User: "smc", Password: "pw", Database: "signals", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=smc password=pw dbname=signals sslmode=disable", cfg.DSN())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 50, clampLimit(-3))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, 500, clampLimit(10000))
}
