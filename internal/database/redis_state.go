package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/state"
)

// RedisConfig holds the Redis connection settings for the state store
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" default:"localhost:6379"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db" default:"0" validate:"gte=0"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// NewRedisClient opens a client. It does not ping; RedisStore decides
// whether Redis is usable.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// RedisStore is a state.Store backed by Redis with an in-memory mirror.
// Every write lands in memory first. Redis calls run behind a circuit
// breaker; when it is open, or Redis errors, reads and writes are served
// from memory so the pipeline keeps running.
type RedisStore struct {
	client  *redis.Client
	memory  *state.MemoryStore
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewRedisStore creates the store. A nil client gives a memory-only store.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	log := logger.With().Str("component", "redis_state").Logger()
	s := &RedisStore{
		client: client,
		memory: state.NewMemoryStore(),
		logger: log,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-state",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Redis breaker state changed")
		},
	})

	if client == nil {
		log.Info().Msg("No Redis client provided, using in-memory state only")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory state")
	} else {
		log.Info().Msg("Redis connected")
	}
	return s
}

// Available reports whether Redis calls are currently attempted
func (s *RedisStore) Available() bool {
	return s.client != nil && s.breaker.State() != gobreaker.StateOpen
}

// Get reads key from Redis, falling back to memory
func (s *RedisStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	if s.client == nil {
		return s.memory.Get(ctx, key, dest)
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return []byte(nil), nil
		}
		return data, err
	})
	if err != nil {
		s.fallback("get", key, err)
		return s.memory.Get(ctx, key, dest)
	}

	data := out.([]byte)
	if data == nil {
		return s.memory.Get(ctx, key, dest)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Put writes value to memory and then to Redis
func (s *RedisStore) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := s.memory.Put(ctx, key, value, ttl); err != nil {
		return err
	}
	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		// memory already holds the value
		s.fallback("put", key, err)
	}
	return nil
}

// Delete removes key from both layers
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.memory.Delete(ctx, key); err != nil {
		return err
	}
	if s.client == nil {
		return nil
	}
	if _, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	}); err != nil {
		s.fallback("delete", key, err)
	}
	return nil
}

// Keys scans Redis for prefix and merges in keys only present in memory
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	local, err := s.memory.Keys(ctx, prefix)
	if err != nil || s.client == nil {
		return local, err
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	})
	if err != nil {
		s.fallback("keys", prefix, err)
		return local, nil
	}

	seen := make(map[string]bool, len(local))
	for _, k := range local {
		seen[k] = true
	}
	merged := local
	for _, k := range out.([]string) {
		if !seen[k] {
			seen[k] = true
			merged = append(merged, k)
		}
	}
	slices.Sort(merged)
	return merged, nil
}

func (s *RedisStore) fallback(op, key string, err error) {
	metrics.RecordFallback(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return
	}
	s.logger.Warn().Err(err).Str("op", op).Str("key", key).Msg("Redis error, using in-memory state")
}

var _ state.Store = (*RedisStore)(nil)
