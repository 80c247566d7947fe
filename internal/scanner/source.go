package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"smc-signal-engine/internal/market"
)

var (
	ErrNoData = errors.New("no candle data")
)

// CandleSource supplies recent candles for an instrument and timeframe
type CandleSource interface {
	Candles(ctx context.Context, instrument, timeframe string, limit int) ([]market.Candle, error)
}

// CSVDirSource reads {dir}/{instrument}_{timeframe}.csv
type CSVDirSource struct {
	dir string
}

// NewCSVDirSource creates a source over dir
func NewCSVDirSource(dir string) *CSVDirSource {
	return &CSVDirSource{dir: dir}
}

// Path returns the file backing instrument and timeframe
func (s *CSVDirSource) Path(instrument, timeframe string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", instrument, timeframe))
}

// Candles loads the file and returns its last limit bars
func (s *CSVDirSource) Candles(_ context.Context, instrument, timeframe string, limit int) ([]market.Candle, error) {
	path := s.Path(instrument, timeframe)
	candles, err := market.LoadCSV(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s %s: %w", instrument, timeframe, ErrNoData)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

type cachedCandles struct {
	candles   []market.Candle
	expiresAt time.Time
}

// CachedSource memoises another source for a TTL
type CachedSource struct {
	mu    sync.RWMutex
	cache map[string]cachedCandles // key: instrument|timeframe|limit
	next  CandleSource
	ttl   time.Duration
	now   func() time.Time
}

// NewCachedSource wraps next with a TTL cache
func NewCachedSource(next CandleSource, ttl time.Duration) *CachedSource {
	return &CachedSource{
		cache: make(map[string]cachedCandles),
		next:  next,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Candles serves from cache when fresh
func (c *CachedSource) Candles(ctx context.Context, instrument, timeframe string, limit int) ([]market.Candle, error) {
	key := fmt.Sprintf("%s|%s|%d", instrument, timeframe, limit)

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Before(cached.expiresAt) {
		return cached.candles, nil
	}

	candles, err := c.next.Candles(ctx, instrument, timeframe, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = cachedCandles{candles: candles, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return candles, nil
}

// CleanupExpired removes expired cache entries
func (c *CachedSource) CleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, cached := range c.cache {
		if now.After(cached.expiresAt) {
			delete(c.cache, key)
		}
	}
}
