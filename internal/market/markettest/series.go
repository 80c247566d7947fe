// Package markettest builds deterministic candle series for tests.
package markettest

import (
	"math"
	"math/rand"
	"time"

	"smc-signal-engine/internal/market"
)

// Start is the default first bar time used by tests (a Monday, 00:00 UTC).
var Start = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

// Builder appends scripted candles one at a time
type Builder struct {
	next     time.Time
	interval time.Duration
	last     float64
	candles  []market.Candle
}

// NewBuilder starts a series at start with the given spacing and opening price
func NewBuilder(start time.Time, interval time.Duration, price float64) *Builder {
	return &Builder{next: start, interval: interval, last: price}
}

// Bar appends an explicit OHLC bar
func (b *Builder) Bar(open, high, low, close float64) *Builder {
	b.candles = append(b.candles, market.Candle{
		Time:   b.next,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 100,
	})
	b.next = b.next.Add(b.interval)
	b.last = close
	return b
}

// Move appends a bar opening at the previous close and closing delta away,
// with wick added beyond both ends of the body.
func (b *Builder) Move(delta, wick float64) *Builder {
	open := b.last
	close := open + delta
	high := math.Max(open, close) + wick
	low := math.Min(open, close) - wick
	return b.Bar(open, high, low, close)
}

// Range appends n small alternating bars around the current price
func (b *Builder) Range(n int, amplitude float64) *Builder {
	for i := 0; i < n; i++ {
		delta := amplitude
		if i%2 == 1 {
			delta = -amplitude
		}
		b.Move(delta, amplitude/2)
	}
	return b
}

// Last returns the last close
func (b *Builder) Last() float64 { return b.last }

// Candles returns a copy of the built series
func (b *Builder) Candles() []market.Candle {
	out := make([]market.Candle, len(b.candles))
	copy(out, b.candles)
	return out
}

// RandomWalk generates n bars from a seeded Gaussian walk. vol is the
// per-bar standard deviation of the close-to-close move.
func RandomWalk(seed int64, n int, start time.Time, interval time.Duration, price, vol float64) []market.Candle {
	rng := rand.New(rand.NewSource(seed))
	b := NewBuilder(start, interval, price)
	for i := 0; i < n; i++ {
		delta := rng.NormFloat64() * vol
		wick := math.Abs(rng.NormFloat64()) * vol * 0.5
		b.Move(delta, wick)
	}
	return b.Candles()
}

// Resample aggregates bars into groups of factor bars, e.g. M5 to H1 with factor 12
func Resample(candles []market.Candle, factor int) []market.Candle {
	if factor <= 1 {
		return candles
	}
	var out []market.Candle
	for i := 0; i+factor <= len(candles); i += factor {
		group := candles[i : i+factor]
		c := market.Candle{
			Time:  group[0].Time,
			Open:  group[0].Open,
			High:  group[0].High,
			Low:   group[0].Low,
			Close: group[len(group)-1].Close,
		}
		for _, g := range group {
			c.High = math.Max(c.High, g.High)
			c.Low = math.Min(c.Low, g.Low)
			c.Volume += g.Volume
		}
		out = append(out, c)
	}
	return out
}
