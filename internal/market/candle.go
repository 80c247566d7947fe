package market

import (
	"math"
	"sort"
	"time"
)

// Candle is one OHLCV bar. Time is the bar's open time.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Direction is the side of a trade
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Sign returns +1 for longs and -1 for shorts
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Body returns the absolute size of the candle body
func (c Candle) Body() float64 {
	return math.Abs(c.Close - c.Open)
}

// Range returns high minus low
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// IsBullish reports whether the candle closed above its open
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish reports whether the candle closed below its open
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}

// UpperWick returns the distance from the body top to the high
func (c Candle) UpperWick() float64 {
	return c.High - math.Max(c.Open, c.Close)
}

// LowerWick returns the distance from the low to the body bottom
func (c Candle) LowerWick() float64 {
	return math.Min(c.Open, c.Close) - c.Low
}

// InferInterval returns the most common spacing between consecutive candles.
// Returns 0 when fewer than two candles are given.
func InferInterval(candles []Candle) time.Duration {
	if len(candles) < 2 {
		return 0
	}

	counts := make(map[time.Duration]int)
	limit := len(candles)
	if limit > 200 {
		limit = 200
	}
	for i := 1; i < limit; i++ {
		d := candles[i].Time.Sub(candles[i-1].Time)
		if d > 0 {
			counts[d]++
		}
	}

	var best time.Duration
	bestCount := 0
	keys := make([]time.Duration, 0, len(counts))
	for d := range counts {
		keys = append(keys, d)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, d := range keys {
		if counts[d] > bestCount {
			best = d
			bestCount = counts[d]
		}
	}
	return best
}

// Closes extracts close prices
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// HighestHigh returns the highest high and its index
func HighestHigh(candles []Candle) (float64, int) {
	if len(candles) == 0 {
		return 0, -1
	}
	idx := 0
	for i := range candles {
		if candles[i].High > candles[idx].High {
			idx = i
		}
	}
	return candles[idx].High, idx
}

// LowestLow returns the lowest low and its index
func LowestLow(candles []Candle) (float64, int) {
	if len(candles) == 0 {
		return 0, -1
	}
	idx := 0
	for i := range candles {
		if candles[i].Low < candles[idx].Low {
			idx = i
		}
	}
	return candles[idx].Low, idx
}
