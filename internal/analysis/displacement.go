package analysis

import (
	"time"

	"smc-signal-engine/internal/market"
)

// Displacement is an impulsive candle: large body, small wicks
type Displacement struct {
	Index     int       `json:"index"`
	Time      time.Time `json:"time"`
	Direction Bias      `json:"direction"`
	Body      float64   `json:"body"`
	Ratio     float64   `json:"ratio"` // body / average body
}

// DisplacementDetector flags impulsive candles
type DisplacementDetector struct {
	minRatio   float64
	maxWickPct float64
	lookback   int
}

// NewDisplacementDetector creates a detector. Zero values fall back to
// 2.0x average body, 30% wick share and a 20 bar baseline.
func NewDisplacementDetector(minRatio, maxWickPct float64, lookback int) *DisplacementDetector {
	if minRatio <= 0 {
		minRatio = 2.0
	}
	if maxWickPct <= 0 {
		maxWickPct = 0.30
	}
	if lookback <= 0 {
		lookback = 20
	}
	return &DisplacementDetector{minRatio: minRatio, maxWickPct: maxWickPct, lookback: lookback}
}

// At tests candles[i] against the average body of the bars before it
func (dd *DisplacementDetector) At(candles []market.Candle, i int) (Displacement, bool) {
	if i < 1 || i >= len(candles) {
		return Displacement{}, false
	}
	c := candles[i]
	if c.Range() <= 0 || c.Body() == 0 {
		return Displacement{}, false
	}

	avg := market.AverageBody(candles, i-dd.lookback, i)
	if avg <= 0 {
		return Displacement{}, false
	}

	ratio := c.Body() / avg
	if ratio < dd.minRatio {
		return Displacement{}, false
	}

	wickShare := (c.UpperWick() + c.LowerWick()) / c.Range()
	if wickShare > dd.maxWickPct {
		return Displacement{}, false
	}

	dir := BiasBullish
	if c.IsBearish() {
		dir = BiasBearish
	}

	return Displacement{
		Index:     i,
		Time:      c.Time,
		Direction: dir,
		Body:      c.Body(),
		Ratio:     ratio,
	}, true
}

// Detect returns every displacement candle in the series
func (dd *DisplacementDetector) Detect(candles []market.Candle) []Displacement {
	var out []Displacement
	for i := 1; i < len(candles); i++ {
		if d, ok := dd.At(candles, i); ok {
			out = append(out, d)
		}
	}
	return out
}

// Latest returns the most recent displacement within the last `within` bars
func (dd *DisplacementDetector) Latest(candles []market.Candle, within int) *Displacement {
	stop := len(candles) - within
	if stop < 1 {
		stop = 1
	}
	for i := len(candles) - 1; i >= stop; i-- {
		if d, ok := dd.At(candles, i); ok {
			return &d
		}
	}
	return nil
}

// FirstAfter returns the first displacement in direction dir within
// [from, to]; to is clamped to the series end.
func (dd *DisplacementDetector) FirstAfter(candles []market.Candle, from, to int, dir Bias) *Displacement {
	if to >= len(candles) {
		to = len(candles) - 1
	}
	for i := from; i <= to; i++ {
		if d, ok := dd.At(candles, i); ok && d.Direction == dir {
			return &d
		}
	}
	return nil
}
