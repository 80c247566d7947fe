package analysis

import (
	"fmt"
	"math"
	"time"

	"smc-signal-engine/internal/market"
)

// FairValueGap is a three candle imbalance between candle 1 and candle 3
type FairValueGap struct {
	ID          string    `json:"id"`
	Instrument  string    `json:"instrument"`
	Direction   Bias      `json:"direction"`
	Top         float64   `json:"top"`
	Bottom      float64   `json:"bottom"`
	Index       int       `json:"index"` // middle candle
	Time        time.Time `json:"time"`
	ATRRatio    float64   `json:"atr_ratio"`
	FillPercent float64   `json:"fill_percent"`
	Mitigated   bool      `json:"mitigated"`
	MitigatedAt int       `json:"mitigated_at,omitempty"`
}

// Size returns the gap height
func (g FairValueGap) Size() float64 {
	return g.Top - g.Bottom
}

// Midpoint returns the centre of the gap
func (g FairValueGap) Midpoint() float64 {
	return (g.Top + g.Bottom) / 2
}

// FVGDetector detects Fair Value Gaps in candlestick data
type FVGDetector struct {
	minATRRatio float64 // gaps smaller than this fraction of ATR are noise
	atrPeriod   int
}

// NewFVGDetector creates a new FVG detector
func NewFVGDetector(minATRRatio float64, atrPeriod int) *FVGDetector {
	if minATRRatio < 0 {
		minATRRatio = 0
	}
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	return &FVGDetector{
		minATRRatio: minATRRatio,
		atrPeriod:   atrPeriod,
	}
}

// DetectFVGs identifies all Fair Value Gaps in the given candles and tracks
// their mitigation against the bars that follow.
func (fd *FVGDetector) DetectFVGs(instrument string, candles []market.Candle) []FairValueGap {
	if len(candles) < 3 {
		return nil
	}

	var gaps []FairValueGap

	for i := 0; i < len(candles)-2; i++ {
		c1 := candles[i]
		c2 := candles[i+1] // middle candle
		c3 := candles[i+2]

		// ATR as known when candle 3 closed
		atr := market.CalculateATR(candles[:i+3], fd.atrPeriod)

		var gap *FairValueGap
		switch {
		case c1.High < c3.Low:
			gap = &FairValueGap{
				Direction: BiasBullish,
				Top:       c3.Low,
				Bottom:    c1.High,
			}
		case c1.Low > c3.High:
			gap = &FairValueGap{
				Direction: BiasBearish,
				Top:       c1.Low,
				Bottom:    c3.High,
			}
		}
		if gap == nil {
			continue
		}

		if atr > 0 {
			gap.ATRRatio = gap.Size() / atr
			if gap.ATRRatio < fd.minATRRatio {
				continue
			}
		}

		gap.ID = generateZoneID("fvg", instrument, c2.Time)
		gap.Instrument = instrument
		gap.Index = i + 1
		gap.Time = c2.Time

		fd.UpdateMitigation(gap, candles)
		gaps = append(gaps, *gap)
	}

	return gaps
}

// UpdateMitigation walks the bars after candle 3 and records how much of the
// gap price has traded back into. A gap traded through its far edge is
// mitigated.
func (fd *FVGDetector) UpdateMitigation(gap *FairValueGap, candles []market.Candle) {
	if gap.Mitigated || gap.Size() <= 0 {
		return
	}

	for j := gap.Index + 2; j < len(candles); j++ {
		c := candles[j]
		var filled float64
		if gap.Direction == BiasBullish {
			filled = (gap.Top - c.Low) / gap.Size()
		} else {
			filled = (c.High - gap.Bottom) / gap.Size()
		}
		filled = math.Max(0, math.Min(1, filled))
		if filled*100 > gap.FillPercent {
			gap.FillPercent = filled * 100
		}
		if filled >= 1 {
			gap.Mitigated = true
			gap.MitigatedAt = j
			return
		}
	}
}

// IsPriceInFVG checks if price is within an FVG zone
func IsPriceInFVG(price float64, gap FairValueGap) bool {
	return price >= gap.Bottom && price <= gap.Top
}

// Unmitigated filters out mitigated gaps
func Unmitigated(gaps []FairValueGap) []FairValueGap {
	var out []FairValueGap
	for _, g := range gaps {
		if !g.Mitigated {
			out = append(out, g)
		}
	}
	return out
}

// DistanceToZone returns how far price sits outside [bottom, top]; zero inside
func DistanceToZone(price, bottom, top float64) float64 {
	switch {
	case price < bottom:
		return bottom - price
	case price > top:
		return price - top
	default:
		return 0
	}
}

func generateZoneID(kind, instrument string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%d", kind, instrument, t.Unix())
}
