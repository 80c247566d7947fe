package analysis

import (
	"math"
	"time"

	"smc-signal-engine/internal/market"
)

// OrderBlock is the last opposite candle body before a structure-breaking
// displacement
type OrderBlock struct {
	ID                string    `json:"id"`
	Instrument        string    `json:"instrument"`
	Direction         Bias      `json:"direction"`
	Top               float64   `json:"top"`
	Bottom            float64   `json:"bottom"`
	Index             int       `json:"index"`
	Time              time.Time `json:"time"`
	DisplacementIndex int       `json:"displacement_index"`
	DisplacementRatio float64   `json:"displacement_ratio"`
	Mitigated         bool      `json:"mitigated"`
	MitigatedAt       int       `json:"mitigated_at,omitempty"`
}

// Midpoint returns the centre of the block
func (ob OrderBlock) Midpoint() float64 {
	return (ob.Top + ob.Bottom) / 2
}

// OrderBlockDetector finds order blocks
type OrderBlockDetector struct {
	disp         *DisplacementDetector
	bodyLookback int // baseline for displacement_ratio
	searchBack   int // how far back from the displacement to look for the block
}

// NewOrderBlockDetector creates a detector. bodyLookback defaults to 30 and
// searchBack to 5.
func NewOrderBlockDetector(disp *DisplacementDetector, bodyLookback, searchBack int) *OrderBlockDetector {
	if bodyLookback <= 0 {
		bodyLookback = 30
	}
	if searchBack <= 0 {
		searchBack = 5
	}
	return &OrderBlockDetector{disp: disp, bodyLookback: bodyLookback, searchBack: searchBack}
}

// Detect returns order blocks. A displacement must close beyond the latest
// swing of the opposite type that was confirmed by then.
func (od *OrderBlockDetector) Detect(instrument string, candles []market.Candle, swings []SwingPoint) []OrderBlock {
	var blocks []OrderBlock

	for _, d := range od.disp.Detect(candles) {
		c := candles[d.Index]

		var broken bool
		if d.Direction == BiasBullish {
			if sw := lastConfirmedSwing(swings, SwingHigh, d.Index); sw != nil && sw.Index < d.Index {
				broken = c.Close > sw.Price
			}
		} else {
			if sw := lastConfirmedSwing(swings, SwingLow, d.Index); sw != nil && sw.Index < d.Index {
				broken = c.Close < sw.Price
			}
		}
		if !broken {
			continue
		}

		blockIdx := -1
		for k := d.Index - 1; k >= 0 && k >= d.Index-od.searchBack; k-- {
			if (d.Direction == BiasBullish && candles[k].IsBearish()) ||
				(d.Direction == BiasBearish && candles[k].IsBullish()) {
				blockIdx = k
				break
			}
		}
		if blockIdx < 0 {
			continue
		}

		b := candles[blockIdx]
		avg := market.AverageBody(candles, d.Index-od.bodyLookback, d.Index)
		ratio := 0.0
		if avg > 0 {
			ratio = c.Body() / avg
		}

		ob := OrderBlock{
			ID:                generateZoneID("ob", instrument, b.Time),
			Instrument:        instrument,
			Direction:         d.Direction,
			Top:               math.Max(b.Open, b.Close),
			Bottom:            math.Min(b.Open, b.Close),
			Index:             blockIdx,
			Time:              b.Time,
			DisplacementIndex: d.Index,
			DisplacementRatio: ratio,
		}
		od.updateMitigation(&ob, candles)
		blocks = append(blocks, ob)
	}

	return blocks
}

// updateMitigation marks the block mitigated once a close goes through its
// far side after the displacement
func (od *OrderBlockDetector) updateMitigation(ob *OrderBlock, candles []market.Candle) {
	for j := ob.DisplacementIndex + 1; j < len(candles); j++ {
		c := candles[j]
		if (ob.Direction == BiasBullish && c.Close < ob.Bottom) ||
			(ob.Direction == BiasBearish && c.Close > ob.Top) {
			ob.Mitigated = true
			ob.MitigatedAt = j
			return
		}
	}
}

// ActiveOrderBlocks filters out mitigated blocks
func ActiveOrderBlocks(blocks []OrderBlock) []OrderBlock {
	var out []OrderBlock
	for _, b := range blocks {
		if !b.Mitigated {
			out = append(out, b)
		}
	}
	return out
}

func lastConfirmedSwing(swings []SwingPoint, t SwingType, at int) *SwingPoint {
	for i := len(swings) - 1; i >= 0; i-- {
		if swings[i].Type == t && swings[i].ConfirmedAt <= at {
			return &swings[i]
		}
	}
	return nil
}
