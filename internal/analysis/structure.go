package analysis

import (
	"time"

	"smc-signal-engine/internal/market"
)

// Bias is a directional read of price structure
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// Direction maps a bias onto a trade side. ok is false for neutral.
func (b Bias) Direction() (market.Direction, bool) {
	switch b {
	case BiasBullish:
		return market.Long, true
	case BiasBearish:
		return market.Short, true
	}
	return "", false
}

// BiasOf returns the bias matching a trade side
func BiasOf(d market.Direction) Bias {
	if d == market.Short {
		return BiasBearish
	}
	return BiasBullish
}

// SwingType marks a swing as a local high or low
type SwingType string

const (
	SwingHigh SwingType = "HIGH"
	SwingLow  SwingType = "LOW"
)

// SwingPoint is a fractal pivot. It becomes known only once Right bars
// have printed after it, at ConfirmedAt.
type SwingPoint struct {
	Index       int       `json:"index"`
	Time        time.Time `json:"time"`
	Price       float64   `json:"price"`
	Type        SwingType `json:"type"`
	Confirmed   bool      `json:"confirmed"`
	ConfirmedAt int       `json:"confirmed_at"`
}

// StructureKind distinguishes continuation from reversal breaks
type StructureKind string

const (
	BOS   StructureKind = "BOS"
	CHoCH StructureKind = "CHOCH"
)

// StructureEvent is a close beyond a confirmed swing
type StructureEvent struct {
	Kind      StructureKind `json:"kind"`
	Direction Bias          `json:"direction"`
	Level     float64       `json:"level"`
	Index     int           `json:"index"`
	Time      time.Time     `json:"time"`
	Swing     SwingPoint    `json:"swing"`
}

// Classification summarises the last two swing highs and lows
type Classification string

const (
	HigherHighsHigherLows Classification = "HH_HL"
	LowerHighsLowerLows   Classification = "LH_LL"
	Ranging               Classification = "RANGING"
)

// Structure is the result of running the detector over a series
type Structure struct {
	Swings         []SwingPoint     `json:"swings"`
	Events         []StructureEvent `json:"events"`
	Classification Classification   `json:"classification"`
	Trend          Bias             `json:"trend"`
}

// LastEvent returns the most recent structure event, or nil
func (s *Structure) LastEvent() *StructureEvent {
	if s == nil || len(s.Events) == 0 {
		return nil
	}
	return &s.Events[len(s.Events)-1]
}

// LastSwing returns the most recent swing of type t, or nil
func (s *Structure) LastSwing(t SwingType) *SwingPoint {
	if s == nil {
		return nil
	}
	for i := len(s.Swings) - 1; i >= 0; i-- {
		if s.Swings[i].Type == t {
			return &s.Swings[i]
		}
	}
	return nil
}

// StructureDetector finds fractal swings and BOS/CHoCH breaks
type StructureDetector struct {
	left  int // bars that must sit below a swing high before it
	right int // bars after it; also the confirmation delay
}

// NewStructureDetector creates a detector with the given fractal sizes
func NewStructureDetector(left, right int) *StructureDetector {
	if left <= 0 {
		left = 3
	}
	if right <= 0 {
		right = 2
	}
	return &StructureDetector{left: left, right: right}
}

// Analyze runs swing detection, classification and event replay
func (sd *StructureDetector) Analyze(candles []market.Candle) *Structure {
	swings := sd.DetectSwings(candles)
	events, trend := sd.DetectEvents(candles, swings)

	s := &Structure{
		Swings:         swings,
		Events:         events,
		Classification: ClassifyStructure(swings),
		Trend:          trend,
	}

	if s.Trend == BiasNeutral {
		switch s.Classification {
		case HigherHighsHigherLows:
			s.Trend = BiasBullish
		case LowerHighsLowerLows:
			s.Trend = BiasBearish
		}
	}
	return s
}

// DetectSwings returns confirmed swing points in index order. A swing high
// is strictly above the left bars before it and not exceeded by the right
// bars after it; swing lows mirror that.
func (sd *StructureDetector) DetectSwings(candles []market.Candle) []SwingPoint {
	var swings []SwingPoint

	for i := sd.left; i < len(candles)-sd.right; i++ {
		if sd.isSwingHigh(candles, i) {
			swings = append(swings, SwingPoint{
				Index:       i,
				Time:        candles[i].Time,
				Price:       candles[i].High,
				Type:        SwingHigh,
				Confirmed:   true,
				ConfirmedAt: i + sd.right,
			})
		}
		if sd.isSwingLow(candles, i) {
			swings = append(swings, SwingPoint{
				Index:       i,
				Time:        candles[i].Time,
				Price:       candles[i].Low,
				Type:        SwingLow,
				Confirmed:   true,
				ConfirmedAt: i + sd.right,
			})
		}
	}

	return swings
}

func (sd *StructureDetector) isSwingHigh(candles []market.Candle, i int) bool {
	h := candles[i].High
	for j := i - sd.left; j < i; j++ {
		if candles[j].High >= h {
			return false
		}
	}
	for j := i + 1; j <= i+sd.right; j++ {
		if candles[j].High > h {
			return false
		}
	}
	return true
}

func (sd *StructureDetector) isSwingLow(candles []market.Candle, i int) bool {
	l := candles[i].Low
	for j := i - sd.left; j < i; j++ {
		if candles[j].Low <= l {
			return false
		}
	}
	for j := i + 1; j <= i+sd.right; j++ {
		if candles[j].Low < l {
			return false
		}
	}
	return true
}

// ClassifyStructure compares the last two swing highs and lows
func ClassifyStructure(swings []SwingPoint) Classification {
	var highs, lows []float64
	for _, s := range swings {
		if s.Type == SwingHigh {
			highs = append(highs, s.Price)
		} else {
			lows = append(lows, s.Price)
		}
	}
	if len(highs) < 2 || len(lows) < 2 {
		return Ranging
	}

	hh := highs[len(highs)-1] > highs[len(highs)-2]
	hl := lows[len(lows)-1] > lows[len(lows)-2]
	lh := highs[len(highs)-1] < highs[len(highs)-2]
	ll := lows[len(lows)-1] < lows[len(lows)-2]

	switch {
	case hh && hl:
		return HigherHighsHigherLows
	case lh && ll:
		return LowerHighsLowerLows
	default:
		return Ranging
	}
}

// DetectEvents replays the series bar by bar. At bar j only swings with
// ConfirmedAt <= j are known, so no event can reference a swing before it
// was confirmed. Each swing is broken at most once. Returns the events and
// the prevailing direction after the last bar.
func (sd *StructureDetector) DetectEvents(candles []market.Candle, swings []SwingPoint) ([]StructureEvent, Bias) {
	var events []StructureEvent
	trend := BiasNeutral

	var lastHigh, lastLow *SwingPoint
	highBroken, lowBroken := false, false
	next := 0

	// swings are in index order; ConfirmedAt is index+right so also ordered
	for j := range candles {
		for next < len(swings) && swings[next].ConfirmedAt <= j {
			s := swings[next]
			if s.Type == SwingHigh {
				lastHigh = &s
				highBroken = false
			} else {
				lastLow = &s
				lowBroken = false
			}
			next++
		}

		c := candles[j]

		if lastHigh != nil && !highBroken && c.Close > lastHigh.Price {
			kind := BOS
			if trend == BiasBearish {
				kind = CHoCH
			}
			events = append(events, StructureEvent{
				Kind:      kind,
				Direction: BiasBullish,
				Level:     lastHigh.Price,
				Index:     j,
				Time:      c.Time,
				Swing:     *lastHigh,
			})
			trend = BiasBullish
			highBroken = true
		}

		if lastLow != nil && !lowBroken && c.Close < lastLow.Price {
			kind := BOS
			if trend == BiasBullish {
				kind = CHoCH
			}
			events = append(events, StructureEvent{
				Kind:      kind,
				Direction: BiasBearish,
				Level:     lastLow.Price,
				Index:     j,
				Time:      c.Time,
				Swing:     *lastLow,
			})
			trend = BiasBearish
			lowBroken = true
		}
	}

	return events, trend
}
