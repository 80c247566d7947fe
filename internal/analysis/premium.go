package analysis

import "smc-signal-engine/internal/market"

// PDZone is the premium/discount location of price in a range
type PDZone string

const (
	Premium     PDZone = "PREMIUM"
	Discount    PDZone = "DISCOUNT"
	Equilibrium PDZone = "EQUILIBRIUM"
)

// PremiumDiscount locates price within the active higher-timeframe range
type PremiumDiscount struct {
	RangeHigh float64 `json:"range_high"`
	RangeLow  float64 `json:"range_low"`
	Midpoint  float64 `json:"midpoint"`
	Position  float64 `json:"position"` // 0 at the low, 100 at the high
	Zone      PDZone  `json:"zone"`
}

// CalculatePremiumDiscount uses the last lookback bars as the dealing range.
// Above 55% of the range is premium, below 45% discount.
func CalculatePremiumDiscount(candles []market.Candle, lookback int, price float64) PremiumDiscount {
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	high, _ := market.HighestHigh(candles)
	low, _ := market.LowestLow(candles)

	pd := PremiumDiscount{
		RangeHigh: high,
		RangeLow:  low,
		Midpoint:  (high + low) / 2,
		Position:  50,
		Zone:      Equilibrium,
	}
	if high <= low {
		return pd
	}

	pd.Position = (price - low) / (high - low) * 100
	switch {
	case pd.Position >= 55:
		pd.Zone = Premium
	case pd.Position <= 45:
		pd.Zone = Discount
	}
	return pd
}

// Favours reports whether the zone is the correct side for direction:
// discount for longs, premium for shorts
func (pd PremiumDiscount) Favours(d market.Direction) bool {
	return (d == market.Long && pd.Zone == Discount) || (d == market.Short && pd.Zone == Premium)
}
