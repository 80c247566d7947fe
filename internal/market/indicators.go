package market

import "math"

// TrueRange returns the true range of candles[i]. The first bar uses high-low.
func TrueRange(candles []Candle, i int) float64 {
	c := candles[i]
	if i == 0 {
		return c.High - c.Low
	}
	prevClose := candles[i-1].Close
	return math.Max(
		c.High-c.Low,
		math.Max(
			math.Abs(c.High-prevClose),
			math.Abs(c.Low-prevClose),
		),
	)
}

// CalculateATR returns the simple mean true range over the last period bars.
// With fewer than period+1 candles it averages whatever bars are available;
// fewer than two candles yields 0.
func CalculateATR(candles []Candle, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}

	n := period
	if n > len(candles)-1 {
		n = len(candles) - 1
	}

	trSum := 0.0
	for i := len(candles) - n; i < len(candles); i++ {
		trSum += TrueRange(candles, i)
	}

	return trSum / float64(n)
}

// AverageBody returns the mean body size of candles[from:to]
func AverageBody(candles []Candle, from, to int) float64 {
	if from < 0 {
		from = 0
	}
	if to > len(candles) {
		to = len(candles)
	}
	if to <= from {
		return 0
	}
	sum := 0.0
	for i := from; i < to; i++ {
		sum += candles[i].Body()
	}
	return sum / float64(to-from)
}

// Returns computes simple close-to-close returns
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}
