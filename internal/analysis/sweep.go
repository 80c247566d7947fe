package analysis

import (
	"time"

	"smc-signal-engine/internal/market"
)

// SweepEvent is a breach of a liquidity pool. It is valid only when price
// closed back inside the level within the close window and a displacement
// in the reversal direction followed.
type SweepEvent struct {
	Pool              LiquidityPool    `json:"pool"`
	Index             int              `json:"index"`
	Time              time.Time        `json:"time"`
	Direction         market.Direction `json:"direction"` // reversal side
	Extreme           float64          `json:"extreme"`
	ClosedBackInside  bool             `json:"closed_back_inside"`
	CloseBackIndex    int              `json:"close_back_index"`
	DisplacementAfter bool             `json:"displacement_after"`
	DisplacementIndex int              `json:"displacement_index"`
	Valid             bool             `json:"valid"`
	Pending           bool             `json:"pending"` // windows not yet complete
}

type armState int

const (
	armed armState = iota
	cooling
	away
)

// DetectSweeps scans each pool for breaches and validates them. Pools are
// updated in place: Swept after a valid sweep, Taken once price closes and
// stays beyond the level. A pool that was swept is re-armed only after
// price has left the tolerance band and come back to touch it.
func (lm *LiquidityMapper) DetectSweeps(candles []market.Candle, pools []LiquidityPool) []SweepEvent {
	var events []SweepEvent
	n := len(candles)

	for pi := range pools {
		pool := &pools[pi]
		tol := market.FromPips(pool.Instrument, lm.cfg.EqualTolerancePips)
		state := armed

		reversal := market.Short
		if pool.Side == Sellside {
			reversal = market.Long
		}

		for j := pool.Index + 1; j < n; j++ {
			c := candles[j]
			breach := lm.breaches(pool, c)

			switch state {
			case cooling:
				if lm.awayFrom(pool, c, tol) {
					state = away
				}
				continue
			case away:
				if !breach && lm.touches(pool, c, tol) {
					state = armed
					pool.TouchCount++
					pool.LastTouch = c.Time
				}
				continue
			}

			if !breach {
				continue
			}

			ev := SweepEvent{
				Pool:      *pool,
				Index:     j,
				Time:      c.Time,
				Direction: reversal,
				Extreme:   c.High,
			}
			if pool.Side == Sellside {
				ev.Extreme = c.Low
			}

			closeEnd := j + lm.cfg.SweepCloseBars
			for k := j; k < n && k < closeEnd; k++ {
				if lm.closedInside(pool, candles[k].Close) {
					ev.ClosedBackInside = true
					ev.CloseBackIndex = k
					break
				}
			}

			if ev.ClosedBackInside {
				last := ev.CloseBackIndex + lm.cfg.SweepDisplacementBars
				if d := lm.disp.FirstAfter(candles, ev.CloseBackIndex, last, BiasOf(reversal)); d != nil {
					ev.DisplacementAfter = true
					ev.DisplacementIndex = d.Index
				} else if last >= n {
					ev.Pending = true
				}
			} else if closeEnd > n {
				ev.Pending = true
			}

			ev.Valid = ev.ClosedBackInside && ev.DisplacementAfter
			events = append(events, ev)

			if ev.Valid {
				pool.Swept = true
			}
			if !ev.ClosedBackInside && !ev.Pending {
				pool.Taken = true
				break
			}
			state = cooling
			if ev.ClosedBackInside && ev.CloseBackIndex > j {
				j = ev.CloseBackIndex
			}
		}
	}

	return events
}

func (lm *LiquidityMapper) closedInside(pool *LiquidityPool, close float64) bool {
	if pool.Side == Buyside {
		return close < pool.Price
	}
	return close > pool.Price
}

// LatestValidSweep returns the most recent valid sweep whose breach is at or
// after index from, or nil
func LatestValidSweep(events []SweepEvent, from int) *SweepEvent {
	var best *SweepEvent
	for i := range events {
		e := &events[i]
		if !e.Valid || e.Index < from {
			continue
		}
		if best == nil || e.Index > best.Index {
			best = e
		}
	}
	return best
}
