package analysis

import (
	"fmt"
	"math"
	"sort"
	"time"

	"smc-signal-engine/internal/market"
)

// PoolSide is where resting stops sit relative to a level
type PoolSide string

const (
	Buyside  PoolSide = "BUYSIDE"  // above highs
	Sellside PoolSide = "SELLSIDE" // below lows
)

// PoolOrigin records how a pool was found
type PoolOrigin string

const (
	OriginSession    PoolOrigin = "SESSION"
	OriginEqualHighs PoolOrigin = "EQUAL_HIGHS"
	OriginEqualLows  PoolOrigin = "EQUAL_LOWS"
	OriginSwing      PoolOrigin = "SWING"
)

// LiquidityPool is a stop-loss cluster at a price level
type LiquidityPool struct {
	ID         string         `json:"id"`
	Instrument string         `json:"instrument"`
	Price      float64        `json:"price"`
	Side       PoolSide       `json:"side"`
	Origin     PoolOrigin     `json:"origin"`
	Session    market.Session `json:"session,omitempty"`
	BaseWeight float64        `json:"base_weight"`
	Weight     float64        `json:"weight"`
	TouchCount int            `json:"touch_count"`
	Index      int            `json:"index"` // bar from which the level is known
	FormedAt   time.Time      `json:"formed_at"`
	LastTouch  time.Time      `json:"last_touch"`
	Swept      bool           `json:"swept"`
	Taken      bool           `json:"taken"` // price accepted beyond the level
}

// LiquidityConfig tunes pool construction and sweep validation
type LiquidityConfig struct {
	EqualTolerancePips    float64                    `json:"equal_tolerance_pips" yaml:"equal_tolerance_pips" default:"3"`
	DecayLambda           float64                    `json:"decay_lambda" yaml:"decay_lambda" default:"0.05"`
	MinBreachPips         float64                    `json:"min_breach_pips" yaml:"min_breach_pips" default:"1"`
	SweepCloseBars        int                        `json:"sweep_close_bars" yaml:"sweep_close_bars" default:"3"`
	SweepDisplacementBars int                        `json:"sweep_displacement_bars" yaml:"sweep_displacement_bars" default:"5"`
	SweepLookback         int                        `json:"sweep_lookback" yaml:"sweep_lookback" default:"20"`
	SessionWeights        map[market.Session]float64 `json:"session_weights" yaml:"session_weights"`
	EqualLevelWeight      float64                    `json:"equal_level_weight" yaml:"equal_level_weight" default:"3.0"`
	SwingWeight           float64                    `json:"swing_weight" yaml:"swing_weight" default:"1.5"`
}

// DefaultLiquidityConfig returns the documented defaults
func DefaultLiquidityConfig() LiquidityConfig {
	return LiquidityConfig{
		EqualTolerancePips:    3,
		DecayLambda:           0.05,
		MinBreachPips:         1,
		SweepCloseBars:        3,
		SweepDisplacementBars: 5,
		SweepLookback:         20,
		SessionWeights: map[market.Session]float64{
			market.SessionLondon:  3.0,
			market.SessionNewYork: 2.5,
			market.SessionAsian:   2.0,
		},
		EqualLevelWeight: 3.0,
		SwingWeight:      1.5,
	}
}

// LiquidityMapper builds liquidity pools and validates sweeps
type LiquidityMapper struct {
	cfg  LiquidityConfig
	disp *DisplacementDetector
}

// NewLiquidityMapper creates a mapper. Missing session weights are filled
// from the defaults.
func NewLiquidityMapper(cfg LiquidityConfig, disp *DisplacementDetector) *LiquidityMapper {
	def := DefaultLiquidityConfig()
	if cfg.SessionWeights == nil {
		cfg.SessionWeights = def.SessionWeights
	}
	if cfg.SweepCloseBars <= 0 {
		cfg.SweepCloseBars = def.SweepCloseBars
	}
	if cfg.SweepDisplacementBars <= 0 {
		cfg.SweepDisplacementBars = def.SweepDisplacementBars
	}
	if cfg.SweepLookback <= 0 {
		cfg.SweepLookback = def.SweepLookback
	}
	return &LiquidityMapper{cfg: cfg, disp: disp}
}

// PoolWeight is base · exp(−λ·hours since last touch) · (1 + 0.5·(touches−1))
func PoolWeight(pool LiquidityPool, now time.Time, lambda float64) float64 {
	age := now.Sub(pool.LastTouch).Hours()
	if age < 0 {
		age = 0
	}
	touches := pool.TouchCount
	if touches < 1 {
		touches = 1
	}
	return pool.BaseWeight * math.Exp(-lambda*age) * (1 + 0.5*float64(touches-1))
}

// BuildPools returns candidate pools from prior sessions, equal highs/lows
// and swing extremes. Touches are counted on bars after each level formed
// and before it was first breached.
func (lm *LiquidityMapper) BuildPools(instrument string, candles []market.Candle, swings []SwingPoint, now time.Time) []LiquidityPool {
	if len(candles) == 0 {
		return nil
	}

	var pools []LiquidityPool
	pools = append(pools, lm.sessionPools(instrument, candles)...)

	equal, clustered := lm.equalLevelPools(instrument, swings)
	pools = append(pools, equal...)

	for _, s := range swings {
		if clustered[s.Index] {
			continue
		}
		side := Buyside
		if s.Type == SwingLow {
			side = Sellside
		}
		pools = append(pools, LiquidityPool{
			ID:         fmt.Sprintf("swing_%s_%d_%s", instrument, s.Time.Unix(), s.Type),
			Instrument: instrument,
			Price:      s.Price,
			Side:       side,
			Origin:     OriginSwing,
			BaseWeight: lm.cfg.SwingWeight,
			TouchCount: 1,
			Index:      s.ConfirmedAt,
			FormedAt:   s.Time,
			LastTouch:  s.Time,
		})
	}

	for i := range pools {
		lm.countTouches(&pools[i], candles)
		pools[i].Weight = PoolWeight(pools[i], now, lm.cfg.DecayLambda)
	}

	sort.SliceStable(pools, func(i, j int) bool { return pools[i].Price < pools[j].Price })
	return pools
}

type sessionRange struct {
	first, last     int
	high, low       float64
	highIdx, lowIdx int
}

// sessionPools takes the high and low of the most recent completed run of
// each session
func (lm *LiquidityMapper) sessionPools(instrument string, candles []market.Candle) []LiquidityPool {
	var pools []LiquidityPool
	lastIdx := len(candles) - 1

	for _, s := range market.AllSessions {
		var ranges []sessionRange
		var cur *sessionRange
		for i, c := range candles {
			if !market.InSession(c.Time, s) {
				cur = nil
				continue
			}
			if cur == nil || candles[cur.last].Time.UTC().YearDay() != c.Time.UTC().YearDay() {
				ranges = append(ranges, sessionRange{first: i, last: i, high: c.High, low: c.Low, highIdx: i, lowIdx: i})
				cur = &ranges[len(ranges)-1]
				continue
			}
			cur.last = i
			if c.High > cur.high {
				cur.high, cur.highIdx = c.High, i
			}
			if c.Low < cur.low {
				cur.low, cur.lowIdx = c.Low, i
			}
		}

		if n := len(ranges); n > 0 && ranges[n-1].last == lastIdx {
			ranges = ranges[:n-1] // still in progress
		}
		if len(ranges) == 0 {
			continue
		}
		r := ranges[len(ranges)-1]
		w := lm.cfg.SessionWeights[s]

		pools = append(pools,
			LiquidityPool{
				ID:         fmt.Sprintf("session_%s_%s_high_%d", instrument, s, candles[r.first].Time.Unix()),
				Instrument: instrument,
				Price:      r.high,
				Side:       Buyside,
				Origin:     OriginSession,
				Session:    s,
				BaseWeight: w,
				TouchCount: 1,
				Index:      r.last,
				FormedAt:   candles[r.highIdx].Time,
				LastTouch:  candles[r.highIdx].Time,
			},
			LiquidityPool{
				ID:         fmt.Sprintf("session_%s_%s_low_%d", instrument, s, candles[r.first].Time.Unix()),
				Instrument: instrument,
				Price:      r.low,
				Side:       Sellside,
				Origin:     OriginSession,
				Session:    s,
				BaseWeight: w,
				TouchCount: 1,
				Index:      r.last,
				FormedAt:   candles[r.lowIdx].Time,
				LastTouch:  candles[r.lowIdx].Time,
			},
		)
	}
	return pools
}

// equalLevelPools clusters swing highs (and lows) within the tolerance.
// Clusters with two or more members become pools at their extreme.
func (lm *LiquidityMapper) equalLevelPools(instrument string, swings []SwingPoint) ([]LiquidityPool, map[int]bool) {
	tol := market.FromPips(instrument, lm.cfg.EqualTolerancePips)
	clustered := make(map[int]bool)
	var pools []LiquidityPool

	for _, t := range []SwingType{SwingHigh, SwingLow} {
		var clusters [][]SwingPoint
		for _, s := range swings {
			if s.Type != t {
				continue
			}
			placed := false
			for ci := range clusters {
				if math.Abs(clusterMean(clusters[ci])-s.Price) <= tol {
					clusters[ci] = append(clusters[ci], s)
					placed = true
					break
				}
			}
			if !placed {
				clusters = append(clusters, []SwingPoint{s})
			}
		}

		for _, cl := range clusters {
			if len(cl) < 2 {
				continue
			}
			price := cl[0].Price
			known := 0
			for _, s := range cl {
				clustered[s.Index] = true
				if t == SwingHigh {
					price = math.Max(price, s.Price)
				} else {
					price = math.Min(price, s.Price)
				}
				if s.ConfirmedAt > known {
					known = s.ConfirmedAt
				}
			}
			side, origin := Buyside, OriginEqualHighs
			if t == SwingLow {
				side, origin = Sellside, OriginEqualLows
			}
			last := cl[len(cl)-1]
			pools = append(pools, LiquidityPool{
				ID:         fmt.Sprintf("equal_%s_%s_%d", instrument, t, cl[0].Time.Unix()),
				Instrument: instrument,
				Price:      price,
				Side:       side,
				Origin:     origin,
				BaseWeight: lm.cfg.EqualLevelWeight,
				TouchCount: len(cl),
				Index:      known,
				FormedAt:   cl[0].Time,
				LastTouch:  last.Time,
			})
		}
	}
	return pools, clustered
}

func clusterMean(cl []SwingPoint) float64 {
	sum := 0.0
	for _, s := range cl {
		sum += s.Price
	}
	return sum / float64(len(cl))
}

// countTouches adds bars that came within tolerance of the level without
// breaching it, up to the first breach
func (lm *LiquidityMapper) countTouches(pool *LiquidityPool, candles []market.Candle) {
	tol := market.FromPips(pool.Instrument, lm.cfg.EqualTolerancePips)
	for j := pool.Index + 1; j < len(candles); j++ {
		c := candles[j]
		if lm.breaches(pool, c) {
			return
		}
		if lm.touches(pool, c, tol) {
			pool.TouchCount++
			pool.LastTouch = c.Time
		}
	}
}

func (lm *LiquidityMapper) breaches(pool *LiquidityPool, c market.Candle) bool {
	minBreach := market.FromPips(pool.Instrument, lm.cfg.MinBreachPips)
	if pool.Side == Buyside {
		return c.High >= pool.Price+minBreach
	}
	return c.Low <= pool.Price-minBreach
}

func (lm *LiquidityMapper) touches(pool *LiquidityPool, c market.Candle, tol float64) bool {
	if pool.Side == Buyside {
		return c.High >= pool.Price-tol
	}
	return c.Low <= pool.Price+tol
}

func (lm *LiquidityMapper) awayFrom(pool *LiquidityPool, c market.Candle, tol float64) bool {
	if pool.Side == Buyside {
		return c.High < pool.Price-tol
	}
	return c.Low > pool.Price+tol
}

// ActivePools returns pools price has not accepted beyond
func ActivePools(pools []LiquidityPool) []LiquidityPool {
	var out []LiquidityPool
	for _, p := range pools {
		if !p.Taken {
			out = append(out, p)
		}
	}
	return out
}
