// Package heatmap scores liquidity levels by time-decayed density and
// predicts which side gets swept first and where price is drawn to.
package heatmap

import (
	"math"
	"sort"
	"time"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/market"
)

// Likely sweep side labels
const (
	LikelySellside = "SELLSIDE"
	LikelyBuyside  = "BUYSIDE"
	LikelyBalanced = "BALANCED"
)

// Config tunes the heat map
type Config struct {
	DecayLambda   float64 `json:"decay_lambda" yaml:"decay_lambda" default:"0.05"`
	MergePips     float64 `json:"merge_pips" yaml:"merge_pips" default:"3"`
	BiasNudge     float64 `json:"bias_nudge" yaml:"bias_nudge" default:"0.1"`
	HighThreshold float64 `json:"high_threshold" yaml:"high_threshold" default:"0.6"`
	LowThreshold  float64 `json:"low_threshold" yaml:"low_threshold" default:"0.4"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		DecayLambda:   0.05,
		MergePips:     3,
		BiasNudge:     0.1,
		HighThreshold: 0.6,
		LowThreshold:  0.4,
	}
}

// Level is a merged liquidity price with its undecayed weight
type Level struct {
	Price     float64               `json:"price"`
	Base      float64               `json:"base"`
	Touches   int                   `json:"touches"`
	LastTouch time.Time             `json:"last_touch"`
	Origins   []analysis.PoolOrigin `json:"origins"`
}

// Weight decays Base by exp(−λ·hours since the last touch). Future
// timestamps count as age zero.
func (l Level) Weight(now time.Time, lambda float64) float64 {
	age := now.Sub(l.LastTouch).Hours()
	if age < 0 {
		age = 0
	}
	return l.Base * math.Exp(-lambda*age)
}

// HeatLevel is a level scored at a point in time
type HeatLevel struct {
	Level
	Above      bool    `json:"above"`
	Density    float64 `json:"density"`
	Attraction float64 `json:"attraction"`
	Distance   float64 `json:"distance"`
}

// HeatMap is the scored liquidity around the current price
type HeatMap struct {
	Instrument       string      `json:"instrument"`
	Time             time.Time   `json:"time"`
	Price            float64     `json:"price"`
	Levels           []HeatLevel `json:"levels"`
	BuysideMass      float64     `json:"buyside_mass"`
	SellsideMass     float64     `json:"sellside_mass"`
	SweepProbability float64     `json:"sweep_probability"` // P(sellside swept first)
	Likely           string      `json:"likely"`
}

// Builder turns liquidity pools into heat maps
type Builder struct {
	cfg Config
}

// NewBuilder creates a builder
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build merges pools within MergePips, scores them at now and computes the
// sweep probability nudged toward htfBias. Swept and taken pools are skipped.
func (b *Builder) Build(instrument string, pools []analysis.LiquidityPool, price float64, htfBias analysis.Bias, now time.Time) *HeatMap {
	hm := &HeatMap{
		Instrument:       instrument,
		Time:             now,
		Price:            price,
		SweepProbability: 0.5,
		Likely:           LikelyBalanced,
	}

	levels := b.merge(instrument, pools)
	for _, l := range levels {
		d := l.Weight(now, b.cfg.DecayLambda)
		hl := HeatLevel{
			Level:      l,
			Above:      l.Price > price,
			Density:    d,
			Attraction: d * (1 + 0.5*float64(l.Touches)),
			Distance:   math.Abs(l.Price - price),
		}
		if hl.Above {
			hm.BuysideMass += d
		} else {
			hm.SellsideMass += d
		}
		hm.Levels = append(hm.Levels, hl)
	}

	p := 0.5
	if total := hm.BuysideMass + hm.SellsideMass; total > 0 {
		p = hm.SellsideMass / total
	}
	switch htfBias {
	case analysis.BiasBullish:
		p += b.cfg.BiasNudge
	case analysis.BiasBearish:
		p -= b.cfg.BiasNudge
	}
	hm.SweepProbability = math.Max(0, math.Min(1, p))

	switch {
	case hm.SweepProbability > b.cfg.HighThreshold:
		hm.Likely = LikelySellside
	case hm.SweepProbability < b.cfg.LowThreshold:
		hm.Likely = LikelyBuyside
	}

	return hm
}

func (b *Builder) merge(instrument string, pools []analysis.LiquidityPool) []Level {
	tol := market.FromPips(instrument, b.cfg.MergePips)

	sorted := make([]analysis.LiquidityPool, 0, len(pools))
	for _, p := range pools {
		if p.Swept || p.Taken {
			continue
		}
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var levels []Level
	for _, p := range sorted {
		touches := p.TouchCount
		if touches < 1 {
			touches = 1
		}
		base := p.BaseWeight * (1 + 0.5*float64(touches-1))

		if n := len(levels); n > 0 && p.Price-levels[n-1].Price <= tol {
			l := &levels[n-1]
			if base > l.Base {
				l.Price = p.Price
			}
			l.Base += base
			l.Touches += touches
			if p.LastTouch.After(l.LastTouch) {
				l.LastTouch = p.LastTouch
			}
			l.Origins = append(l.Origins, p.Origin)
			continue
		}

		levels = append(levels, Level{
			Price:     p.Price,
			Base:      base,
			Touches:   touches,
			LastTouch: p.LastTouch,
			Origins:   []analysis.PoolOrigin{p.Origin},
		})
	}
	return levels
}

// PrimaryTarget returns the level on the far side of a trade in direction
// d that maximises density/(1 + distance/price·1000): above price for
// longs, below for shorts. Nil when that side is empty.
func (hm *HeatMap) PrimaryTarget(d market.Direction) *HeatLevel {
	if hm == nil || hm.Price <= 0 {
		return nil
	}
	var best *HeatLevel
	bestScore := -1.0
	for i := range hm.Levels {
		l := &hm.Levels[i]
		if l.Distance == 0 || l.Above != (d == market.Long) {
			continue
		}
		score := l.Density / (1 + l.Distance/hm.Price*1000)
		if score > bestScore {
			bestScore = score
			best = l
		}
	}
	return best
}

// Supports reports whether the predicted sweep side lines up with a
// trade direction: a likely sellside sweep supports longs.
func (hm *HeatMap) Supports(d market.Direction) bool {
	switch hm.Likely {
	case LikelySellside:
		return d == market.Long
	case LikelyBuyside:
		return d == market.Short
	}
	return false
}
