package risk

import (
	"fmt"
	"math"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/heatmap"
	"smc-signal-engine/internal/market"
)

// Take-profit sources
const (
	TargetHeatMap  = "HEATMAP"
	TargetRRTarget = "TARGET_RR"
)

// InstrumentProfile overrides stop and target settings for one instrument.
// Zero fields fall back to the calculator defaults.
type InstrumentProfile struct {
	MinSLPips       float64 `json:"min_sl_pips" yaml:"min_sl_pips"`
	MaxSLPips       float64 `json:"max_sl_pips" yaml:"max_sl_pips"`
	SLATRMultiplier float64 `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier"`
	TargetRR        float64 `json:"target_rr" yaml:"target_rr"`
}

// MinRR is the minimum reward:risk a heat-map target needs per grade
type MinRR struct {
	APlus float64 `json:"a_plus" yaml:"a_plus" default:"1.5"`
	A     float64 `json:"a" yaml:"a" default:"2.0"`
	B     float64 `json:"b" yaml:"b" default:"2.5"`
}

// ProximityConfig scores the distance between price and the entry zone
type ProximityConfig struct {
	InZoneBonus   int     `json:"in_zone_bonus" yaml:"in_zone_bonus" default:"10"`
	NearPips      float64 `json:"near_pips" yaml:"near_pips" default:"5"`
	NearBonus     int     `json:"near_bonus" yaml:"near_bonus" default:"5"`
	FarPips       float64 `json:"far_pips" yaml:"far_pips" default:"10"`
	FarPenalty    int     `json:"far_penalty" yaml:"far_penalty" default:"-15"`
	NoZonePenalty int     `json:"no_zone_penalty" yaml:"no_zone_penalty" default:"-15"`
}

// Config holds the calculator settings
type Config struct {
	MinSLPips       float64                      `json:"min_sl_pips" yaml:"min_sl_pips" default:"12"`
	MaxSLPips       float64                      `json:"max_sl_pips" yaml:"max_sl_pips" default:"30"`
	SLATRMultiplier float64                      `json:"sl_atr_multiplier" yaml:"sl_atr_multiplier" default:"1.5"`
	TargetRR        float64                      `json:"target_rr" yaml:"target_rr" default:"2.0"`
	MinRR           MinRR                        `json:"min_rr" yaml:"min_rr"`
	Proximity       ProximityConfig              `json:"proximity" yaml:"proximity"`
	Profiles        map[string]InstrumentProfile `json:"profiles" yaml:"profiles"`
}

// DefaultConfig returns the documented defaults. Gold gets wider stops.
func DefaultConfig() Config {
	return Config{
		MinSLPips:       12,
		MaxSLPips:       30,
		SLATRMultiplier: 1.5,
		TargetRR:        2.0,
		MinRR:           MinRR{APlus: 1.5, A: 2.0, B: 2.5},
		Proximity: ProximityConfig{
			InZoneBonus:   10,
			NearPips:      5,
			NearBonus:     5,
			FarPips:       10,
			FarPenalty:    -15,
			NoZonePenalty: -15,
		},
		Profiles: map[string]InstrumentProfile{
			"XAU_USD": {MinSLPips: 30, MaxSLPips: 80},
		},
	}
}

// Zone is an entry zone taken from an FVG or order block
type Zone struct {
	Kind   string  `json:"kind"`
	ID     string  `json:"id"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// Midpoint returns the middle of the zone
func (z Zone) Midpoint() float64 {
	return (z.Top + z.Bottom) / 2
}

// Contains reports whether price is inside the zone, edges included
func (z Zone) Contains(price float64) bool {
	return price >= z.Bottom && price <= z.Top
}

// Edge returns the first price a retracement reaches: the top for longs
// and the bottom for shorts
func (z Zone) Edge(d market.Direction) float64 {
	if d == market.Short {
		return z.Bottom
	}
	return z.Top
}

// Calculator derives stops, targets and the proximity adjustment
type Calculator struct {
	cfg Config
}

// NewCalculator creates a calculator
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Profile returns the effective settings for instrument
func (c *Calculator) Profile(instrument string) InstrumentProfile {
	p := InstrumentProfile{
		MinSLPips:       c.cfg.MinSLPips,
		MaxSLPips:       c.cfg.MaxSLPips,
		SLATRMultiplier: c.cfg.SLATRMultiplier,
		TargetRR:        c.cfg.TargetRR,
	}
	o, ok := c.cfg.Profiles[instrument]
	if !ok {
		return p
	}
	if o.MinSLPips > 0 {
		p.MinSLPips = o.MinSLPips
	}
	if o.MaxSLPips > 0 {
		p.MaxSLPips = o.MaxSLPips
	}
	if o.SLATRMultiplier > 0 {
		p.SLATRMultiplier = o.SLATRMultiplier
	}
	if o.TargetRR > 0 {
		p.TargetRR = o.TargetRR
	}
	return p
}

// StopLoss places the stop behind the swept level by max(min_sl, ATR·mult)
// and keeps the distance from entry within [min_sl, max_sl]. A zero
// sweepLevel measures the buffer from entry.
func (c *Calculator) StopLoss(instrument string, d market.Direction, entry, sweepLevel, atr float64) (sl, pips float64) {
	p := c.Profile(instrument)

	buffer := p.MinSLPips
	if atrPips := market.ToPips(instrument, atr); atrPips > 0 {
		buffer = math.Max(p.MinSLPips, atrPips*p.SLATRMultiplier)
	}

	ref := sweepLevel
	if ref <= 0 {
		ref = entry
	}
	sl = ref - d.Sign()*market.FromPips(instrument, buffer)

	pips = market.ToPips(instrument, (entry-sl)*d.Sign())
	switch {
	case pips > p.MaxSLPips:
		pips = p.MaxSLPips
	case pips < p.MinSLPips:
		pips = p.MinSLPips
	default:
		return sl, pips
	}
	return entry - d.Sign()*market.FromPips(instrument, pips), pips
}

// MinRRFor returns the minimum reward:risk required for grade
func (c *Calculator) MinRRFor(g confluence.Grade) float64 {
	switch g {
	case confluence.GradeAPlus:
		return c.cfg.MinRR.APlus
	case confluence.GradeA:
		return c.cfg.MinRR.A
	default:
		return c.cfg.MinRR.B
	}
}

// TakeProfit uses the heat-map target when it sits beyond entry with at
// least the grade's minimum reward:risk, otherwise entry ± risk·target_rr
func (c *Calculator) TakeProfit(instrument string, d market.Direction, entry, sl float64, g confluence.Grade, target *heatmap.HeatLevel) (tp, rr float64, source string) {
	risk := math.Abs(entry - sl)
	if risk == 0 {
		return entry, 0, TargetRRTarget
	}

	if target != nil {
		reward := (target.Price - entry) * d.Sign()
		if reward > 0 && reward/risk >= c.MinRRFor(g) {
			return target.Price, reward / risk, TargetHeatMap
		}
	}

	rrTarget := c.Profile(instrument).TargetRR
	return entry + d.Sign()*risk*rrTarget, rrTarget, TargetRRTarget
}

// EntryZone returns the aligned FVG or order block whose midpoint is
// nearest to current price. FVGs win ties.
func EntryZone(a *analysis.SMCAnalysis, d market.Direction) *Zone {
	if a == nil {
		return nil
	}
	bias := analysis.BiasOf(d)

	var best *Zone
	bestDist := math.Inf(1)
	consider := func(z Zone) {
		if dist := math.Abs(a.CurrentPrice - z.Midpoint()); dist < bestDist {
			bestDist = dist
			zc := z
			best = &zc
		}
	}
	for _, g := range a.AlignedFVGs(bias) {
		consider(Zone{Kind: "FVG", ID: g.ID, Top: g.Top, Bottom: g.Bottom})
	}
	for _, ob := range a.AlignedOrderBlocks(bias) {
		consider(Zone{Kind: "OB", ID: ob.ID, Top: ob.Top, Bottom: ob.Bottom})
	}
	return best
}

// EntryProximity scores price against the entry zone: inside, near
// (within NearPips of the midpoint), moderate, or far (beyond FarPips).
// No zone counts as far.
func (c *Calculator) EntryProximity(instrument string, price float64, zone *Zone) (int, string) {
	pc := c.cfg.Proximity
	if zone == nil {
		return pc.NoZonePenalty, "no aligned entry zone"
	}
	if zone.Contains(price) {
		return pc.InZoneBonus, fmt.Sprintf("price inside %s entry zone", zone.Kind)
	}

	dist := market.ToPips(instrument, math.Abs(price-zone.Midpoint()))
	switch {
	case dist <= pc.NearPips:
		return pc.NearBonus, fmt.Sprintf("price %.1f pips from %s entry zone", dist, zone.Kind)
	case dist > pc.FarPips:
		return pc.FarPenalty, fmt.Sprintf("price far from %s entry zone (%.1f pips)", zone.Kind, dist)
	}
	return 0, fmt.Sprintf("price at moderate distance from %s entry zone (%.1f pips)", zone.Kind, dist)
}

// RiskReward returns reward over risk, or 0 when risk is zero
func RiskReward(entry, sl, tp float64) float64 {
	risk := math.Abs(entry - sl)
	if risk == 0 {
		return 0
	}
	return math.Abs(tp-entry) / risk
}
