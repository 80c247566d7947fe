package confluence

import (
	"fmt"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/market"
)

// Grade is the setup quality bucket
type Grade string

const (
	GradeAPlus   Grade = "A+"
	GradeA       Grade = "A"
	GradeB       Grade = "B"
	GradeNoTrade Grade = "NO_TRADE"
)

// Rank orders grades; NO_TRADE is 0
func (g Grade) Rank() int {
	switch g {
	case GradeAPlus:
		return 3
	case GradeA:
		return 2
	case GradeB:
		return 1
	}
	return 0
}

// AtLeast reports whether g is min or better
func (g Grade) AtLeast(min Grade) bool {
	return g.Rank() >= min.Rank()
}

// Gate names the hard rule that blocked a setup
type Gate string

const (
	GateNone                Gate = ""
	GateInsufficientHistory Gate = "INSUFFICIENT_HISTORY"
	GateNoValidSweep        Gate = "NO_VALID_SWEEP"
	GateNoStructureBreak    Gate = "NO_STRUCTURE_BREAK"
	GateNeutralHTFBias      Gate = "NEUTRAL_HTF_BIAS"
	GateHTFConflict         Gate = "HTF_CONFLICT"
)

// Weights are the points each confluence factor contributes. ValidSweep,
// StructureBreak and HTFAligned sit behind hard gates, so every graded
// setup earns all three and their sum is the score floor (60 by default).
// Only the remaining factors separate A+ from B.
type Weights struct {
	ValidSweep      int `json:"valid_sweep" yaml:"valid_sweep" default:"25"`
	SweepReversal   int `json:"sweep_reversal" yaml:"sweep_reversal" default:"5"`
	StructureBreak  int `json:"structure_break" yaml:"structure_break" default:"20"`
	HTFAligned      int `json:"htf_aligned" yaml:"htf_aligned" default:"15"`
	Displacement    int `json:"displacement" yaml:"displacement" default:"10"`
	FVG             int `json:"fvg" yaml:"fvg" default:"10"`
	OrderBlock      int `json:"order_block" yaml:"order_block" default:"10"`
	PremiumDiscount int `json:"premium_discount" yaml:"premium_discount" default:"10"`
	Equilibrium     int `json:"equilibrium" yaml:"equilibrium" default:"-5"`
}

// Config holds weights, grade thresholds and base confidences
type Config struct {
	Weights Weights `json:"weights" yaml:"weights"`

	APlusThreshold int `json:"a_plus_threshold" yaml:"a_plus_threshold" default:"80"`
	AThreshold     int `json:"a_threshold" yaml:"a_threshold" default:"60"`
	BThreshold     int `json:"b_threshold" yaml:"b_threshold" default:"45"`

	APlusConfidence   float64 `json:"a_plus_confidence" yaml:"a_plus_confidence" default:"92"`
	AConfidence       float64 `json:"a_confidence" yaml:"a_confidence" default:"82"`
	BConfidence       float64 `json:"b_confidence" yaml:"b_confidence" default:"68"`
	NoTradeConfidence float64 `json:"no_trade_confidence" yaml:"no_trade_confidence" default:"30"`
}

// DefaultConfig returns the documented rule table
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			ValidSweep:      25,
			SweepReversal:   5,
			StructureBreak:  20,
			HTFAligned:      15,
			Displacement:    10,
			FVG:             10,
			OrderBlock:      10,
			PremiumDiscount: 10,
			Equilibrium:     -5,
		},
		APlusThreshold:    80,
		AThreshold:        60,
		BThreshold:        45,
		APlusConfidence:   92,
		AConfidence:       82,
		BConfidence:       68,
		NoTradeConfidence: 30,
	}
}

// GradeResult is the grader's verdict for one analysis
type GradeResult struct {
	Grade          Grade                    `json:"grade"`
	Score          int                      `json:"score"`
	BaseConfidence float64                  `json:"base_confidence"`
	Direction      market.Direction         `json:"direction,omitempty"`
	Gate           Gate                     `json:"gate,omitempty"`
	Reasons        []string                 `json:"reasons"`
	Structure      *analysis.StructureEvent `json:"structure,omitempty"`
}

// Tradeable reports whether the setup passed every gate and scored a grade
func (r GradeResult) Tradeable() bool {
	return r.Gate == GateNone && r.Grade != GradeNoTrade
}

// Grader maps an SMCAnalysis onto a grade through hard gates and a
// points table
type Grader struct {
	cfg Config
}

// NewGrader creates a grader
func NewGrader(cfg Config) *Grader {
	return &Grader{cfg: cfg}
}

// Grade evaluates the gates in order, then scores the aligned factors
func (g *Grader) Grade(a *analysis.SMCAnalysis) GradeResult {
	res := GradeResult{
		Grade:          GradeNoTrade,
		BaseConfidence: g.cfg.NoTradeConfidence,
		Reasons:        make([]string, 0, 8),
	}

	if a == nil || a.Insufficient {
		return g.block(res, GateInsufficientHistory, "not enough candles to analyse")
	}

	// Gate 1: a confirmed liquidity grab
	if a.Sweep == nil || !a.Sweep.Valid {
		return g.block(res, GateNoValidSweep, "no validated liquidity sweep")
	}
	dir := a.Sweep.Direction
	bias := analysis.BiasOf(dir)
	res.Direction = dir

	// Gate 2: structure must break in the reversal direction after the sweep
	ev := a.StructureAfter(a.Sweep.Index, bias)
	if ev == nil {
		return g.block(res, GateNoStructureBreak, fmt.Sprintf("no %s structure break after sweep", bias))
	}
	res.Structure = ev

	// Gate 3 and 4: higher timeframe must lean our way
	if a.HTFBias == analysis.BiasNeutral || a.HTFBias == "" {
		return g.block(res, GateNeutralHTFBias, "higher timeframe bias is neutral")
	}
	if a.HTFBias != bias {
		return g.block(res, GateHTFConflict, fmt.Sprintf("higher timeframe is %s against %s setup", a.HTFBias, bias))
	}

	w := g.cfg.Weights
	score := 0
	add := func(points int, reason string) {
		score += points
		res.Reasons = append(res.Reasons, fmt.Sprintf("%+d %s", points, reason))
	}

	add(w.ValidSweep, fmt.Sprintf("%s sweep of %s pool at %.5f", a.Sweep.Pool.Side, a.Sweep.Pool.Origin, a.Sweep.Pool.Price))

	held := (dir == market.Long && a.CurrentPrice > a.Sweep.Pool.Price) ||
		(dir == market.Short && a.CurrentPrice < a.Sweep.Pool.Price)
	if held {
		add(w.SweepReversal, "price holding on the reversal side of the swept level")
	}

	add(w.StructureBreak, fmt.Sprintf("%s %s at %.5f", bias, ev.Kind, ev.Level))
	add(w.HTFAligned, fmt.Sprintf("HTF bias %s", a.HTFBias))

	if a.Displacement != nil && a.Displacement.Direction == bias {
		add(w.Displacement, fmt.Sprintf("displacement %.1fx average body", a.Displacement.Ratio))
	}
	if n := len(a.AlignedFVGs(bias)); n > 0 {
		add(w.FVG, fmt.Sprintf("%d aligned FVG", n))
	}
	if n := len(a.AlignedOrderBlocks(bias)); n > 0 {
		add(w.OrderBlock, fmt.Sprintf("%d aligned order block", n))
	}

	switch {
	case a.PremiumDiscount.Favours(dir):
		add(w.PremiumDiscount, fmt.Sprintf("price in %s", a.PremiumDiscount.Zone))
	case a.PremiumDiscount.Zone == analysis.Equilibrium:
		add(w.Equilibrium, "price at equilibrium")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	res.Score = score
	res.Grade = g.scoreToGrade(score)
	res.BaseConfidence = g.gradeToConfidence(res.Grade)

	return res
}

func (g *Grader) block(res GradeResult, gate Gate, reason string) GradeResult {
	res.Gate = gate
	res.Grade = GradeNoTrade
	res.BaseConfidence = g.cfg.NoTradeConfidence
	res.Reasons = append(res.Reasons, reason)
	return res
}

// scoreToGrade converts numeric score to a grade
func (g *Grader) scoreToGrade(score int) Grade {
	switch {
	case score >= g.cfg.APlusThreshold:
		return GradeAPlus
	case score >= g.cfg.AThreshold:
		return GradeA
	case score >= g.cfg.BThreshold:
		return GradeB
	default:
		return GradeNoTrade
	}
}

func (g *Grader) gradeToConfidence(grade Grade) float64 {
	switch grade {
	case GradeAPlus:
		return g.cfg.APlusConfidence
	case GradeA:
		return g.cfg.AConfidence
	case GradeB:
		return g.cfg.BConfidence
	default:
		return g.cfg.NoTradeConfidence
	}
}
