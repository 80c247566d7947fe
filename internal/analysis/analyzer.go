package analysis

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/market"
)

var ErrInsufficientHistory = errors.New("insufficient candle history")

// Config holds detector parameters for one analysis pass
type Config struct {
	HTFSwingLeft         int     `json:"htf_swing_left" yaml:"htf_swing_left" default:"5"`
	HTFSwingRight        int     `json:"htf_swing_right" yaml:"htf_swing_right" default:"2"`
	LTFSwingLeft         int     `json:"ltf_swing_left" yaml:"ltf_swing_left" default:"3"`
	LTFSwingRight        int     `json:"ltf_swing_right" yaml:"ltf_swing_right" default:"2"`
	MinHTFBars           int     `json:"min_htf_bars" yaml:"min_htf_bars" default:"20"`
	MinLTFBars           int     `json:"min_ltf_bars" yaml:"min_ltf_bars" default:"30"`
	LTFLookback          int     `json:"ltf_lookback" yaml:"ltf_lookback" default:"200"`
	ATRPeriod            int     `json:"atr_period" yaml:"atr_period" default:"14"`
	FVGMinATRRatio       float64 `json:"fvg_min_atr_ratio" yaml:"fvg_min_atr_ratio" default:"0.1"`
	DisplacementRatio    float64 `json:"displacement_ratio" yaml:"displacement_ratio" default:"2.0"`
	DisplacementMaxWick  float64 `json:"displacement_max_wick" yaml:"displacement_max_wick" default:"0.3"`
	DisplacementLookback int     `json:"displacement_lookback" yaml:"displacement_lookback" default:"20"`
	DisplacementRecent   int     `json:"displacement_recent" yaml:"displacement_recent" default:"10"`
	OBBodyLookback       int     `json:"ob_body_lookback" yaml:"ob_body_lookback" default:"30"`
	OBSearchBack         int     `json:"ob_search_back" yaml:"ob_search_back" default:"5"`
	PDRangeLookback      int     `json:"pd_range_lookback" yaml:"pd_range_lookback" default:"50"`

	Liquidity LiquidityConfig `json:"liquidity" yaml:"liquidity"`
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		HTFSwingLeft:         5,
		HTFSwingRight:        2,
		LTFSwingLeft:         3,
		LTFSwingRight:        2,
		MinHTFBars:           20,
		MinLTFBars:           30,
		LTFLookback:          200,
		ATRPeriod:            14,
		FVGMinATRRatio:       0.1,
		DisplacementRatio:    2.0,
		DisplacementMaxWick:  0.3,
		DisplacementLookback: 20,
		DisplacementRecent:   10,
		OBBodyLookback:       30,
		OBSearchBack:         5,
		PDRangeLookback:      50,
		Liquidity:            DefaultLiquidityConfig(),
	}
}

// SMCAnalysis is the per-evaluation snapshot every downstream stage reads
type SMCAnalysis struct {
	Instrument      string          `json:"instrument"`
	Time            time.Time       `json:"time"`
	CurrentPrice    float64         `json:"current_price"`
	ATR             float64         `json:"atr"`
	HTFBias         Bias            `json:"htf_bias"`
	HTFStructure    *Structure      `json:"htf_structure"`
	LTFStructure    *Structure      `json:"ltf_structure"`
	Pools           []LiquidityPool `json:"pools"`
	Sweeps          []SweepEvent    `json:"sweeps"`
	Sweep           *SweepEvent     `json:"sweep,omitempty"`
	FVGs            []FairValueGap  `json:"fvgs"`
	OrderBlocks     []OrderBlock    `json:"order_blocks"`
	Displacement    *Displacement   `json:"displacement,omitempty"`
	PremiumDiscount PremiumDiscount `json:"premium_discount"`
	LTFBars         int             `json:"ltf_bars"`
	Insufficient    bool            `json:"insufficient"`
}

// AlignedFVGs returns unmitigated gaps matching the bias
func (a *SMCAnalysis) AlignedFVGs(b Bias) []FairValueGap {
	var out []FairValueGap
	for _, g := range a.FVGs {
		if g.Direction == b {
			out = append(out, g)
		}
	}
	return out
}

// AlignedOrderBlocks returns active order blocks matching the bias
func (a *SMCAnalysis) AlignedOrderBlocks(b Bias) []OrderBlock {
	var out []OrderBlock
	for _, ob := range a.OrderBlocks {
		if ob.Direction == b {
			out = append(out, ob)
		}
	}
	return out
}

// InAlignedZone reports whether current price sits inside an aligned gap or block
func (a *SMCAnalysis) InAlignedZone(b Bias) bool {
	for _, g := range a.AlignedFVGs(b) {
		if IsPriceInFVG(a.CurrentPrice, g) {
			return true
		}
	}
	for _, ob := range a.AlignedOrderBlocks(b) {
		if a.CurrentPrice >= ob.Bottom && a.CurrentPrice <= ob.Top {
			return true
		}
	}
	return false
}

// StructureAfter returns the first LTF event at or after index from that
// points in bias b, or nil
func (a *SMCAnalysis) StructureAfter(from int, b Bias) *StructureEvent {
	if a.LTFStructure == nil {
		return nil
	}
	for i := range a.LTFStructure.Events {
		e := &a.LTFStructure.Events[i]
		if e.Index >= from && e.Direction == b {
			return e
		}
	}
	return nil
}

// Analyzer runs the structure, liquidity and zone detectors over a pair of
// timeframes
type Analyzer struct {
	cfg       Config
	htf       *StructureDetector
	ltf       *StructureDetector
	disp      *DisplacementDetector
	fvg       *FVGDetector
	ob        *OrderBlockDetector
	liquidity *LiquidityMapper
	logger    zerolog.Logger
}

// NewAnalyzer wires the detectors from cfg
func NewAnalyzer(cfg Config, logger zerolog.Logger) *Analyzer {
	disp := NewDisplacementDetector(cfg.DisplacementRatio, cfg.DisplacementMaxWick, cfg.DisplacementLookback)
	if cfg.DisplacementRecent <= 0 {
		cfg.DisplacementRecent = 10
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	return &Analyzer{
		cfg:       cfg,
		htf:       NewStructureDetector(cfg.HTFSwingLeft, cfg.HTFSwingRight),
		ltf:       NewStructureDetector(cfg.LTFSwingLeft, cfg.LTFSwingRight),
		disp:      disp,
		fvg:       NewFVGDetector(cfg.FVGMinATRRatio, cfg.ATRPeriod),
		ob:        NewOrderBlockDetector(disp, cfg.OBBodyLookback, cfg.OBSearchBack),
		liquidity: NewLiquidityMapper(cfg.Liquidity, disp),
		logger:    logger.With().Str("component", "analyzer").Logger(),
	}
}

// Displacement exposes the shared displacement detector
func (an *Analyzer) Displacement() *DisplacementDetector {
	return an.disp
}

// Analyze builds an SMCAnalysis from closed HTF and LTF candles. With too
// little history the result is marked Insufficient and no detector runs.
func (an *Analyzer) Analyze(instrument string, htf, ltf []market.Candle) *SMCAnalysis {
	a := &SMCAnalysis{
		Instrument: instrument,
		HTFBias:    BiasNeutral,
	}
	if len(ltf) > 0 {
		last := ltf[len(ltf)-1]
		a.Time = last.Time
		a.CurrentPrice = last.Close
	}

	if len(htf) < an.cfg.MinHTFBars || len(ltf) < an.cfg.MinLTFBars {
		a.Insufficient = true
		an.logger.Debug().
			Str("instrument", instrument).
			Int("htf_bars", len(htf)).
			Int("ltf_bars", len(ltf)).
			Msg("Not enough history for analysis")
		return a
	}

	if an.cfg.LTFLookback > 0 && len(ltf) > an.cfg.LTFLookback {
		ltf = ltf[len(ltf)-an.cfg.LTFLookback:]
	}
	a.LTFBars = len(ltf)
	a.ATR = market.CalculateATR(ltf, an.cfg.ATRPeriod)

	a.HTFStructure = an.htf.Analyze(htf)
	a.HTFBias = a.HTFStructure.Trend
	a.LTFStructure = an.ltf.Analyze(ltf)

	pools := an.liquidity.BuildPools(instrument, ltf, a.LTFStructure.Swings, a.Time)
	a.Sweeps = an.liquidity.DetectSweeps(ltf, pools)
	a.Pools = ActivePools(pools)
	a.Sweep = LatestValidSweep(a.Sweeps, len(ltf)-an.liquidity.cfg.SweepLookback)

	a.FVGs = Unmitigated(an.fvg.DetectFVGs(instrument, ltf))
	a.OrderBlocks = ActiveOrderBlocks(an.ob.Detect(instrument, ltf, a.LTFStructure.Swings))
	a.Displacement = an.disp.Latest(ltf, an.cfg.DisplacementRecent)
	a.PremiumDiscount = CalculatePremiumDiscount(htf, an.cfg.PDRangeLookback, a.CurrentPrice)

	an.logger.Debug().
		Str("instrument", instrument).
		Str("htf_bias", string(a.HTFBias)).
		Int("pools", len(a.Pools)).
		Int("sweeps", len(a.Sweeps)).
		Bool("valid_sweep", a.Sweep != nil).
		Int("fvgs", len(a.FVGs)).
		Int("order_blocks", len(a.OrderBlocks)).
		Msg("Analysis complete")

	return a
}
