// Package signal assembles trading signals from closed candles. One call
// runs the whole chain: analysis, grading, sequence and divergence
// modifiers, calibration and risk placement.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/divergence"
	"smc-signal-engine/internal/heatmap"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/risk"
	"smc-signal-engine/internal/sequence"
)

var (
	ErrInvalidInput = errors.New("invalid pipeline input")
)

// Gates raised after grading
const (
	GateLowScore      confluence.Gate = "LOW_SCORE"
	GateMinGrade      confluence.Gate = "BELOW_MIN_GRADE"
	GateMinConfidence confluence.Gate = "BELOW_MIN_CONFIDENCE"
	GateRejected      confluence.Gate = "VALIDATOR_REJECTED"
)

// Config selects the optional stages and the output filters
type Config struct {
	MinGrade       confluence.Grade `json:"min_grade" yaml:"min_grade" default:"B" validate:"omitempty,oneof=A+ A B"`
	MinConfidence  float64          `json:"min_confidence" yaml:"min_confidence" default:"50" validate:"gte=0,lte=100"`
	UseSequence    bool             `json:"use_sequence" yaml:"use_sequence" default:"true"`
	UseDivergence  bool             `json:"use_divergence" yaml:"use_divergence" default:"true"`
	UseCalibration bool             `json:"use_calibration" yaml:"use_calibration" default:"true"`
	UseHeatMap     bool             `json:"use_heat_map" yaml:"use_heat_map" default:"true"`
	UseProximity   bool             `json:"use_proximity" yaml:"use_proximity" default:"true"`
}

// DefaultConfig enables every stage
func DefaultConfig() Config {
	return Config{
		MinGrade:       confluence.GradeB,
		MinConfidence:  50,
		UseSequence:    true,
		UseDivergence:  true,
		UseCalibration: true,
		UseHeatMap:     true,
		UseProximity:   true,
	}
}

// Input is one evaluation request. Candles must be closed as of Now; a
// zero Now means the close of the last LTF bar.
type Input struct {
	Instrument string                     `json:"instrument"`
	HTF        []market.Candle            `json:"htf"`
	LTF        []market.Candle            `json:"ltf"`
	Peers      map[string][]market.Candle `json:"peers,omitempty"`
	Now        time.Time                  `json:"now"`
}

// TradingSignal is the pipeline output
type TradingSignal struct {
	ID                   string           `json:"id"`
	Instrument           string           `json:"instrument"`
	Direction            market.Direction `json:"direction"`
	Grade                confluence.Grade `json:"grade"`
	Score                int              `json:"score"`
	BaseConfidence       float64          `json:"base_confidence"`
	RawConfidence        float64          `json:"raw_confidence"`
	CalibratedConfidence float64          `json:"calibrated_confidence"`
	Confidence           float64          `json:"confidence"`
	Entry                float64          `json:"entry"`
	StopLoss             float64          `json:"stop_loss"`
	TakeProfit           float64          `json:"take_profit"`
	SLPips               float64          `json:"sl_pips"`
	RiskReward           float64          `json:"risk_reward"`
	TargetSource         string           `json:"target_source"`
	EntryZone            *risk.Zone       `json:"entry_zone,omitempty"`
	Phase                sequence.Phase   `json:"phase"`
	PhaseName            string           `json:"phase_name"`
	SequenceModifier     int              `json:"sequence_modifier"`
	DivergenceModifier   int              `json:"divergence_modifier"`
	ProximityModifier    int              `json:"proximity_modifier"`
	SweepProbability     float64          `json:"sweep_probability"`
	Reasons              []string         `json:"reasons"`
	Diagnostics          []string         `json:"diagnostics,omitempty"`
	Time                 time.Time        `json:"time"`
	CreatedAt            time.Time        `json:"created_at"`

	Analysis *analysis.SMCAnalysis `json:"-"`
}

// Risk returns the entry-to-stop distance
func (s *TradingSignal) Risk() float64 {
	return math.Abs(s.Entry - s.StopLoss)
}

// NoSignal explains why an evaluation produced nothing
type NoSignal struct {
	Instrument string           `json:"instrument"`
	Gate       confluence.Gate  `json:"gate"`
	Reason     string           `json:"reason"`
	Grade      confluence.Grade `json:"grade"`
	Score      int              `json:"score"`
	Direction  market.Direction `json:"direction,omitempty"`
	Phase      sequence.Phase   `json:"phase"`
	Confidence float64          `json:"confidence,omitempty"`
	Time       time.Time        `json:"time"`
}

// Validator is an optional post-hoc approval step
type Validator interface {
	Validate(ctx context.Context, sig *TradingSignal) (approved bool, reason string, err error)
}

// IDGenerator names a signal
type IDGenerator func(instrument string, t time.Time) string

// RandomID returns a random UUID
func RandomID(string, time.Time) string {
	return uuid.New().String()
}

// DeterministicID derives IDs from a seed, the instrument and the bar
// time so replays produce the same IDs
func DeterministicID(seed int64) IDGenerator {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("smc-run-%d", seed)))
	return func(instrument string, t time.Time) string {
		return uuid.NewSHA1(ns, []byte(instrument+"|"+t.UTC().Format(time.RFC3339Nano))).String()
	}
}

// Pipeline wires the stages together. Each stage's state lives in its own
// component; the pipeline holds none.
type Pipeline struct {
	cfg        Config
	analyzer   *analysis.Analyzer
	grader     *confluence.Grader
	tracker    *sequence.Tracker
	heat       *heatmap.Builder
	divergence *divergence.Detector
	calibrator *calibration.Calibrator
	calc       *risk.Calculator
	validator  Validator
	ids        IDGenerator
	logger     zerolog.Logger
}

// Deps are the pipeline's collaborators. Nil tracker, divergence or
// calibrator disable that stage.
type Deps struct {
	Analyzer   *analysis.Analyzer
	Grader     *confluence.Grader
	Tracker    *sequence.Tracker
	HeatMap    *heatmap.Builder
	Divergence *divergence.Detector
	Calibrator *calibration.Calibrator
	Risk       *risk.Calculator
	Validator  Validator
	IDs        IDGenerator
}

// NewPipeline creates a pipeline
func NewPipeline(cfg Config, deps Deps, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		analyzer:   deps.Analyzer,
		grader:     deps.Grader,
		tracker:    deps.Tracker,
		heat:       deps.HeatMap,
		divergence: deps.Divergence,
		calibrator: deps.Calibrator,
		calc:       deps.Risk,
		validator:  deps.Validator,
		ids:        deps.IDs,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
	if p.analyzer == nil {
		p.analyzer = analysis.NewAnalyzer(analysis.DefaultConfig(), logger)
	}
	if p.grader == nil {
		p.grader = confluence.NewGrader(confluence.DefaultConfig())
	}
	if p.heat == nil {
		p.heat = heatmap.NewBuilder(heatmap.DefaultConfig())
	}
	if p.calc == nil {
		p.calc = risk.NewCalculator(risk.DefaultConfig())
	}
	if p.ids == nil {
		p.ids = RandomID
	}
	return p
}

// Calibrator returns the calibrator in use, or nil
func (p *Pipeline) Calibrator() *calibration.Calibrator {
	return p.calibrator
}

// Tracker returns the sequence tracker in use, or nil
func (p *Pipeline) Tracker() *sequence.Tracker {
	return p.tracker
}

// Evaluate runs the chain for one instrument. Exactly one of the signal
// and the no-signal is non-nil unless err is set. Errors are reserved for
// malformed input and look-ahead; every soft condition yields a NoSignal.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (*TradingSignal, *NoSignal, error) {
	sig, no, err := p.evaluate(ctx, in)
	switch {
	case sig != nil:
		metrics.RecordSignal(sig.Instrument, string(sig.Direction), string(sig.Grade))
	case no != nil:
		metrics.RecordGate(no.Instrument, string(no.Gate))
	}
	return sig, no, err
}

func (p *Pipeline) evaluate(ctx context.Context, in Input) (*TradingSignal, *NoSignal, error) {
	if in.Instrument == "" || len(in.LTF) == 0 {
		return nil, nil, fmt.Errorf("%w: instrument and LTF candles are required", ErrInvalidInput)
	}
	if err := checkClosed(in); err != nil {
		return nil, nil, err
	}

	a := p.analyzer.Analyze(in.Instrument, in.HTF, in.LTF)

	phase := sequence.Phase(0)
	seqMod := 0
	if p.cfg.UseSequence && p.tracker != nil {
		st, _, err := p.tracker.Advance(ctx, a)
		if err != nil {
			p.logger.Warn().Err(err).Str("instrument", in.Instrument).Msg("Sequence state unavailable, modifier skipped")
		} else {
			phase = st.Phase
			seqMod = st.Phase.Modifier()
		}
	}

	gr := p.grader.Grade(a)
	no := &NoSignal{
		Instrument: in.Instrument,
		Gate:       gr.Gate,
		Grade:      gr.Grade,
		Score:      gr.Score,
		Direction:  gr.Direction,
		Phase:      phase,
		Time:       a.Time,
	}
	if gr.Gate != confluence.GateNone {
		no.Reason = lastReason(gr.Reasons)
		return nil, no, nil
	}
	if gr.Grade == confluence.GradeNoTrade {
		no.Gate = GateLowScore
		no.Reason = fmt.Sprintf("score %d below the lowest grade", gr.Score)
		return nil, no, nil
	}
	if p.cfg.MinGrade != "" && !gr.Grade.AtLeast(p.cfg.MinGrade) {
		no.Gate = GateMinGrade
		no.Reason = fmt.Sprintf("grade %s below minimum %s", gr.Grade, p.cfg.MinGrade)
		return nil, no, nil
	}

	dir := gr.Direction
	sig := &TradingSignal{
		Instrument:       in.Instrument,
		Direction:        dir,
		Grade:            gr.Grade,
		Score:            gr.Score,
		BaseConfidence:   gr.BaseConfidence,
		Entry:            a.CurrentPrice,
		Phase:            phase,
		PhaseName:        phase.Name(),
		SequenceModifier: seqMod,
		Reasons:          append([]string(nil), gr.Reasons...),
		Time:             a.Time,
		CreatedAt:        evalTime(in),
		Analysis:         a,
	}
	if seqMod != 0 {
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("%+d sequence phase %s", seqMod, phase.Name()))
	}

	var hm *heatmap.HeatMap
	if p.cfg.UseHeatMap {
		hm = p.heat.Build(in.Instrument, a.Pools, a.CurrentPrice, a.HTFBias, a.Time)
		sig.SweepProbability = hm.SweepProbability
	}

	if p.cfg.UseDivergence && p.divergence != nil && len(in.Peers) > 0 {
		res := p.divergence.Evaluate(ctx, in.Instrument, dir, in.LTF, in.Peers)
		sig.DivergenceModifier = res.Modifier
		sig.Diagnostics = append(sig.Diagnostics, res.Diagnostics...)
		for _, pd := range res.Pairs {
			if pd.Modifier != 0 {
				sig.Reasons = append(sig.Reasons, fmt.Sprintf("%+d %s", pd.Modifier, pd.Reason))
			}
		}
	}

	sig.RawConfidence = clamp(gr.BaseConfidence + float64(seqMod) + float64(sig.DivergenceModifier))
	sig.CalibratedConfidence = sig.RawConfidence
	if p.cfg.UseCalibration && p.calibrator != nil {
		sig.CalibratedConfidence = p.calibrator.Calibrate(sig.RawConfidence)
	}

	sig.EntryZone = risk.EntryZone(a, dir)
	if p.cfg.UseProximity {
		mod, reason := p.calc.EntryProximity(in.Instrument, a.CurrentPrice, sig.EntryZone)
		sig.ProximityModifier = mod
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("%+d %s", mod, reason))
	}
	sig.Confidence = clamp(sig.CalibratedConfidence + float64(sig.ProximityModifier))

	if sig.Confidence < p.cfg.MinConfidence {
		no.Gate = GateMinConfidence
		no.Confidence = sig.Confidence
		no.Reason = fmt.Sprintf("confidence %.1f below minimum %.1f", sig.Confidence, p.cfg.MinConfidence)
		return nil, no, nil
	}

	sig.StopLoss, sig.SLPips = p.calc.StopLoss(in.Instrument, dir, sig.Entry, a.Sweep.Pool.Price, a.ATR)
	var target *heatmap.HeatLevel
	if hm != nil {
		target = hm.PrimaryTarget(dir)
	}
	sig.TakeProfit, sig.RiskReward, sig.TargetSource = p.calc.TakeProfit(in.Instrument, dir, sig.Entry, sig.StopLoss, sig.Grade, target)
	sig.ID = p.ids(in.Instrument, sig.Time)

	if p.validator != nil {
		ok, reason, err := p.validator.Validate(ctx, sig)
		switch {
		case err != nil:
			p.logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("Validator failed, keeping signal")
		case !ok:
			no.Gate = GateRejected
			no.Confidence = sig.Confidence
			no.Reason = reason
			return nil, no, nil
		}
	}

	p.logger.Info().
		Str("signal_id", sig.ID).
		Str("instrument", sig.Instrument).
		Str("direction", string(sig.Direction)).
		Str("grade", string(sig.Grade)).
		Float64("confidence", sig.Confidence).
		Float64("entry", sig.Entry).
		Float64("stop_loss", sig.StopLoss).
		Float64("take_profit", sig.TakeProfit).
		Msg("Signal generated")

	return sig, nil, nil
}

// checkClosed rejects candles that had not closed by in.Now
func checkClosed(in Input) error {
	if in.Now.IsZero() {
		return nil
	}
	check := func(tf string, candles []market.Candle) error {
		if len(candles) == 0 {
			return nil
		}
		interval := market.InferInterval(candles)
		last := candles[len(candles)-1]
		if closeAt := last.Time.Add(interval); closeAt.After(in.Now) {
			return fmt.Errorf("%w: %s bar closing %s is after %s", market.ErrLookAhead, tf,
				closeAt.Format(time.RFC3339), in.Now.Format(time.RFC3339))
		}
		return nil
	}
	if err := check("LTF", in.LTF); err != nil {
		return err
	}
	return check("HTF", in.HTF)
}

func evalTime(in Input) time.Time {
	if !in.Now.IsZero() {
		return in.Now
	}
	last := in.LTF[len(in.LTF)-1]
	return last.Time.Add(market.InferInterval(in.LTF))
}

func lastReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[len(reasons)-1]
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
