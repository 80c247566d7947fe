// Package backtest replays the signal pipeline over history with a
// simulated order lifecycle, and validates it with walk-forward windows and
// Monte Carlo resampling.
package backtest

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
	"smc-signal-engine/internal/signal"
	"smc-signal-engine/internal/state"
)

var (
	ErrNoCandles     = errors.New("no candles to replay")
	ErrInvalidConfig = errors.New("invalid backtest config")
)

// Config is the declarative description of one run
type Config struct {
	Instrument     string  `json:"instrument" yaml:"instrument" validate:"required"`
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital" default:"10000" validate:"gt=0"`
	Seed           int64   `json:"seed" yaml:"seed" default:"42"`

	Warmup         int `json:"warmup" yaml:"warmup" default:"100" validate:"gte=0"`
	LTFLookback    int `json:"ltf_lookback" yaml:"ltf_lookback" default:"300" validate:"gt=0"`
	HTFLookback    int `json:"htf_lookback" yaml:"htf_lookback" default:"200" validate:"gt=0"`
	SignalInterval int `json:"signal_interval" yaml:"signal_interval" default:"1" validate:"gte=1"`
	ATRPeriod      int `json:"atr_period" yaml:"atr_period" default:"14" validate:"gt=0"`

	UseLimitEntry bool `json:"use_limit_entry" yaml:"use_limit_entry" default:"true"`
	LimitMidpoint bool `json:"limit_midpoint" yaml:"limit_midpoint"`
	LimitMaxBars  int  `json:"limit_max_bars" yaml:"limit_max_bars" default:"6" validate:"gte=1"`

	Sessions   []market.Session  `json:"sessions,omitempty" yaml:"sessions"`
	EntryHours *market.HourRange `json:"entry_hours,omitempty" yaml:"entry_hours"`

	Costs       Costs              `json:"costs" yaml:"costs"`
	Exit        risk.ExitConfig    `json:"exit" yaml:"exit"`
	Sizing      risk.SizingConfig  `json:"sizing" yaml:"sizing"`
	Signal      signal.Config      `json:"signal" yaml:"signal"`
	Analysis    analysis.Config    `json:"analysis" yaml:"analysis"`
	Grader      confluence.Config  `json:"grader" yaml:"grader"`
	Sequence    sequence.Config    `json:"sequence" yaml:"sequence"`
	HeatMap     heatmap.Config     `json:"heat_map" yaml:"heat_map"`
	Divergence  divergence.Config  `json:"divergence" yaml:"divergence"`
	Calibration calibration.Config `json:"calibration" yaml:"calibration"`
	Risk        risk.Config        `json:"risk" yaml:"risk"`
}

// DefaultConfig returns a run over instrument with every component at its defaults
func DefaultConfig(instrument string) Config {
	return Config{
		Instrument:     instrument,
		InitialCapital: 10000,
		Seed:           42,
		Warmup:         100,
		LTFLookback:    300,
		HTFLookback:    200,
		SignalInterval: 1,
		ATRPeriod:      14,
		UseLimitEntry:  true,
		LimitMaxBars:   6,
		Costs:          Costs{SpreadPips: 1.0, SlippagePips: 0.2, CommissionPerLot: 7},
		Exit:           risk.DefaultExitConfig(),
		Sizing:         risk.DefaultSizingConfig(),
		Signal:         signal.DefaultConfig(),
		Analysis:       analysis.DefaultConfig(),
		Grader:         confluence.DefaultConfig(),
		Sequence:       sequence.DefaultConfig(),
		HeatMap:        heatmap.DefaultConfig(),
		Divergence:     divergence.DefaultConfig(),
		Calibration:    calibration.DefaultConfig(),
		Risk:           risk.DefaultConfig(),
	}
}

// Validate checks the fields the engine relies on
func (c Config) Validate() error {
	switch {
	case c.Instrument == "":
		return fmt.Errorf("%w: instrument is required", ErrInvalidConfig)
	case c.InitialCapital <= 0:
		return fmt.Errorf("%w: initial capital must be positive", ErrInvalidConfig)
	case c.Warmup < 0:
		return fmt.Errorf("%w: negative warmup", ErrInvalidConfig)
	case c.LTFLookback <= 0 || c.HTFLookback <= 0:
		return fmt.Errorf("%w: lookbacks must be positive", ErrInvalidConfig)
	case c.SignalInterval < 1:
		return fmt.Errorf("%w: signal interval must be at least 1", ErrInvalidConfig)
	case c.UseLimitEntry && c.LimitMaxBars < 1:
		return fmt.Errorf("%w: limit max bars must be at least 1", ErrInvalidConfig)
	case c.Exit.PartialFraction < 0 || c.Exit.PartialFraction >= 1:
		return fmt.Errorf("%w: partial fraction must be in [0,1)", ErrInvalidConfig)
	}
	return nil
}

// Data is the history a run replays. HTF and peer series are sliced by
// close time against the LTF cursor.
type Data struct {
	LTF   []market.Candle            `json:"ltf"`
	HTF   []market.Candle            `json:"htf"`
	Peers map[string][]market.Candle `json:"peers,omitempty"`
}

// EquityPoint is marked-to-market equity at a bar close
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Bar    int       `json:"bar"`
	Equity float64   `json:"equity"`
}

// Result is the outcome of one run
type Result struct {
	RunID         string                        `json:"run_id"`
	Instrument    string                        `json:"instrument"`
	Seed          int64                         `json:"seed"`
	FromBar       int                           `json:"from_bar"`
	ToBar         int                           `json:"to_bar"`
	StartTime     time.Time                     `json:"start_time"`
	EndTime       time.Time                     `json:"end_time"`
	InitialEquity float64                       `json:"initial_equity"`
	FinalEquity   float64                       `json:"final_equity"`
	Signals       int                           `json:"signals"`
	Orders        int                           `json:"orders"`
	Trades        []SimulatedTrade              `json:"trades"`
	EquityCurve   []EquityPoint                 `json:"equity_curve"`
	SkipReasons   map[string]int                `json:"skip_reasons"`
	Metrics       Metrics                       `json:"metrics"`
	Calibration   calibration.CalibrationParams `json:"calibration"`
	Duration      time.Duration                 `json:"duration"`
}

// RunOption adjusts a single run
type RunOption func(*runOptions)

type runOptions struct {
	calibrator *calibration.Calibrator
	from, to   int
}

// WithCalibrator replaces the run's fresh calibrator, typically with a
// frozen copy fitted elsewhere
func WithCalibrator(c *calibration.Calibrator) RunOption {
	return func(o *runOptions) { o.calibrator = c }
}

// WithRange trades only bars in [from, to). Earlier bars still serve as history.
func WithRange(from, to int) RunOption {
	return func(o *runOptions) {
		o.from = from
		o.to = to
	}
}

// Engine replays the pipeline. An Engine holds no run state and can run
// concurrently.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "backtest").Str("instrument", cfg.Instrument).Logger(),
	}
}

// Config returns the engine's configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Run replays data bar by bar. At bar i only candles closed by bar i's
// close are visible; any later reference panics with market.ErrLookAhead.
// Identical data, config and seed give identical trades and metrics.
func (e *Engine) Run(ctx context.Context, data Data, opts ...RunOption) (*Result, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(data.LTF) == 0 {
		return nil, ErrNoCandles
	}

	o := runOptions{to: len(data.LTF)}
	for _, opt := range opts {
		opt(&o)
	}
	from := max(o.from, e.cfg.Warmup)
	to := min(o.to, len(data.LTF))
	if from >= to {
		return nil, fmt.Errorf("%w: range [%d,%d) leaves no bars after warmup %d", ErrInvalidConfig, o.from, o.to, e.cfg.Warmup)
	}

	started := time.Now()
	r := e.newRun(data, o.calibrator, from, to)

	for i := from; i < to; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := r.step(ctx, i); err != nil {
			return nil, err
		}
	}
	r.finish(ctx)

	res := r.result
	res.Metrics = CalculateMetrics(res)
	res.Calibration = r.calibrator.Params()
	res.Duration = time.Since(started)
	metrics.ObserveBacktest(e.cfg.Instrument, res.Duration)

	e.logger.Info().
		Str("run_id", res.RunID).
		Int("bars", to-from).
		Int("signals", res.Signals).
		Int("trades", len(res.Trades)).
		Float64("return_pct", res.Metrics.TotalReturnPct).
		Float64("max_dd_pct", res.Metrics.MaxDrawdownPct).
		Dur("took", res.Duration).
		Msg("Backtest complete")

	return res, nil
}

// run is the mutable state of one replay. Every run owns its store,
// tracker, calibrator and divergence cache.
type run struct {
	cfg           Config
	data          Data
	ltf           *market.Window
	htfInterval   time.Duration
	peerIntervals map[string]time.Duration
	from          int
	ns            uuid.UUID

	pipeline   *signal.Pipeline
	calibrator *calibration.Calibrator
	risk       *risk.Manager
	trailing   *risk.TrailingStopManager

	pending *PendingOrder
	open    *openTrade
	result  *Result
	logger  zerolog.Logger
}

func (e *Engine) newRun(data Data, cal *calibration.Calibrator, from, to int) *run {
	cfg := e.cfg
	store := state.NewMemoryStore()
	if cal == nil {
		cal = calibration.New(cfg.Calibration, store, e.logger)
	}

	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("smc-backtest-%d", cfg.Seed)))

	r := &run{
		cfg:           cfg,
		data:          data,
		ltf:           market.NewWindow(data.LTF),
		htfInterval:   market.InferInterval(data.HTF),
		peerIntervals: make(map[string]time.Duration, len(data.Peers)),
		from:          from,
		ns:            ns,
		calibrator:    cal,
		risk:          risk.NewManager(cfg.Sizing, cfg.InitialCapital, e.logger),
		trailing:      risk.NewTrailingStopManager(cfg.Exit, e.logger),
		logger:        e.logger,
	}
	for name, series := range data.Peers {
		r.peerIntervals[name] = market.InferInterval(series)
	}

	r.pipeline = signal.NewPipeline(cfg.Signal, signal.Deps{
		Analyzer:   analysis.NewAnalyzer(cfg.Analysis, e.logger),
		Grader:     confluence.NewGrader(cfg.Grader),
		Tracker:    sequence.NewTracker(store, cfg.Sequence, e.logger),
		HeatMap:    heatmap.NewBuilder(cfg.HeatMap),
		Divergence: divergence.NewDetector(cfg.Divergence, store, e.logger),
		Calibrator: cal,
		Risk:       risk.NewCalculator(cfg.Risk),
		IDs:        signal.DeterministicID(cfg.Seed),
	}, e.logger)

	last := data.LTF[to-1]
	r.result = &Result{
		RunID:         r.id("run", from, to),
		Instrument:    cfg.Instrument,
		Seed:          cfg.Seed,
		FromBar:       from,
		ToBar:         to,
		StartTime:     data.LTF[from].Time,
		EndTime:       last.Time.Add(r.ltf.Interval()),
		InitialEquity: cfg.InitialCapital,
		Trades:        []SimulatedTrade{},
		EquityCurve:   make([]EquityPoint, 0, to-from),
		SkipReasons:   make(map[string]int),
	}
	return r
}

func (r *run) id(kind string, parts ...int) string {
	return uuid.NewSHA1(r.ns, []byte(fmt.Sprintf("%s|%s|%v", kind, r.cfg.Instrument, parts))).String()
}

func (r *run) skip(reason string) {
	r.result.SkipReasons[reason]++
}

// step processes bar i: exits on the open trade, then the pending order,
// then a new scan when flat.
func (r *run) step(ctx context.Context, i int) error {
	r.ltf.Seek(i)
	bar := r.ltf.Current()

	if r.open != nil {
		r.manageTrade(ctx, i, bar)
	}
	if r.pending != nil {
		r.managePending(ctx, i, bar)
	}
	if r.open == nil && r.pending == nil && (i-r.from)%r.cfg.SignalInterval == 0 {
		if err := r.scan(ctx, i); err != nil {
			return err
		}
	}

	r.markEquity(i, bar)
	return nil
}

func (r *run) inSession(t time.Time) bool {
	if r.cfg.EntryHours != nil && !r.cfg.EntryHours.Contains(t) {
		return false
	}
	if len(r.cfg.Sessions) == 0 {
		return true
	}
	for _, s := range r.cfg.Sessions {
		if market.InSession(t, s) {
			return true
		}
	}
	return false
}

func (r *run) peersAt(t time.Time) map[string][]market.Candle {
	if len(r.data.Peers) == 0 {
		return nil
	}
	out := make(map[string][]market.Candle, len(r.data.Peers))
	for name, series := range r.data.Peers {
		out[name] = market.ClosedBefore(series, r.peerIntervals[name], t, r.cfg.LTFLookback)
	}
	return out
}

func (r *run) scan(ctx context.Context, i int) error {
	closeAt := r.ltf.CloseTime()

	if !r.inSession(closeAt) {
		r.skip(SkipSession)
		return nil
	}
	if ok, reason := r.risk.CanOpenPosition(closeAt); !ok {
		r.skip(SkipRiskLimit)
		r.logger.Debug().Int("bar", i).Str("reason", reason).Msg("Scan skipped")
		return nil
	}

	sig, no, err := r.pipeline.Evaluate(ctx, signal.Input{
		Instrument: r.cfg.Instrument,
		HTF:        market.ClosedBefore(r.data.HTF, r.htfInterval, closeAt, r.cfg.HTFLookback),
		LTF:        r.ltf.Visible(r.cfg.LTFLookback),
		Peers:      r.peersAt(closeAt),
		Now:        closeAt,
	})
	if err != nil {
		if errors.Is(err, market.ErrLookAhead) {
			panic(err)
		}
		return fmt.Errorf("failed to evaluate bar %d: %w", i, err)
	}
	if no != nil {
		r.skip(string(no.Gate))
		return nil
	}

	r.ltf.AssertNotFuture("signal", sig.Time)
	r.result.Signals++

	if !r.cfg.UseLimitEntry || sig.EntryZone == nil {
		r.fill(i, closeAt, sig, sig.Entry)
		return nil
	}

	order := newPendingOrder(r.id("order", i), sig, i, r.cfg)
	if !order.Valid() {
		r.skip(SkipInvalidLimit)
		return nil
	}
	r.ltf.AssertNotFuture("order", order.CreatedAt)
	r.pending = order
	r.result.Orders++
	return nil
}

func (r *run) managePending(ctx context.Context, i int, bar market.Candle) {
	o := r.pending
	if o.Expired(i) {
		o.Status = OrderExpired
		r.pending = nil
		r.skip(SkipExpired)
		return
	}

	price, ok := o.Fill(bar)
	if !ok {
		return
	}
	o.Status = OrderFilled
	r.pending = nil
	r.fill(i, bar.Time, o.Signal, price)

	// the fill bar may also have run through the stop
	if r.open != nil {
		t := r.open.trade
		if (t.Direction == market.Long && bar.Low <= t.StopLoss) || (t.Direction == market.Short && bar.High >= t.StopLoss) {
			r.close(ctx, i, bar.Time, t.StopLoss, ExitStopLoss, true)
		}
	}
}

func (r *run) fill(i int, at time.Time, sig *signal.TradingSignal, price float64) {
	instrument := r.cfg.Instrument
	entry := r.cfg.Costs.entryPrice(instrument, sig.Direction, price)
	if (entry-sig.StopLoss)*sig.Direction.Sign() <= 0 {
		r.skip(SkipInvalidLimit)
		return
	}

	sizing := r.risk.PositionSize(instrument, sig.Confidence, entry, sig.StopLoss)
	if !sizing.CanTrade {
		r.skip(SkipSizing)
		r.logger.Debug().Int("bar", i).Str("reason", sizing.Reason).Msg("Fill skipped")
		return
	}
	r.risk.RegisterOpen()

	t := &SimulatedTrade{
		ID:                 r.id("trade", i),
		SignalID:           sig.ID,
		Instrument:         instrument,
		Direction:          sig.Direction,
		Grade:              sig.Grade,
		Score:              sig.Score,
		Confidence:         sig.Confidence,
		RawConfidence:      sig.RawConfidence,
		Phase:              sig.Phase,
		SequenceModifier:   sig.SequenceModifier,
		DivergenceModifier: sig.DivergenceModifier,
		ProximityModifier:  sig.ProximityModifier,
		TargetSource:       sig.TargetSource,
		Tier:               sizing.Tier,
		SignalTime:         sig.Time,
		EntryTime:          at,
		EntryBar:           i,
		Entry:              entry,
		InitialStop:        sig.StopLoss,
		StopLoss:           sig.StopLoss,
		TakeProfit:         sig.TakeProfit,
		Units:              sizing.Units,
		RiskAmount:         sizing.RiskAmount,
	}
	r.trailing.AddPosition(t.ID, instrument, t.Direction, entry, t.StopLoss, at)
	r.open = &openTrade{trade: t, remaining: sizing.Units}
}

// manageTrade applies one bar to the open trade in the order stop, target,
// partial, trailing. Stop before target assumes the worst when a bar spans both.
func (r *run) manageTrade(ctx context.Context, i int, bar market.Candle) {
	t := r.open.trade
	long := t.Direction == market.Long

	pos, _ := r.trailing.Position(t.ID)
	stop := pos.Stop
	if (long && bar.Low <= stop) || (!long && bar.High >= stop) {
		price := stop
		// gapped through the stop
		if (long && bar.Open < stop) || (!long && bar.Open > stop) {
			price = bar.Open
		}
		r.close(ctx, i, bar.Time, price, t.exitReason(stop), true)
		return
	}

	if (long && bar.High >= t.TakeProfit) || (!long && bar.Low <= t.TakeProfit) {
		r.close(ctx, i, bar.Time, t.TakeProfit, ExitTakeProfit, false)
		return
	}

	if r.cfg.Exit.PartialEnabled && !t.PartialTaken {
		level := r.cfg.Exit.PartialPrice(t.Direction, t.Entry, math.Abs(t.Entry-t.InitialStop))
		if (long && bar.High >= level) || (!long && bar.Low <= level) {
			r.partial(bar, level)
		}
	}

	atr := market.CalculateATR(r.ltf.Visible(r.cfg.ATRPeriod+1), r.cfg.ATRPeriod)
	if u := r.trailing.Update(t.ID, bar, atr); u != nil && !u.Triggered {
		t.StopLoss = u.NewStop
	}
}

func (r *run) partial(bar market.Candle, level float64) {
	ot := r.open
	t := ot.trade

	units := math.Floor(ot.remaining * r.cfg.Exit.PartialFraction)
	if units <= 0 || units >= ot.remaining {
		return
	}

	exit := r.cfg.Costs.exitPrice(t.Instrument, t.Direction, level, false)
	commission := r.cfg.Costs.commission(units)
	pnl := t.priceMove(exit)*units - commission

	ot.remaining -= units
	t.PartialTaken = true
	t.PartialPrice = exit
	t.PartialPnL = pnl
	t.Commission += commission
	r.risk.RegisterClose(pnl, bar.Time, false)

	if u := r.trailing.MarkPartial(t.ID); u != nil {
		t.StopLoss = u.NewStop
	}
}

func (r *run) close(ctx context.Context, i int, at time.Time, price float64, reason string, stop bool) {
	ot := r.open
	t := ot.trade

	exit := r.cfg.Costs.exitPrice(t.Instrument, t.Direction, price, stop)
	commission := r.cfg.Costs.commission(ot.remaining)
	pnl := t.priceMove(exit)*ot.remaining - commission

	t.Exit = exit
	t.ExitTime = at
	t.ExitBar = i
	t.ExitReason = reason
	t.Commission += commission
	t.PnL = t.PartialPnL + pnl
	t.PnLPips = market.ToPips(t.Instrument, t.priceMove(exit))
	if t.RiskAmount > 0 {
		t.RMultiple = t.PnL / t.RiskAmount
	}
	t.BarsHeld = i - t.EntryBar

	r.risk.RegisterClose(pnl, at, true)
	r.trailing.RemovePosition(t.ID)
	r.result.Trades = append(r.result.Trades, *t)
	r.open = nil

	_, err := r.calibrator.Record(ctx, calibration.Outcome{
		SignalID:      t.SignalID,
		Instrument:    t.Instrument,
		RawConfidence: t.RawConfidence,
		Win:           t.IsWinner(),
		PnL:           t.PnL,
		RecordedAt:    at,
	})
	if err != nil && !errors.Is(err, calibration.ErrFrozen) {
		r.logger.Warn().Err(err).Str("trade_id", t.ID).Msg("Failed to record outcome")
	}
}

func (r *run) markEquity(i int, bar market.Candle) {
	equity := r.risk.Equity()
	if r.open != nil {
		equity += r.open.trade.priceMove(bar.Close) * r.open.remaining
	}
	r.result.EquityCurve = append(r.result.EquityCurve, EquityPoint{
		Time:   r.ltf.CloseTime(),
		Bar:    i,
		Equity: equity,
	})
}

// finish closes anything still open at the last close and drops an
// unfilled order
func (r *run) finish(ctx context.Context) {
	if r.pending != nil {
		r.pending.Status = OrderExpired
		r.pending = nil
	}
	if r.open != nil {
		bar := r.ltf.Current()
		r.close(ctx, r.ltf.Cursor(), r.ltf.CloseTime(), bar.Close, ExitEnd, false)
	}

	r.result.FinalEquity = r.risk.Equity()
	if n := len(r.result.EquityCurve); n > 0 {
		r.result.EquityCurve[n-1].Equity = r.result.FinalEquity
	}
	r.logger.Debug().Fields(r.risk.Metrics()).Msg("Risk book at end of run")
}
