package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/state"
)

var ErrNoWindows = errors.New("history too short for a single walk-forward window")

// WalkForwardConfig sizes the rolling train/test windows
type WalkForwardConfig struct {
	TrainBars   int              `json:"train_bars" yaml:"train_bars" default:"2000" validate:"gt=0"`
	TestBars    int              `json:"test_bars" yaml:"test_bars" default:"500" validate:"gt=0"`
	MaxWindows  int              `json:"max_windows" yaml:"max_windows"` // 0 runs every window that fits
	MaxParallel int              `json:"max_parallel" yaml:"max_parallel" default:"4" validate:"gte=1"`
	MonteCarlo  MonteCarloConfig `json:"monte_carlo" yaml:"monte_carlo"`
}

// DefaultWalkForwardConfig returns 2000/500 bar windows
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{
		TrainBars:   2000,
		TestBars:    500,
		MaxParallel: 4,
		MonteCarlo:  DefaultMonteCarloConfig(),
	}
}

// WindowResult compares one window's in-sample and out-of-sample runs
type WindowResult struct {
	Index        int                           `json:"index"`
	TrainFrom    int                           `json:"train_from"`
	TrainTo      int                           `json:"train_to"`
	TestFrom     int                           `json:"test_from"`
	TestTo       int                           `json:"test_to"`
	TrainStart   time.Time                     `json:"train_start"`
	TestStart    time.Time                     `json:"test_start"`
	TestEnd      time.Time                     `json:"test_end"`
	TrainTrades  int                           `json:"train_trades"`
	TestTrades   int                           `json:"test_trades"`
	TrainWinRate float64                       `json:"train_win_rate"`
	TestWinRate  float64                       `json:"test_win_rate"`
	TrainSharpe  float64                       `json:"train_sharpe"`
	TestSharpe   float64                       `json:"test_sharpe"`
	TrainPnL     float64                       `json:"train_pnl"`
	TestPnL      float64                       `json:"test_pnl"`
	WinRateDecay float64                       `json:"win_rate_decay"` // test minus train, negative means overfit
	SharpeDecay  float64                       `json:"sharpe_decay"`
	Calibration  calibration.CalibrationParams `json:"calibration"`
	Test         *Result                       `json:"-"`
}

// WalkForwardResult aggregates every window
type WalkForwardResult struct {
	Instrument      string           `json:"instrument"`
	Windows         []WindowResult   `json:"windows"`
	AvgTrainWinRate float64          `json:"avg_train_win_rate"`
	AvgTrainSharpe  float64          `json:"avg_train_sharpe"`
	TotalTrainPnL   float64          `json:"total_train_pnl"`
	AvgTestWinRate  float64          `json:"avg_test_win_rate"`
	AvgTestSharpe   float64          `json:"avg_test_sharpe"`
	TotalTestPnL    float64          `json:"total_test_pnl"`
	AvgWinRateDecay float64          `json:"avg_win_rate_decay"`
	AvgSharpeDecay  float64          `json:"avg_sharpe_decay"`
	ConsistencyPct  float64          `json:"consistency_pct"`
	RobustnessScore float64          `json:"robustness_score"`
	OOSTrades       []SimulatedTrade `json:"oos_trades"`
	MonteCarlo      MonteCarloResult `json:"monte_carlo"`
}

// WalkForward runs rolling train/test windows over one engine
type WalkForward struct {
	engine *Engine
	cfg    WalkForwardConfig
	logger zerolog.Logger
}

// NewWalkForward creates a walk-forward validator
func NewWalkForward(engine *Engine, cfg WalkForwardConfig, logger zerolog.Logger) *WalkForward {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &WalkForward{
		engine: engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "walk_forward").Logger(),
	}
}

// Plan lays out windows over n bars: train [s, s+train), test
// [s+train, s+train+test), stepping s by test.
func (wf *WalkForward) Plan(n int) []WindowResult {
	var out []WindowResult
	for s := 0; s+wf.cfg.TrainBars+wf.cfg.TestBars <= n; s += wf.cfg.TestBars {
		if wf.cfg.MaxWindows > 0 && len(out) == wf.cfg.MaxWindows {
			break
		}
		out = append(out, WindowResult{
			Index:     len(out),
			TrainFrom: s,
			TrainTo:   s + wf.cfg.TrainBars,
			TestFrom:  s + wf.cfg.TrainBars,
			TestTo:    s + wf.cfg.TrainBars + wf.cfg.TestBars,
		})
	}
	return out
}

// Run executes every window concurrently. Each window fits a calibrator on
// its train segment only and replays the test segment with a frozen copy.
func (wf *WalkForward) Run(ctx context.Context, data Data) (*WalkForwardResult, error) {
	if wf.cfg.TrainBars <= 0 || wf.cfg.TestBars <= 0 {
		return nil, fmt.Errorf("%w: train and test bars must be positive", ErrInvalidConfig)
	}
	windows := wf.Plan(len(data.LTF))
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: %d bars, need %d", ErrNoWindows, len(data.LTF), wf.cfg.TrainBars+wf.cfg.TestBars)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wf.cfg.MaxParallel)
	for i := range windows {
		w := &windows[i]
		g.Go(func() error {
			return wf.runWindow(gctx, data, w)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := wf.aggregate(windows)
	res.MonteCarlo = NewMonteCarlo(wf.cfg.MonteCarlo, wf.logger).RunTrades(res.OOSTrades)

	wf.logger.Info().
		Int("windows", len(windows)).
		Float64("oos_win_rate", res.AvgTestWinRate).
		Float64("win_rate_decay", res.AvgWinRateDecay).
		Float64("consistency", res.ConsistencyPct).
		Float64("robustness", res.RobustnessScore).
		Msg("Walk-forward complete")
	return res, nil
}

func (wf *WalkForward) runWindow(ctx context.Context, data Data, w *WindowResult) error {
	cfg := wf.engine.Config()
	cal := calibration.New(cfg.Calibration, state.NewMemoryStore(), wf.logger)

	train, err := wf.engine.Run(ctx, data, WithRange(w.TrainFrom, w.TrainTo), WithCalibrator(cal))
	if err != nil {
		return fmt.Errorf("failed to run train segment of window %d: %w", w.Index, err)
	}

	// fit on every train outcome, not just the last refit boundary
	if _, err := cal.Fit(ctx); err != nil {
		wf.logger.Warn().Err(err).Int("window", w.Index).Msg("Failed to fit calibrator")
	}
	frozen := cal.Frozen()

	test, err := wf.engine.Run(ctx, data, WithRange(w.TestFrom, w.TestTo), WithCalibrator(frozen))
	if err != nil {
		return fmt.Errorf("failed to run test segment of window %d: %w", w.Index, err)
	}

	w.TrainStart = train.StartTime
	w.TestStart = test.StartTime
	w.TestEnd = test.EndTime
	w.TrainTrades = train.Metrics.TotalTrades
	w.TestTrades = test.Metrics.TotalTrades
	w.TrainWinRate = train.Metrics.WinRate
	w.TestWinRate = test.Metrics.WinRate
	w.TrainSharpe = train.Metrics.Sharpe()
	w.TestSharpe = test.Metrics.Sharpe()
	w.TrainPnL = train.Metrics.TotalReturnAbs
	w.TestPnL = test.Metrics.TotalReturnAbs
	w.WinRateDecay = w.TestWinRate - w.TrainWinRate
	w.SharpeDecay = w.TestSharpe - w.TrainSharpe
	w.Calibration = frozen.Params()
	w.Test = test

	wf.logger.Debug().
		Int("window", w.Index).
		Int("train_trades", w.TrainTrades).
		Int("test_trades", w.TestTrades).
		Float64("win_rate_decay", w.WinRateDecay).
		Msg("Window complete")
	return nil
}

func (wf *WalkForward) aggregate(windows []WindowResult) *WalkForwardResult {
	res := &WalkForwardResult{
		Instrument: wf.engine.Config().Instrument,
		Windows:    windows,
		OOSTrades:  []SimulatedTrade{},
	}

	profitable := 0
	for _, w := range windows {
		res.AvgTrainWinRate += w.TrainWinRate
		res.AvgTrainSharpe += w.TrainSharpe
		res.TotalTrainPnL += w.TrainPnL
		res.AvgTestWinRate += w.TestWinRate
		res.AvgTestSharpe += w.TestSharpe
		res.TotalTestPnL += w.TestPnL
		res.AvgWinRateDecay += w.WinRateDecay
		res.AvgSharpeDecay += w.SharpeDecay
		if w.TestPnL > 0 {
			profitable++
		}
		if w.Test != nil {
			res.OOSTrades = append(res.OOSTrades, w.Test.Trades...)
		}
	}

	n := float64(len(windows))
	res.AvgTrainWinRate /= n
	res.AvgTrainSharpe /= n
	res.AvgTestWinRate /= n
	res.AvgTestSharpe /= n
	res.AvgWinRateDecay /= n
	res.AvgSharpeDecay /= n
	res.ConsistencyPct = float64(profitable) / n * 100
	res.RobustnessScore = RobustnessScore(res.AvgTestWinRate, res.AvgTestSharpe, res.AvgWinRateDecay, res.ConsistencyPct)
	return res
}

// RobustnessScore rates out-of-sample behaviour on a 0-100 scale starting
// from 50
func RobustnessScore(testWinRate, testSharpe, winRateDecay, consistency float64) float64 {
	score := 50.0

	switch {
	case testWinRate >= 55:
		score += (testWinRate - 55) * 1.5
	case testWinRate < 45:
		score -= (45 - testWinRate) * 2
	}

	switch {
	case testSharpe >= 1.0:
		score += min(20, (testSharpe-1.0)*10)
	case testSharpe < 0.5:
		score -= 15
	}

	switch {
	case winRateDecay < -10:
		score -= 15
	case winRateDecay < -5:
		score -= 8
	}

	switch {
	case consistency >= 80:
		score += 15
	case consistency >= 60:
		score += 8
	case consistency < 40:
		score -= 10
	}

	return max(0, min(100, score))
}
