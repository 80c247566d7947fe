package backtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"smc-signal-engine/internal/database"
)

// Recorder stores finished runs. *database.Repository implements it.
type Recorder interface {
	SaveBacktestRun(ctx context.Context, run *database.BacktestRun, trades []database.BacktestTrade, windows []database.WalkForwardWindow) (int64, error)
}

// SaveResult persists a single backtest run with its trades
func SaveResult(ctx context.Context, rec Recorder, cfg Config, res *Result) (int64, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal config: %w", err)
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	skipJSON, err := json.Marshal(res.SkipReasons)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal skip reasons: %w", err)
	}

	run := &database.BacktestRun{
		RunID:          res.RunID,
		Kind:           database.RunKindBacktest,
		Instrument:     res.Instrument,
		Seed:           res.Seed,
		StartTime:      res.StartTime,
		EndTime:        res.EndTime,
		InitialEquity:  res.InitialEquity,
		FinalEquity:    res.FinalEquity,
		TotalTrades:    res.Metrics.TotalTrades,
		WinRate:        res.Metrics.WinRate,
		TotalReturnPct: res.Metrics.TotalReturnPct,
		MaxDrawdownPct: res.Metrics.MaxDrawdownPct,
		SharpeRatio:    res.Metrics.SharpeRatio,
		ProfitFactor:   res.Metrics.ProfitFactor,
		Config:         cfgJSON,
		Metrics:        metricsJSON,
		SkipReasons:    skipJSON,
	}
	return rec.SaveBacktestRun(ctx, run, tradeRows(res.Trades), nil)
}

// walkForwardSummary is the metrics document of a walk-forward run
type walkForwardSummary struct {
	Windows         int     `json:"windows"`
	AvgTrainWinRate float64 `json:"avg_train_win_rate"`
	AvgTestWinRate  float64 `json:"avg_test_win_rate"`
	AvgTrainSharpe  float64 `json:"avg_train_sharpe"`
	AvgTestSharpe   float64 `json:"avg_test_sharpe"`
	TotalTrainPnL   float64 `json:"total_train_pnl"`
	TotalTestPnL    float64 `json:"total_test_pnl"`
	AvgWinRateDecay float64 `json:"avg_win_rate_decay"`
	AvgSharpeDecay  float64 `json:"avg_sharpe_decay"`
	ConsistencyPct  float64 `json:"consistency_pct"`
	RobustnessScore float64 `json:"robustness_score"`
}

// SaveWalkForward persists a walk-forward run: its out-of-sample trades,
// one row per window and the Monte Carlo bands
func SaveWalkForward(ctx context.Context, rec Recorder, cfg Config, wfCfg WalkForwardConfig, res *WalkForwardResult) (int64, error) {
	if len(res.Windows) == 0 {
		return 0, ErrNoWindows
	}

	cfgJSON, err := json.Marshal(struct {
		Backtest    Config            `json:"backtest"`
		WalkForward WalkForwardConfig `json:"walk_forward"`
	}{cfg, wfCfg})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal config: %w", err)
	}
	metricsJSON, err := json.Marshal(walkForwardSummary{
		Windows:         len(res.Windows),
		AvgTrainWinRate: res.AvgTrainWinRate,
		AvgTestWinRate:  res.AvgTestWinRate,
		AvgTrainSharpe:  res.AvgTrainSharpe,
		AvgTestSharpe:   res.AvgTestSharpe,
		TotalTrainPnL:   res.TotalTrainPnL,
		TotalTestPnL:    res.TotalTestPnL,
		AvgWinRateDecay: res.AvgWinRateDecay,
		AvgSharpeDecay:  res.AvgSharpeDecay,
		ConsistencyPct:  res.ConsistencyPct,
		RobustnessScore: res.RobustnessScore,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	mcJSON, err := json.Marshal(res.MonteCarlo)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal monte carlo: %w", err)
	}

	// OOS equity in trade order
	equities := make([]float64, 0, len(res.OOSTrades)+1)
	equity := cfg.InitialCapital
	equities = append(equities, equity)
	wins := 0
	for _, t := range res.OOSTrades {
		equity += t.PnL
		equities = append(equities, equity)
		if t.IsWinner() {
			wins++
		}
	}
	ddPct, _, _ := calculateMaxDrawdown(equities)
	winRate := 0.0
	if len(res.OOSTrades) > 0 {
		winRate = float64(wins) / float64(len(res.OOSTrades)) * 100
	}

	first, last := res.Windows[0], res.Windows[len(res.Windows)-1]
	robustness := res.RobustnessScore
	run := &database.BacktestRun{
		RunID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("walkforward:%s:%d:%d:%d:%d",
			res.Instrument, cfg.Seed, wfCfg.TrainBars, wfCfg.TestBars, first.TrainFrom))).String(),
		Kind:            database.RunKindWalkForward,
		Instrument:      res.Instrument,
		Seed:            cfg.Seed,
		StartTime:       first.TrainStart,
		EndTime:         last.TestEnd,
		InitialEquity:   cfg.InitialCapital,
		FinalEquity:     equity,
		TotalTrades:     len(res.OOSTrades),
		WinRate:         winRate,
		TotalReturnPct:  (equity - cfg.InitialCapital) / cfg.InitialCapital * 100,
		MaxDrawdownPct:  ddPct,
		RobustnessScore: &robustness,
		Config:          cfgJSON,
		Metrics:         metricsJSON,
		MonteCarlo:      mcJSON,
	}

	windows := make([]database.WalkForwardWindow, len(res.Windows))
	for i, w := range res.Windows {
		windows[i] = database.WalkForwardWindow{
			Index:             w.Index,
			TrainStart:        w.TrainStart,
			TestStart:         w.TestStart,
			TestEnd:           w.TestEnd,
			TrainTrades:       w.TrainTrades,
			TestTrades:        w.TestTrades,
			TrainWinRate:      w.TrainWinRate,
			TestWinRate:       w.TestWinRate,
			TrainSharpe:       w.TrainSharpe,
			TestSharpe:        w.TestSharpe,
			TestPnL:           w.TestPnL,
			CalibrationA:      w.Calibration.A,
			CalibrationB:      w.Calibration.B,
			CalibrationFitted: w.Calibration.Fitted,
		}
	}
	return rec.SaveBacktestRun(ctx, run, tradeRows(res.OOSTrades), windows)
}

func tradeRows(trades []SimulatedTrade) []database.BacktestTrade {
	rows := make([]database.BacktestTrade, len(trades))
	for i, t := range trades {
		rows[i] = database.BacktestTrade{
			TradeID:       t.ID,
			Direction:     string(t.Direction),
			Grade:         string(t.Grade),
			Confidence:    t.Confidence,
			RawConfidence: t.RawConfidence,
			Phase:         int(t.Phase),
			EntryTime:     t.EntryTime,
			EntryPrice:    t.Entry,
			StopLoss:      t.InitialStop,
			TakeProfit:    t.TakeProfit,
			Units:         t.Units,
			ExitTime:      t.ExitTime,
			ExitPrice:     t.Exit,
			ExitReason:    t.ExitReason,
			PartialTaken:  t.PartialTaken,
			Commission:    t.Commission,
			PnL:           t.PnL,
			RMultiple:     t.RMultiple,
			BarsHeld:      t.BarsHeld,
		}
	}
	return rows
}
