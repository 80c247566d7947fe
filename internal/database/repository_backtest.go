package database

import (
	"context"
	"fmt"
)

// SaveBacktestRun saves a run with its trades and walk-forward windows in
// one transaction and returns the run's row id
func (r *Repository) SaveBacktestRun(ctx context.Context, run *BacktestRun, trades []BacktestTrade, windows []WalkForwardWindow) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO backtest_runs (
			run_id, kind, instrument, seed, start_time, end_time,
			initial_equity, final_equity, total_trades, win_rate,
			total_return_pct, max_drawdown_pct, sharpe_ratio, profit_factor,
			robustness_score, config, metrics, skip_reasons, monte_carlo
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, query,
		run.RunID, run.Kind, run.Instrument, run.Seed, run.StartTime, run.EndTime,
		run.InitialEquity, run.FinalEquity, run.TotalTrades, run.WinRate,
		run.TotalReturnPct, run.MaxDrawdownPct, run.SharpeRatio, run.ProfitFactor,
		run.RobustnessScore, run.Config, run.Metrics, nullJSON(run.SkipReasons), nullJSON(run.MonteCarlo),
	).Scan(&run.ID, &run.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert backtest run: %w", err)
	}

	tradeQuery := `
		INSERT INTO backtest_trades (
			backtest_run_id, trade_id, direction, grade, confidence, raw_confidence, phase,
			entry_time, entry_price, stop_loss, take_profit, units,
			exit_time, exit_price, exit_reason, partial_taken, commission,
			pnl, r_multiple, bars_held
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	for _, t := range trades {
		_, err = tx.Exec(ctx, tradeQuery,
			run.ID, t.TradeID, t.Direction, t.Grade, t.Confidence, t.RawConfidence, t.Phase,
			t.EntryTime, t.EntryPrice, t.StopLoss, t.TakeProfit, t.Units,
			t.ExitTime, t.ExitPrice, t.ExitReason, t.PartialTaken, t.Commission,
			t.PnL, t.RMultiple, t.BarsHeld,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert backtest trade: %w", err)
		}
	}

	windowQuery := `
		INSERT INTO walkforward_windows (
			backtest_run_id, window_index, train_start, test_start, test_end,
			train_trades, test_trades, train_win_rate, test_win_rate,
			train_sharpe, test_sharpe, test_pnl,
			calibration_a, calibration_b, calibration_fitted
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	for _, w := range windows {
		_, err = tx.Exec(ctx, windowQuery,
			run.ID, w.Index, w.TrainStart, w.TestStart, w.TestEnd,
			w.TrainTrades, w.TestTrades, w.TrainWinRate, w.TestWinRate,
			w.TrainSharpe, w.TestSharpe, w.TestPnL,
			w.CalibrationA, w.CalibrationB, w.CalibrationFitted,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert walk-forward window: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.db.logger.Info().
		Int64("id", run.ID).
		Str("run_id", run.RunID).
		Str("kind", run.Kind).
		Int("trades", len(trades)).
		Int("windows", len(windows)).
		Msg("Backtest run saved")
	return run.ID, nil
}

const runColumns = `
	id, run_id, kind, instrument, seed, start_time, end_time,
	initial_equity, final_equity, total_trades, win_rate,
	total_return_pct, max_drawdown_pct, sharpe_ratio, profit_factor,
	robustness_score, config, metrics, skip_reasons, monte_carlo, created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (BacktestRun, error) {
	var run BacktestRun
	err := row.Scan(
		&run.ID, &run.RunID, &run.Kind, &run.Instrument, &run.Seed, &run.StartTime, &run.EndTime,
		&run.InitialEquity, &run.FinalEquity, &run.TotalTrades, &run.WinRate,
		&run.TotalReturnPct, &run.MaxDrawdownPct, &run.SharpeRatio, &run.ProfitFactor,
		&run.RobustnessScore, &run.Config, &run.Metrics, &run.SkipReasons, &run.MonteCarlo, &run.CreatedAt,
	)
	return run, err
}

// GetBacktestRuns lists the newest runs, optionally for one instrument
func (r *Repository) GetBacktestRuns(ctx context.Context, instrument string, limit int) ([]BacktestRun, error) {
	query := `SELECT ` + runColumns + `
		FROM backtest_runs
		WHERE ($1 = '' OR instrument = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, instrument, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest runs: %w", err)
	}
	defer rows.Close()

	runs := []BacktestRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backtest runs: %w", err)
	}
	return runs, nil
}

// GetBacktestRun loads one run by row id
func (r *Repository) GetBacktestRun(ctx context.Context, id int64) (*BacktestRun, error) {
	query := `SELECT ` + runColumns + ` FROM backtest_runs WHERE id = $1`
	run, err := scanRun(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("backtest run %d", id))
	}
	return &run, nil
}

// GetBacktestTrades retrieves trades for a specific run
func (r *Repository) GetBacktestTrades(ctx context.Context, runID int64) ([]BacktestTrade, error) {
	query := `
		SELECT id, backtest_run_id, trade_id, direction, grade, confidence, raw_confidence, phase,
			   entry_time, entry_price, stop_loss, take_profit, units,
			   exit_time, exit_price, exit_reason, partial_taken, commission,
			   pnl, r_multiple, bars_held
		FROM backtest_trades
		WHERE backtest_run_id = $1
		ORDER BY entry_time ASC, id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest trades: %w", err)
	}
	defer rows.Close()

	trades := []BacktestTrade{}
	for rows.Next() {
		var t BacktestTrade
		err := rows.Scan(
			&t.ID, &t.BacktestRunID, &t.TradeID, &t.Direction, &t.Grade, &t.Confidence, &t.RawConfidence, &t.Phase,
			&t.EntryTime, &t.EntryPrice, &t.StopLoss, &t.TakeProfit, &t.Units,
			&t.ExitTime, &t.ExitPrice, &t.ExitReason, &t.PartialTaken, &t.Commission,
			&t.PnL, &t.RMultiple, &t.BarsHeld,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backtest trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backtest trades: %w", err)
	}
	return trades, nil
}

// GetWalkForwardWindows retrieves the windows of a walk-forward run
func (r *Repository) GetWalkForwardWindows(ctx context.Context, runID int64) ([]WalkForwardWindow, error) {
	query := `
		SELECT id, backtest_run_id, window_index, train_start, test_start, test_end,
			   train_trades, test_trades, train_win_rate, test_win_rate,
			   train_sharpe, test_sharpe, test_pnl,
			   calibration_a, calibration_b, calibration_fitted
		FROM walkforward_windows
		WHERE backtest_run_id = $1
		ORDER BY window_index ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query walk-forward windows: %w", err)
	}
	defer rows.Close()

	windows := []WalkForwardWindow{}
	for rows.Next() {
		var w WalkForwardWindow
		err := rows.Scan(
			&w.ID, &w.BacktestRunID, &w.Index, &w.TrainStart, &w.TestStart, &w.TestEnd,
			&w.TrainTrades, &w.TestTrades, &w.TrainWinRate, &w.TestWinRate,
			&w.TrainSharpe, &w.TestSharpe, &w.TestPnL,
			&w.CalibrationA, &w.CalibrationB, &w.CalibrationFitted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan walk-forward window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating walk-forward windows: %w", err)
	}
	return windows, nil
}

// nullJSON maps an empty document to SQL NULL
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
