package backtest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/database"
)

type fakeRecorder struct {
	run     *database.BacktestRun
	trades  []database.BacktestTrade
	windows []database.WalkForwardWindow
}

func (f *fakeRecorder) SaveBacktestRun(_ context.Context, run *database.BacktestRun, trades []database.BacktestTrade, windows []database.WalkForwardWindow) (int64, error) {
	f.run, f.trades, f.windows = run, trades, windows
	return 7, nil
}

func TestSaveResult(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	res, err := NewEngine(cfg, zerolog.Nop()).Run(ctx, testData(2, 1200))
	require.NoError(t, err)

	rec := &fakeRecorder{}
	id, err := SaveResult(ctx, rec, cfg, res)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.NotNil(t, rec.run)
	assert.Equal(t, database.RunKindBacktest, rec.run.Kind)
	assert.Equal(t, res.RunID, rec.run.RunID)
	assert.Equal(t, res.Metrics.TotalTrades, rec.run.TotalTrades)
	assert.Len(t, rec.trades, len(res.Trades))
	assert.Empty(t, rec.windows)

	var decoded Config
	require.NoError(t, json.Unmarshal(rec.run.Config, &decoded))
	assert.Equal(t, cfg.Instrument, decoded.Instrument)
	assert.Equal(t, cfg.Seed, decoded.Seed)

	for i, tr := range res.Trades {
		assert.Equal(t, tr.ID, rec.trades[i].TradeID)
		assert.Equal(t, tr.PnL, rec.trades[i].PnL)
		assert.Equal(t, tr.InitialStop, rec.trades[i].StopLoss)
	}
}

func TestSaveWalkForward(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	wfCfg := WalkForwardConfig{TrainBars: 600, TestBars: 300, MaxParallel: 2, MonteCarlo: DefaultMonteCarloConfig()}
	res, err := NewWalkForward(NewEngine(cfg, zerolog.Nop()), wfCfg, zerolog.Nop()).Run(ctx, testData(3, 1500))
	require.NoError(t, err)

	rec := &fakeRecorder{}
	_, err = SaveWalkForward(ctx, rec, cfg, wfCfg, res)
	require.NoError(t, err)

	assert.Equal(t, database.RunKindWalkForward, rec.run.Kind)
	require.NotNil(t, rec.run.RobustnessScore)
	assert.Equal(t, res.RobustnessScore, *rec.run.RobustnessScore)
	assert.Len(t, rec.windows, len(res.Windows))
	assert.Len(t, rec.trades, len(res.OOSTrades))
	assert.NotEmpty(t, rec.run.MonteCarlo)

	total := 0.0
	for _, tr := range res.OOSTrades {
		total += tr.PnL
	}
	assert.InDelta(t, cfg.InitialCapital+total, rec.run.FinalEquity, 1e-6)

	again := &fakeRecorder{}
	_, err = SaveWalkForward(ctx, again, cfg, wfCfg, res)
	require.NoError(t, err)
	assert.Equal(t, rec.run.RunID, again.run.RunID)

	_, err = SaveWalkForward(ctx, rec, cfg, wfCfg, &WalkForwardResult{})
	assert.ErrorIs(t, err, ErrNoWindows)
}
