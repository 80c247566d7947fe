package calibration

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/state"
)

var t0 = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

// outcome i has raw confidence 30+i%60; higher confidence mostly wins
func outcome(i int) Outcome {
	raw := float64(30 + i%60)
	win := raw >= 60
	if i%7 == 0 {
		win = !win
	}
	pnl := -10.0
	if win {
		pnl = 20
	}
	return Outcome{
		SignalID:      "sig",
		Instrument:    "EUR_USD",
		RawConfidence: raw,
		Win:           win,
		PnL:           pnl,
		RecordedAt:    t0.Add(time.Duration(i) * time.Hour),
	}
}

func TestIdentityBeforeFit(t *testing.T) {
	c := New(DefaultConfig(), nil, zerolog.Nop())
	for _, raw := range []float64{0, 12.5, 50, 99} {
		assert.Equal(t, raw, c.Calibrate(raw))
	}

	for i := 0; i < 29; i++ {
		refit, err := c.Record(context.Background(), outcome(i))
		require.NoError(t, err)
		assert.False(t, refit)
	}
	assert.Equal(t, 73.0, c.Calibrate(73))
}

func TestRefitCadence(t *testing.T) {
	c := New(DefaultConfig(), state.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()

	fits := 0
	c.OnRefit(func(CalibrationParams) { fits++ })

	var refitAt []int
	for i := 0; i < 130; i++ {
		refit, err := c.Record(ctx, outcome(i))
		require.NoError(t, err)
		if refit {
			refitAt = append(refitAt, i+1)
		}
	}

	assert.Equal(t, []int{30, 80, 130}, refitAt)
	assert.Equal(t, 3, fits)
	assert.Equal(t, 3, c.Params().Version)
	assert.Equal(t, 130, c.Params().SampleCount)
}

func TestCalibrationPreservesOrder(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig(), nil, zerolog.Nop())
	for i := 0; i < 60; i++ {
		_, err := c.Record(ctx, outcome(i))
		require.NoError(t, err)
	}
	require.Equal(t, 1, c.Params().Version)

	// the automatic fit at 30 only saw raw < 60; refit on the full window
	p, err := c.Fit(ctx)
	require.NoError(t, err)
	require.True(t, p.Fitted)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, 60, p.SampleCount)
	assert.Greater(t, p.A, 0.0)
	assert.Greater(t, p.Brier, 0.0)
	assert.Less(t, p.Brier, 0.25)

	prev := -1.0
	for raw := 0.0; raw <= 100; raw += 5 {
		got := c.Calibrate(raw)
		assert.GreaterOrEqual(t, got, 0.0)
		assert.LessOrEqual(t, got, 100.0)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Greater(t, c.Calibrate(90), c.Calibrate(40))
}

func TestConcurrentFitsGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	c := New(DefaultConfig(), nil, zerolog.Nop())
	for i := 0; i < 30; i++ {
		_, err := c.Record(ctx, outcome(i))
		require.NoError(t, err)
	}
	require.Equal(t, 1, c.Params().Version)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Fit(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1+n, c.Params().Version)
}

func TestSingleClassKeepsIdentity(t *testing.T) {
	c := New(DefaultConfig(), nil, zerolog.Nop())
	for i := 0; i < 40; i++ {
		c.Record(context.Background(), Outcome{RawConfidence: 70, Win: true, RecordedAt: t0})
	}

	p := c.Params()
	assert.False(t, p.Fitted)
	assert.NotEmpty(t, p.Diagnostic)
	assert.Equal(t, 70.0, c.Calibrate(70))
}

func TestWindowIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 100
	c := New(cfg, nil, zerolog.Nop())
	for i := 0; i < 250; i++ {
		c.Record(context.Background(), outcome(i))
	}
	out := c.Outcomes()
	require.Len(t, out, 100)
	assert.Equal(t, t0.Add(249*time.Hour), out[99].RecordedAt)
}

func TestPersistAndLoad(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	c := New(DefaultConfig(), store, zerolog.Nop())
	for i := 0; i < 35; i++ {
		c.Record(ctx, outcome(i))
	}
	want := c.Params()
	require.True(t, want.Fitted)

	restored := New(DefaultConfig(), store, zerolog.Nop())
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, want.A, restored.Params().A)
	assert.Len(t, restored.Outcomes(), 35)
	assert.Equal(t, c.Calibrate(77), restored.Calibrate(77))
}

func TestFrozenRefusesOutcomes(t *testing.T) {
	c := New(DefaultConfig(), nil, zerolog.Nop())
	for i := 0; i < 30; i++ {
		c.Record(context.Background(), outcome(i))
	}
	f := c.Frozen()

	_, err := f.Record(context.Background(), outcome(99))
	assert.ErrorIs(t, err, ErrFrozen)
	assert.Equal(t, c.Calibrate(65), f.Calibrate(65))

	// later fits on the live calibrator do not leak into the frozen copy
	before := f.Params()
	for i := 30; i < 80; i++ {
		c.Record(context.Background(), outcome(i))
	}
	assert.Equal(t, before, f.Params())
}

func TestFitPlattSeparable(t *testing.T) {
	xs := []float64{0.2, 0.3, 0.4, 0.6, 0.7, 0.8}
	ys := []float64{0, 0, 0, 1, 1, 1}

	a, b := FitPlatt(xs, ys, 0.1, 1000)
	assert.Greater(t, a, 0.0)
	assert.False(t, math.IsNaN(b))
	assert.Less(t, sigmoid(a*0.2+b), 0.5)
	assert.Greater(t, sigmoid(a*0.8+b), 0.5)
	assert.Less(t, BrierScore(xs, ys, a, b), 0.25)

	a, b = FitPlatt(nil, nil, 0.1, 10)
	assert.Zero(t, a)
	assert.Zero(t, b)
}
