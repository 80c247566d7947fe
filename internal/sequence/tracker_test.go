package sequence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/market/markettest"
	"smc-signal-engine/internal/state"
)

var t0 = markettest.Start.Add(8 * time.Hour)

func at(bars int) time.Time { return t0.Add(time.Duration(bars) * 5 * time.Minute) }

func scan(bars int) *analysis.SMCAnalysis {
	return &analysis.SMCAnalysis{
		Instrument:   "EUR_USD",
		Time:         at(bars),
		CurrentPrice: 1.1010,
		HTFBias:      analysis.BiasBullish,
		LTFStructure: &analysis.Structure{},
	}
}

func sweepAt(bars int) *analysis.SweepEvent {
	return &analysis.SweepEvent{
		Pool:              analysis.LiquidityPool{Price: 1.0990, Side: analysis.Sellside},
		Time:              at(bars),
		Direction:         market.Long,
		ClosedBackInside:  true,
		DisplacementAfter: true,
		Valid:             true,
	}
}

func newTracker(cfg Config) *Tracker {
	return NewTracker(state.NewMemoryStore(), cfg, zerolog.Nop())
}

func TestPhaseModifiers(t *testing.T) {
	assert.Equal(t, -20, PhaseAccumulation.Modifier())
	assert.Equal(t, -10, PhaseManipulation.Modifier())
	assert.Equal(t, 5, PhaseDisplacement.Modifier())
	assert.Equal(t, 15, PhaseRetracement.Modifier())
	assert.Equal(t, 0, PhaseContinuation.Modifier())
	assert.Equal(t, PhaseAccumulation, PhaseContinuation.Next())
}

func TestValidTransition(t *testing.T) {
	for from := PhaseAccumulation; from <= PhaseContinuation; from++ {
		for to := PhaseAccumulation; to <= PhaseContinuation; to++ {
			want := to == from || to == from.Next() || to == PhaseAccumulation
			assert.Equal(t, want, ValidTransition(from, to), "%d -> %d", from, to)
		}
	}
	assert.False(t, ValidTransition(0, PhaseAccumulation))
	assert.False(t, ValidTransition(PhaseAccumulation, 6))
}

func TestFullCycle(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(Config{MaxPhaseScans: 24})

	var seen []Transition
	tr.OnTransition(func(x Transition) { seen = append(seen, x) })

	// 1 -> 2 on a valid sweep
	a := scan(10)
	a.Sweep = sweepAt(9)
	st, x, err := tr.Advance(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, x)
	assert.Equal(t, PhaseManipulation, st.Phase)
	assert.Equal(t, market.Long, st.Direction)

	// 2 -> 3 on displacement plus CHoCH after the sweep
	a = scan(12)
	a.Sweep = sweepAt(9)
	a.Displacement = &analysis.Displacement{Direction: analysis.BiasBullish, Time: at(11)}
	a.LTFStructure.Events = []analysis.StructureEvent{
		{Kind: analysis.CHoCH, Direction: analysis.BiasBullish, Time: at(12), Level: 1.1005},
	}
	st, _, err = tr.Advance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, PhaseDisplacement, st.Phase)

	// 3 -> 4 when price pulls back into an aligned gap
	a = scan(15)
	a.CurrentPrice = 1.1002
	a.FVGs = []analysis.FairValueGap{{Direction: analysis.BiasBullish, Top: 1.1004, Bottom: 1.1000}}
	st, _, err = tr.Advance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, PhaseRetracement, st.Phase)

	// 4 -> 5 on a bullish BOS after entering retracement
	a = scan(20)
	a.LTFStructure.Events = []analysis.StructureEvent{
		{Kind: analysis.BOS, Direction: analysis.BiasBullish, Time: at(19), Level: 1.1020},
	}
	st, _, err = tr.Advance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, PhaseContinuation, st.Phase)

	// 5 -> 1 on the next scan
	st, _, err = tr.Advance(ctx, scan(21))
	require.NoError(t, err)
	assert.Equal(t, PhaseAccumulation, st.Phase)
	assert.Equal(t, 1, st.Cycles)

	// the same sweep cannot start a new cycle
	a = scan(22)
	a.Sweep = sweepAt(9)
	st, x, err = tr.Advance(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, x)
	assert.Equal(t, PhaseAccumulation, st.Phase)

	require.Len(t, seen, 5)
	for _, s := range seen {
		assert.True(t, ValidTransition(s.From, s.To))
	}
}

func TestNoSkipFromAccumulation(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(Config{})

	// everything for phases 2 to 4 is present at once
	a := scan(10)
	a.Sweep = sweepAt(9)
	a.Displacement = &analysis.Displacement{Direction: analysis.BiasBullish, Time: at(10)}
	a.LTFStructure.Events = []analysis.StructureEvent{
		{Kind: analysis.CHoCH, Direction: analysis.BiasBullish, Time: at(10)},
	}
	a.FVGs = []analysis.FairValueGap{{Direction: analysis.BiasBullish, Top: 1.1020, Bottom: 1.1000}}

	st, _, err := tr.Advance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, PhaseManipulation, st.Phase)
}

func TestContradictionResets(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(Config{})

	a := scan(10)
	a.Sweep = sweepAt(9)
	_, _, err := tr.Advance(ctx, a)
	require.NoError(t, err)

	a = scan(14)
	a.LTFStructure.Events = []analysis.StructureEvent{
		{Kind: analysis.BOS, Direction: analysis.BiasBearish, Time: at(13)},
	}
	st, x, err := tr.Advance(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, x)
	assert.Equal(t, PhaseAccumulation, st.Phase)
	assert.Contains(t, x.Reason, "contradicts")
	assert.Empty(t, st.Direction)
}

func TestStalePhaseResets(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(Config{MaxPhaseScans: 2})

	a := scan(10)
	a.Sweep = sweepAt(9)
	_, _, err := tr.Advance(ctx, a)
	require.NoError(t, err)

	var st SequenceState
	for i := 1; i <= 3; i++ {
		st, _, err = tr.Advance(ctx, scan(10+i))
		require.NoError(t, err)
	}
	assert.Equal(t, PhaseAccumulation, st.Phase)
}

func TestInsufficientAnalysisLeavesStateAlone(t *testing.T) {
	st := SequenceState{Instrument: "EUR_USD", Phase: PhaseRetracement, ScansInPhase: 3}
	next, reason := Evaluate(st, &analysis.SMCAnalysis{Insufficient: true}, Config{})
	assert.Equal(t, st, next)
	assert.Empty(t, reason)
}

// Driving the tracker with real analyses must only ever produce adjacent moves.
func TestTransitionsFollowAdjacency(t *testing.T) {
	ctx := context.Background()
	an := analysis.NewAnalyzer(analysis.DefaultConfig(), zerolog.Nop())

	for seed := int64(1); seed <= 4; seed++ {
		tr := newTracker(Config{MaxPhaseScans: 24})
		ltf := markettest.RandomWalk(seed, 1500, markettest.Start, 5*time.Minute, 1.1, 0.0007)

		prev := PhaseAccumulation
		for i := 300; i < len(ltf); i += 3 {
			window := ltf[:i+1]
			htf := markettest.Resample(window, 12)
			st, _, err := tr.Advance(ctx, an.Analyze("EUR_USD", htf, window))
			require.NoError(t, err)
			require.True(t, ValidTransition(prev, st.Phase), "seed %d bar %d: %d -> %d", seed, i, prev, st.Phase)
			prev = st.Phase
		}
	}
}

func TestTrackerIsolatesInstruments(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := scan(10)
			a.Instrument = fmt.Sprintf("INST_%d", i)
			if i%2 == 0 {
				a.Sweep = sweepAt(9)
			}
			_, _, err := tr.Advance(ctx, a)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		st, err := tr.Current(ctx, fmt.Sprintf("INST_%d", i))
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Equal(t, PhaseManipulation, st.Phase)
		} else {
			assert.Equal(t, PhaseAccumulation, st.Phase)
		}
	}

	require.NoError(t, tr.Reset(ctx, "INST_0"))
	st, err := tr.Current(ctx, "INST_0")
	require.NoError(t, err)
	assert.Equal(t, PhaseAccumulation, st.Phase)
}
