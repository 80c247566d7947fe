package analysis

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/market/markettest"
)

// structureSeries holds a swing high at 4, a bearish candle at 7 that is
// also a swing low, a bullish displacement at 8 closing above the swing
// high, and a bearish break of the swing low at 11.
func structureSeries() []market.Candle {
	return []market.Candle{
		bar(0, 1.1000, 1.1004, 1.0998, 1.1002),
		bar(1, 1.1002, 1.1005, 1.0999, 1.1001),
		bar(2, 1.1001, 1.1006, 1.0999, 1.1004),
		bar(3, 1.1004, 1.1007, 1.1000, 1.1003),
		bar(4, 1.1003, 1.1015, 1.1001, 1.1006),
		bar(5, 1.1006, 1.1010, 1.1002, 1.1005),
		bar(6, 1.1005, 1.1008, 1.1001, 1.1006),
		bar(7, 1.1006, 1.1007, 1.0999, 1.1002),
		bar(8, 1.1002, 1.1032, 1.1001, 1.1030),
		bar(9, 1.1030, 1.1033, 1.1025, 1.1027),
		bar(10, 1.1027, 1.1028, 1.1015, 1.1016),
		bar(11, 1.1016, 1.1017, 1.0990, 1.0992),
	}
}

func TestStructureBOSThenCHoCH(t *testing.T) {
	sd := NewStructureDetector(3, 2)
	s := sd.Analyze(structureSeries())

	require.Len(t, s.Events, 2)

	bos := s.Events[0]
	assert.Equal(t, BOS, bos.Kind)
	assert.Equal(t, BiasBullish, bos.Direction)
	assert.Equal(t, 8, bos.Index)
	assert.Equal(t, 4, bos.Swing.Index)
	assert.Equal(t, 1.1015, bos.Level)

	choch := s.Events[1]
	assert.Equal(t, CHoCH, choch.Kind)
	assert.Equal(t, BiasBearish, choch.Direction)
	assert.Equal(t, 11, choch.Index)
	assert.Equal(t, 7, choch.Swing.Index)

	assert.Equal(t, BiasBearish, s.Trend)
}

func TestStructureEventsNeverUseUnconfirmedSwings(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		candles := markettest.RandomWalk(seed, 400, markettest.Start, 5*time.Minute, 1.1, 0.0006)
		for _, right := range []int{1, 2, 4} {
			sd := NewStructureDetector(3, right)
			s := sd.Analyze(candles)

			// an outside bar can be both a swing high and a swing low
			type swingKey struct {
				index int
				kind  SwingType
			}
			broken := make(map[swingKey]int)
			for _, e := range s.Events {
				require.LessOrEqual(t, e.Swing.ConfirmedAt, e.Index,
					"seed %d: event at %d references swing confirmed at %d", seed, e.Index, e.Swing.ConfirmedAt)
				assert.Equal(t, e.Swing.Index+right, e.Swing.ConfirmedAt)
				broken[swingKey{e.Swing.Index, e.Swing.Type}]++
			}
			for k, n := range broken {
				assert.Equal(t, 1, n, "seed %d: swing %d %s broken %d times", seed, k.index, k.kind, n)
			}
		}
	}
}

func TestClassifyStructure(t *testing.T) {
	sw := func(tp SwingType, p float64) SwingPoint { return SwingPoint{Type: tp, Price: p} }

	assert.Equal(t, HigherHighsHigherLows, ClassifyStructure([]SwingPoint{
		sw(SwingLow, 1.0), sw(SwingHigh, 2.0), sw(SwingLow, 1.5), sw(SwingHigh, 2.5),
	}))
	assert.Equal(t, LowerHighsLowerLows, ClassifyStructure([]SwingPoint{
		sw(SwingHigh, 2.5), sw(SwingLow, 1.5), sw(SwingHigh, 2.0), sw(SwingLow, 1.0),
	}))
	assert.Equal(t, Ranging, ClassifyStructure([]SwingPoint{sw(SwingHigh, 2.0)}))
}

func TestOrderBlockDetection(t *testing.T) {
	candles := structureSeries()[:9]
	sd := NewStructureDetector(3, 2)
	swings := sd.DetectSwings(candles)

	od := NewOrderBlockDetector(NewDisplacementDetector(0, 0, 0), 0, 0)
	blocks := od.Detect("EUR_USD", candles, swings)

	require.Len(t, blocks, 1)
	ob := blocks[0]
	assert.Equal(t, BiasBullish, ob.Direction)
	assert.Equal(t, 7, ob.Index)
	assert.Equal(t, 8, ob.DisplacementIndex)
	assert.Equal(t, 1.1006, ob.Top)
	assert.Equal(t, 1.1002, ob.Bottom)
	assert.Greater(t, ob.DisplacementRatio, 2.0)
	assert.False(t, ob.Mitigated)

	// the bearish close at 11 goes through the block
	full := structureSeries()
	blocks = od.Detect("EUR_USD", full, sd.DetectSwings(full))
	require.NotEmpty(t, blocks)
	assert.True(t, blocks[0].Mitigated)
	assert.Equal(t, 11, blocks[0].MitigatedAt)
}

func TestDisplacementRejectsWickyCandles(t *testing.T) {
	dd := NewDisplacementDetector(0, 0, 0)
	candles := structureSeries()

	d, ok := dd.At(candles, 8)
	require.True(t, ok)
	assert.Equal(t, BiasBullish, d.Direction)

	// bar 2 has a large body relative to its history but 57% wick share
	_, ok = dd.At(candles, 2)
	assert.False(t, ok)
}

func TestPremiumDiscount(t *testing.T) {
	candles := []market.Candle{
		bar(0, 1.1050, 1.1100, 1.1040, 1.1060),
		bar(1, 1.1060, 1.1070, 1.1000, 1.1010),
	}

	pd := CalculatePremiumDiscount(candles, 50, 1.1080)
	assert.Equal(t, Premium, pd.Zone)
	assert.InDelta(t, 80, pd.Position, 1e-6)
	assert.True(t, pd.Favours(market.Short))
	assert.False(t, pd.Favours(market.Long))

	assert.Equal(t, Discount, CalculatePremiumDiscount(candles, 50, 1.1020).Zone)
	assert.Equal(t, Equilibrium, CalculatePremiumDiscount(candles, 50, 1.1050).Zone)
}

// rangeThenSweep builds 25 quiet bars around 1.1000 followed by the given bars
func rangeThenSweep(extra ...[4]float64) []market.Candle {
	var candles []market.Candle
	for i := 0; i < 25; i++ {
		if i%2 == 0 {
			candles = append(candles, bar(i, 1.1000, 1.1003, 1.0997, 1.1002))
		} else {
			candles = append(candles, bar(i, 1.1002, 1.1004, 1.0998, 1.1000))
		}
	}
	for _, e := range extra {
		candles = append(candles, bar(len(candles), e[0], e[1], e[2], e[3]))
	}
	return candles
}

func sellsidePool() LiquidityPool {
	return LiquidityPool{
		ID:         "pool",
		Instrument: "EUR_USD",
		Price:      1.0980,
		Side:       Sellside,
		Origin:     OriginSwing,
		BaseWeight: 1.5,
		TouchCount: 1,
	}
}

func newMapper() *LiquidityMapper {
	return NewLiquidityMapper(DefaultLiquidityConfig(), NewDisplacementDetector(0, 0, 0))
}

func TestValidSweepRequiresCloseBackAndDisplacement(t *testing.T) {
	candles := rangeThenSweep(
		[4]float64{1.0998, 1.0999, 1.0975, 1.0990}, // breach by 5 pips, close back inside
		[4]float64{1.0990, 1.1012, 1.0989, 1.1010}, // bullish displacement
	)
	pools := []LiquidityPool{sellsidePool()}

	events := newMapper().DetectSweeps(candles, pools)

	require.Len(t, events, 1)
	ev := events[0]
	assert.True(t, ev.Valid)
	assert.True(t, ev.ClosedBackInside)
	assert.True(t, ev.DisplacementAfter)
	assert.Equal(t, 25, ev.Index)
	assert.Equal(t, 26, ev.DisplacementIndex)
	assert.Equal(t, market.Long, ev.Direction)
	assert.True(t, pools[0].Swept)
	assert.False(t, pools[0].Taken)
}

func TestBreachWithoutDisplacementIsNotValid(t *testing.T) {
	candles := rangeThenSweep(
		[4]float64{1.0998, 1.0999, 1.0975, 1.0990},
		[4]float64{1.0990, 1.0994, 1.0988, 1.0992},
		[4]float64{1.0992, 1.0995, 1.0989, 1.0991},
		[4]float64{1.0991, 1.0994, 1.0988, 1.0990},
		[4]float64{1.0990, 1.0993, 1.0988, 1.0991},
		[4]float64{1.0991, 1.0994, 1.0989, 1.0992},
		[4]float64{1.0992, 1.0995, 1.0989, 1.0993},
	)
	pools := []LiquidityPool{sellsidePool()}

	events := newMapper().DetectSweeps(candles, pools)

	require.Len(t, events, 1)
	assert.True(t, events[0].ClosedBackInside)
	assert.False(t, events[0].DisplacementAfter)
	assert.False(t, events[0].Valid)
	assert.False(t, events[0].Pending)
	assert.False(t, pools[0].Swept)
}

func TestBreachWithoutCloseBackTakesPool(t *testing.T) {
	candles := rangeThenSweep(
		[4]float64{1.0998, 1.0999, 1.0975, 1.0976},
		[4]float64{1.0976, 1.0978, 1.0968, 1.0970},
		[4]float64{1.0970, 1.0972, 1.0962, 1.0965},
		[4]float64{1.0965, 1.0967, 1.0960, 1.0962},
	)
	pools := []LiquidityPool{sellsidePool()}

	events := newMapper().DetectSweeps(candles, pools)

	require.Len(t, events, 1)
	assert.False(t, events[0].Valid)
	assert.False(t, events[0].ClosedBackInside)
	assert.True(t, pools[0].Taken)
	assert.Empty(t, ActivePools(pools))
}

func TestBreachOnLastBarIsPending(t *testing.T) {
	candles := rangeThenSweep([4]float64{1.0998, 1.0999, 1.0975, 1.0976})
	pools := []LiquidityPool{sellsidePool()}

	events := newMapper().DetectSweeps(candles, pools)

	require.Len(t, events, 1)
	assert.True(t, events[0].Pending)
	assert.False(t, events[0].Valid)
	assert.False(t, pools[0].Taken)
}

func TestSweepIsMonotonicUntilNewTouch(t *testing.T) {
	candles := rangeThenSweep(
		[4]float64{1.0998, 1.0999, 1.0975, 1.0990}, // 25 valid sweep
		[4]float64{1.0990, 1.1012, 1.0989, 1.1010}, // 26 displacement
		[4]float64{1.1010, 1.1011, 1.0978, 1.0995}, // 27 breach, no new touch in between
		[4]float64{1.0995, 1.0998, 1.0990, 1.0996}, // 28 away
		[4]float64{1.0996, 1.0997, 1.0982, 1.0994}, // 29 touch inside tolerance
		[4]float64{1.0994, 1.0996, 1.0975, 1.0990}, // 30 breach again
	)
	pools := []LiquidityPool{sellsidePool()}

	events := newMapper().DetectSweeps(candles, pools)

	require.Len(t, events, 2)
	assert.Equal(t, 25, events[0].Index)
	assert.Equal(t, 30, events[1].Index)
	assert.Equal(t, 2, pools[0].TouchCount)
	assert.Equal(t, candles[29].Time, pools[0].LastTouch)
}

func TestPoolWeightDecaysWithAge(t *testing.T) {
	pool := sellsidePool()
	pool.LastTouch = markettest.Start

	prev := PoolWeight(pool, markettest.Start, 0.05)
	assert.InDelta(t, 1.5, prev, 1e-9)
	for h := 1; h <= 48; h++ {
		w := PoolWeight(pool, markettest.Start.Add(time.Duration(h)*time.Hour), 0.05)
		require.Less(t, w, prev, "weight must fall at hour %d", h)
		prev = w
	}

	pool.TouchCount = 3
	assert.InDelta(t, 3.0, PoolWeight(pool, markettest.Start, 0.05), 1e-9)
}

func TestBuildPoolsEqualHighsAndSwings(t *testing.T) {
	start := time.Date(2025, 3, 3, 22, 0, 0, 0, time.UTC) // outside every session
	candles := markettest.NewBuilder(start, time.Minute, 1.1000).Range(30, 0.0001).Candles()

	swings := []SwingPoint{
		{Index: 3, Time: candles[3].Time, Price: 1.1050, Type: SwingHigh, Confirmed: true, ConfirmedAt: 5},
		{Index: 10, Time: candles[10].Time, Price: 1.1052, Type: SwingHigh, Confirmed: true, ConfirmedAt: 12},
		{Index: 15, Time: candles[15].Time, Price: 1.1100, Type: SwingHigh, Confirmed: true, ConfirmedAt: 17},
		{Index: 20, Time: candles[20].Time, Price: 1.0950, Type: SwingLow, Confirmed: true, ConfirmedAt: 22},
	}

	pools := newMapper().BuildPools("EUR_USD", candles, swings, candles[len(candles)-1].Time)
	require.Len(t, pools, 3)

	byOrigin := map[PoolOrigin]LiquidityPool{}
	for _, p := range pools {
		byOrigin[p.Origin] = p
	}

	eq := byOrigin[OriginEqualHighs]
	assert.Equal(t, 1.1052, eq.Price)
	assert.Equal(t, Buyside, eq.Side)
	assert.Equal(t, 2, eq.TouchCount)
	assert.Equal(t, 3.0, eq.BaseWeight)

	sw := byOrigin[OriginSwing]
	assert.Equal(t, 1.5, sw.BaseWeight)

	// sorted by price
	assert.Equal(t, 1.0950, pools[0].Price)
	assert.Equal(t, Sellside, pools[0].Side)
}

func TestBuildPoolsSessionExtremes(t *testing.T) {
	candles := markettest.RandomWalk(7, 27*4, markettest.Start, 15*time.Minute, 1.1, 0.0005)

	var londonHigh float64
	for _, c := range candles {
		if c.Time.Day() == markettest.Start.Day() && market.InSession(c.Time, market.SessionLondon) && c.High > londonHigh {
			londonHigh = c.High
		}
	}

	pools := newMapper().BuildPools("EUR_USD", candles, nil, candles[len(candles)-1].Time)

	var found bool
	for _, p := range pools {
		if p.Origin == OriginSession && p.Session == market.SessionLondon && p.Side == Buyside {
			found = true
			assert.Equal(t, londonHigh, p.Price)
			assert.Equal(t, 3.0, p.BaseWeight)
		}
		if p.Origin == OriginSession && p.Session == market.SessionAsian {
			// the second day's Asian session is still open, so the pool comes from day one
			assert.Equal(t, markettest.Start.Day(), p.FormedAt.Day())
		}
	}
	assert.True(t, found, "expected a London high pool")
}

func TestAnalyzerInsufficientHistory(t *testing.T) {
	an := NewAnalyzer(DefaultConfig(), zerolog.Nop())
	candles := markettest.RandomWalk(1, 10, markettest.Start, 5*time.Minute, 1.1, 0.0005)

	a := an.Analyze("EUR_USD", candles, candles)
	assert.True(t, a.Insufficient)
	assert.Nil(t, a.Sweep)
	assert.Equal(t, BiasNeutral, a.HTFBias)
}

func TestAnalyzerRandomWalkConsistency(t *testing.T) {
	an := NewAnalyzer(DefaultConfig(), zerolog.Nop())
	ltf := markettest.RandomWalk(3, 600, markettest.Start, 5*time.Minute, 1.1, 0.0005)
	htf := markettest.Resample(ltf, 12)

	a := an.Analyze("EUR_USD", htf, ltf)
	require.False(t, a.Insufficient)
	assert.Equal(t, ltf[len(ltf)-1].Close, a.CurrentPrice)
	assert.Greater(t, a.ATR, 0.0)

	for _, p := range a.Pools {
		assert.False(t, p.Taken)
	}
	for _, g := range a.FVGs {
		assert.False(t, g.Mitigated)
		assert.Greater(t, g.Top, g.Bottom)
	}
	if a.Sweep != nil {
		assert.True(t, a.Sweep.Valid)
		assert.GreaterOrEqual(t, a.Sweep.Index, a.LTFBars-DefaultLiquidityConfig().SweepLookback)
	}
}
