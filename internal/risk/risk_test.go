package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/heatmap"
	"smc-signal-engine/internal/market"
)

var day1 = time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)

func TestStopLoss(t *testing.T) {
	c := NewCalculator(DefaultConfig())

	tests := []struct {
		name       string
		instrument string
		dir        market.Direction
		entry      float64
		sweep      float64
		atr        float64
		wantSL     float64
		wantPips   float64
	}{
		{"atr buffer behind sweep", "EUR_USD", market.Long, 1.1000, 1.0990, 0.0010, 1.0975, 25},
		{"capped at max", "EUR_USD", market.Long, 1.1000, 1.0950, 0.0005, 1.0970, 30},
		{"raised to min", "EUR_USD", market.Long, 1.1000, 1.1010, 0, 1.0988, 12},
		{"short above sweep", "EUR_USD", market.Short, 1.1000, 1.1010, 0.0010, 1.1025, 25},
		{"no sweep level", "EUR_USD", market.Short, 1.1000, 0, 0, 1.1012, 12},
		{"gold profile", "XAU_USD", market.Long, 2000, 1999, 0.5, 1996, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, pips := c.StopLoss(tt.instrument, tt.dir, tt.entry, tt.sweep, tt.atr)
			assert.InDelta(t, tt.wantSL, sl, 1e-9)
			assert.InDelta(t, tt.wantPips, pips, 1e-6)
		})
	}
}

func TestTakeProfit(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	entry, sl := 1.1000, 1.0975
	target := &heatmap.HeatLevel{Level: heatmap.Level{Price: 1.1060}}

	tp, rr, src := c.TakeProfit("EUR_USD", market.Long, entry, sl, confluence.GradeA, target)
	assert.Equal(t, 1.1060, tp)
	assert.Equal(t, TargetHeatMap, src)
	assert.InDelta(t, 2.4, rr, 1e-9)

	// B needs 2.5R so the target is rejected
	tp, rr, src = c.TakeProfit("EUR_USD", market.Long, entry, sl, confluence.GradeB, target)
	assert.InDelta(t, 1.1050, tp, 1e-9)
	assert.Equal(t, 2.0, rr)
	assert.Equal(t, TargetRRTarget, src)

	// a target on the wrong side is ignored
	tp, _, src = c.TakeProfit("EUR_USD", market.Short, 1.1000, 1.1025, confluence.GradeAPlus, target)
	assert.InDelta(t, 1.0950, tp, 1e-9)
	assert.Equal(t, TargetRRTarget, src)

	tp, _, _ = c.TakeProfit("EUR_USD", market.Long, entry, sl, confluence.GradeAPlus, nil)
	assert.InDelta(t, 1.1050, tp, 1e-9)

	assert.InDelta(t, 2.0, RiskReward(entry, sl, 1.1050), 1e-9)
	assert.Zero(t, RiskReward(entry, entry, 1.1050))
}

func TestEntryProximity(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	zone := &Zone{Kind: "FVG", Top: 1.1000, Bottom: 1.0996}

	tests := []struct {
		price float64
		want  int
	}{
		{1.0998, 10},
		{1.1002, 5},
		{1.1005, 0},
		{1.1020, -15},
	}
	for _, tt := range tests {
		got, reason := c.EntryProximity("EUR_USD", tt.price, zone)
		assert.Equal(t, tt.want, got, "price %.4f", tt.price)
		assert.NotEmpty(t, reason)
	}

	got, _ := c.EntryProximity("EUR_USD", 1.1, nil)
	assert.Equal(t, -15, got)
}

func TestEntryZonePicksNearestAligned(t *testing.T) {
	a := &analysis.SMCAnalysis{
		CurrentPrice: 1.1010,
		FVGs: []analysis.FairValueGap{
			{ID: "f1", Direction: analysis.BiasBullish, Top: 1.1000, Bottom: 1.0990},
			{ID: "f2", Direction: analysis.BiasBearish, Top: 1.1030, Bottom: 1.1020},
		},
		OrderBlocks: []analysis.OrderBlock{
			{ID: "o1", Direction: analysis.BiasBullish, Top: 1.0980, Bottom: 1.0970},
		},
	}

	z := EntryZone(a, market.Long)
	require.NotNil(t, z)
	assert.Equal(t, "f1", z.ID)
	assert.Equal(t, 1.1000, z.Edge(market.Long))

	z = EntryZone(a, market.Short)
	require.NotNil(t, z)
	assert.Equal(t, "f2", z.ID)
	assert.Equal(t, 1.1020, z.Edge(market.Short))

	a.FVGs = nil
	z = EntryZone(a, market.Long)
	require.NotNil(t, z)
	assert.Equal(t, "OB", z.Kind)
	assert.Nil(t, EntryZone(a, market.Short))
}

func TestPositionSizeTiers(t *testing.T) {
	m := NewManager(DefaultSizingConfig(), 10000, zerolog.Nop())

	s := m.PositionSize("EUR_USD", 75, 1.0843, 1.0800)
	require.True(t, s.CanTrade)
	assert.Equal(t, "TIER_2", s.Tier)
	assert.InDelta(t, 200, s.RiskAmount, 1e-9)
	assert.Equal(t, 46511.0, s.Units)
	assert.InDelta(t, 43, s.SLPips, 1e-6)

	s = m.PositionSize("EUR_USD", 40, 1.0843, 1.0800)
	assert.False(t, s.CanTrade)

	s = m.PositionSize("EUR_USD", 95, 1.1000, 1.0999)
	require.True(t, s.CanTrade)
	assert.Equal(t, 100000.0, s.Units)
	assert.InDelta(t, 0.1, s.RiskPercent, 1e-6)

	s = m.PositionSize("EUR_USD", 70, 1.1, 1.1)
	assert.False(t, s.CanTrade)

	flat := NewManager(SizingConfig{FlatRiskPercent: 0.3}, 10000, zerolog.Nop())
	s = flat.PositionSize("EUR_USD", 10, 1.1000, 1.0980)
	require.True(t, s.CanTrade)
	assert.Equal(t, "FLAT", s.Tier)
	assert.InDelta(t, 30, s.RiskAmount, 1e-9)
}

func TestManagerLimits(t *testing.T) {
	m := NewManager(DefaultSizingConfig(), 10000, zerolog.Nop())

	ok, _ := m.CanOpenPosition(day1)
	assert.True(t, ok)

	m.RegisterOpen()
	ok, reason := m.CanOpenPosition(day1)
	assert.False(t, ok)
	assert.Contains(t, reason, "max positions")

	m.RegisterClose(-300, day1, false)
	assert.Equal(t, 1, m.OpenPositions())
	m.RegisterClose(-300, day1, true)
	assert.Equal(t, 0, m.OpenPositions())
	assert.InDelta(t, 9400, m.Equity(), 1e-9)

	ok, reason = m.CanOpenPosition(day1.Add(time.Hour))
	assert.False(t, ok)
	assert.Contains(t, reason, "daily drawdown")

	ok, _ = m.CanOpenPosition(day1.Add(24 * time.Hour))
	assert.True(t, ok)
	assert.Zero(t, m.DailyPnL())
}

func TestTrailingStopLong(t *testing.T) {
	tsm := NewTrailingStopManager(DefaultExitConfig(), zerolog.Nop())
	tsm.AddPosition("t1", "EUR_USD", market.Long, 1.1000, 1.0980, day1)

	bar := func(h, l float64) market.Candle {
		return market.Candle{Time: day1, Open: l, High: h, Low: l, Close: h}
	}

	assert.Nil(t, tsm.Update("t1", bar(1.1030, 1.1005), 0.0010))

	u := tsm.Update("t1", bar(1.1045, 1.1020), 0.0010)
	require.NotNil(t, u)
	assert.InDelta(t, 1.1030, u.NewStop, 1e-9)

	// lower high does not loosen the stop
	assert.Nil(t, tsm.Update("t1", bar(1.1040, 1.1032), 0.0010))

	u = tsm.Update("t1", bar(1.1035, 1.1025), 0.0010)
	require.NotNil(t, u)
	assert.True(t, u.Triggered)

	tsm.RemovePosition("t1")
	_, ok := tsm.Position("t1")
	assert.False(t, ok)
}

func TestPartialMovesStopToBreakeven(t *testing.T) {
	cfg := DefaultExitConfig()
	tsm := NewTrailingStopManager(cfg, zerolog.Nop())
	tsm.AddPosition("s1", "EUR_USD", market.Short, 1.1000, 1.1020, day1)

	assert.InDelta(t, 1.0980, cfg.PartialPrice(market.Short, 1.1000, 0.0020), 1e-9)

	u := tsm.MarkPartial("s1")
	require.NotNil(t, u)
	assert.Equal(t, 1.1000, u.NewStop)
	assert.Nil(t, tsm.MarkPartial("s1"))

	// trail would sit above breakeven so the stop stays
	bar := market.Candle{Time: day1, Open: 1.0998, High: 1.0998, Low: 1.0990, Close: 1.0990}
	assert.Nil(t, tsm.Update("s1", bar, 0.0010))

	bar = market.Candle{Time: day1, Open: 1.0990, High: 1.0990, Low: 1.0970, Close: 1.0975}
	u = tsm.Update("s1", bar, 0.0010)
	require.NotNil(t, u)
	assert.InDelta(t, 1.0985, u.NewStop, 1e-9)

	pos, ok := tsm.Position("s1")
	require.True(t, ok)
	assert.True(t, pos.PartialTaken)
	assert.InDelta(t, 0.0020, pos.Risk(), 1e-12)
}
