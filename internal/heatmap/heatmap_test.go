package heatmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/market"
)

var now = time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

func pool(price, base float64, touches int, age time.Duration) analysis.LiquidityPool {
	return analysis.LiquidityPool{
		Instrument: "EUR_USD",
		Price:      price,
		BaseWeight: base,
		TouchCount: touches,
		LastTouch:  now.Add(-age),
		Origin:     analysis.OriginSwing,
	}
}

func TestLevelWeightStrictlyDecreases(t *testing.T) {
	l := Level{Price: 1.1, Base: 3, LastTouch: now}

	prev := l.Weight(now, 0.05)
	assert.InDelta(t, 3.0, prev, 1e-12)
	for m := 30; m <= 72*60; m += 30 {
		w := l.Weight(now.Add(time.Duration(m)*time.Minute), 0.05)
		require.Less(t, w, prev)
		prev = w
	}

	// future touches are not amplified
	assert.InDelta(t, 3.0, l.Weight(now.Add(-time.Hour), 0.05), 1e-12)
}

func TestBuildMergesNearbyLevels(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	pools := []analysis.LiquidityPool{
		pool(1.1050, 1.5, 1, time.Hour),
		pool(1.1052, 3.0, 2, 2*time.Hour), // within 3 pips
		pool(1.0950, 2.0, 1, time.Hour),
	}
	swept := pool(1.0900, 10, 1, 0)
	swept.Swept = true
	pools = append(pools, swept)

	hm := b.Build("EUR_USD", pools, 1.1000, analysis.BiasNeutral, now)

	require.Len(t, hm.Levels, 2)
	merged := hm.Levels[1]
	assert.Equal(t, 1.1052, merged.Price) // heavier member wins
	assert.Equal(t, 3, merged.Touches)
	assert.InDelta(t, 1.5+4.5, merged.Base, 1e-9)
	assert.Equal(t, now.Add(-time.Hour), merged.LastTouch)
	assert.True(t, merged.Above)
	assert.InDelta(t, merged.Density*2.5, merged.Attraction, 1e-9)
}

func TestSweepProbability(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	pools := []analysis.LiquidityPool{
		pool(1.1050, 1.0, 1, 0),
		pool(1.0950, 3.0, 1, 0),
	}

	hm := b.Build("EUR_USD", pools, 1.1000, analysis.BiasNeutral, now)
	assert.InDelta(t, 0.75, hm.SweepProbability, 1e-9)
	assert.Equal(t, LikelySellside, hm.Likely)
	assert.True(t, hm.Supports(market.Long))

	hm = b.Build("EUR_USD", pools, 1.1000, analysis.BiasBullish, now)
	assert.InDelta(t, 0.85, hm.SweepProbability, 1e-9)

	hm = b.Build("EUR_USD", pools, 1.1000, analysis.BiasBearish, now)
	assert.InDelta(t, 0.65, hm.SweepProbability, 1e-9)

	// clamped
	hm = b.Build("EUR_USD", []analysis.LiquidityPool{pool(1.0950, 1, 1, 0)}, 1.1000, analysis.BiasBullish, now)
	assert.Equal(t, 1.0, hm.SweepProbability)

	hm = b.Build("EUR_USD", nil, 1.1000, analysis.BiasNeutral, now)
	assert.Equal(t, 0.5, hm.SweepProbability)
	assert.Equal(t, LikelyBalanced, hm.Likely)
	assert.Nil(t, hm.PrimaryTarget(market.Long))
}

func TestPrimaryTargetPrefersDenseOverNearest(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	pools := []analysis.LiquidityPool{
		pool(1.1010, 1.0, 1, 0),  // near, thin
		pool(1.1030, 3.0, 3, 0),  // further, dense
		pool(1.0980, 10.0, 1, 0), // wrong side for a long
	}

	hm := b.Build("EUR_USD", pools, 1.1000, analysis.BiasNeutral, now)

	target := hm.PrimaryTarget(market.Long)
	require.NotNil(t, target)
	assert.Equal(t, 1.1030, target.Price)

	target = hm.PrimaryTarget(market.Short)
	require.NotNil(t, target)
	assert.Equal(t, 1.0980, target.Price)
}
