package backtest

import (
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"
)

// MonteCarloConfig controls trade-order resampling
type MonteCarloConfig struct {
	Iterations     int     `json:"iterations" yaml:"iterations" default:"1000" validate:"gte=1"`
	Seed           int64   `json:"seed" yaml:"seed" default:"42"`
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance" default:"10000" validate:"gt=0"`
	SampleSize     int     `json:"sample_size" yaml:"sample_size" default:"100"` // distribution values kept in the result
}

// DefaultMonteCarloConfig returns 1000 iterations at seed 42
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{Iterations: 1000, Seed: 42, InitialBalance: 10000, SampleSize: 100}
}

// MonteCarloResult holds percentile bands over shuffled trade orders
type MonteCarloResult struct {
	Iterations           int       `json:"iterations"`
	Trades               int       `json:"trades"`
	Seed                 int64     `json:"seed"`
	P5Return             float64   `json:"p5_return"`
	P50Return            float64   `json:"p50_return"`
	P95Return            float64   `json:"p95_return"`
	P5Drawdown           float64   `json:"p5_drawdown"`
	P50Drawdown          float64   `json:"p50_drawdown"`
	P95Drawdown          float64   `json:"p95_drawdown"`
	ProbProfit           float64   `json:"prob_profit"`
	ProbDrawdown10       float64   `json:"prob_drawdown_10pct"`
	ProbDrawdown20       float64   `json:"prob_drawdown_20pct"`
	ReturnDistribution   []float64 `json:"return_distribution,omitempty"`
	DrawdownDistribution []float64 `json:"drawdown_distribution,omitempty"`
}

// MonteCarlo reshuffles realised trade P&L to estimate the spread of
// outcomes a different trade order would have produced
type MonteCarlo struct {
	cfg    MonteCarloConfig
	logger zerolog.Logger
}

// NewMonteCarlo creates a simulator
func NewMonteCarlo(cfg MonteCarloConfig, logger zerolog.Logger) *MonteCarlo {
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1000
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	return &MonteCarlo{
		cfg:    cfg,
		logger: logger.With().Str("component", "monte_carlo").Logger(),
	}
}

// RunTrades resamples the P&L of trades
func (mc *MonteCarlo) RunTrades(trades []SimulatedTrade) MonteCarloResult {
	pnls := make([]float64, len(trades))
	for i, t := range trades {
		pnls[i] = t.PnL
	}
	return mc.Run(pnls)
}

// Run shuffles pnls Iterations times with a generator seeded from the
// config, so the same input always yields the same bands
func (mc *MonteCarlo) Run(pnls []float64) MonteCarloResult {
	res := MonteCarloResult{Iterations: mc.cfg.Iterations, Trades: len(pnls), Seed: mc.cfg.Seed}
	if len(pnls) == 0 {
		mc.logger.Warn().Msg("No trades to resample")
		return res
	}

	rng := rand.New(rand.NewSource(mc.cfg.Seed))
	shuffled := make([]float64, len(pnls))
	returns := make([]float64, mc.cfg.Iterations)
	drawdowns := make([]float64, mc.cfg.Iterations)
	profitable, dd10, dd20 := 0, 0, 0

	for it := 0; it < mc.cfg.Iterations; it++ {
		copy(shuffled, pnls)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		equity := mc.cfg.InitialBalance
		peak := equity
		maxDD := 0.0
		for _, pnl := range shuffled {
			equity += pnl
			if equity > peak {
				peak = equity
			}
			if peak > 0 {
				maxDD = math.Max(maxDD, (peak-equity)/peak*100)
			}
		}

		ret := (equity - mc.cfg.InitialBalance) / mc.cfg.InitialBalance * 100
		returns[it] = ret
		drawdowns[it] = maxDD
		if ret > 0 {
			profitable++
		}
		if maxDD > 10 {
			dd10++
		}
		if maxDD > 20 {
			dd20++
		}
	}

	n := float64(mc.cfg.Iterations)
	res.ProbProfit = float64(profitable) / n
	res.ProbDrawdown10 = float64(dd10) / n
	res.ProbDrawdown20 = float64(dd20) / n

	keep := min(mc.cfg.SampleSize, len(returns))
	res.ReturnDistribution = append([]float64(nil), returns[:keep]...)
	res.DrawdownDistribution = append([]float64(nil), drawdowns[:keep]...)

	sort.Float64s(returns)
	sort.Float64s(drawdowns)
	res.P5Return = Percentile(returns, 5)
	res.P50Return = Percentile(returns, 50)
	res.P95Return = Percentile(returns, 95)
	res.P5Drawdown = Percentile(drawdowns, 5)
	res.P50Drawdown = Percentile(drawdowns, 50)
	res.P95Drawdown = Percentile(drawdowns, 95)

	mc.logger.Info().
		Int("iterations", res.Iterations).
		Float64("p5_return", res.P5Return).
		Float64("p50_return", res.P50Return).
		Float64("p95_return", res.P95Return).
		Float64("prob_profit", res.ProbProfit).
		Msg("Monte Carlo complete")
	return res
}

// Percentile returns the p-th percentile of sorted values with linear
// interpolation between closest ranks
func Percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
