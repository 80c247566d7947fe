package backtest

import (
	"fmt"
	"math"
	"strings"

	"smc-signal-engine/internal/confluence"
)

const (
	riskFreeRate       = 0.04
	tradingDaysPerYear = 252
)

// Metrics are the aggregate statistics of a run
type Metrics struct {
	TotalReturnPct          float64                  `json:"total_return_pct"`
	TotalReturnAbs          float64                  `json:"total_return_abs"`
	MaxDrawdownPct          float64                  `json:"max_drawdown_pct"`
	MaxDrawdownAbs          float64                  `json:"max_drawdown_abs"`
	MaxDrawdownDurationBars int                      `json:"max_drawdown_duration_bars"`
	SharpeRatio             *float64                 `json:"sharpe_ratio"`
	SortinoRatio            *float64                 `json:"sortino_ratio"`
	TotalTrades             int                      `json:"total_trades"`
	WinningTrades           int                      `json:"winning_trades"`
	LosingTrades            int                      `json:"losing_trades"`
	WinRate                 float64                  `json:"win_rate"`
	GrossProfit             float64                  `json:"gross_profit"`
	GrossLoss               float64                  `json:"gross_loss"`
	ProfitFactor            *float64                 `json:"profit_factor"`
	Expectancy              float64                  `json:"expectancy"`
	AvgWin                  float64                  `json:"avg_win"`
	AvgLoss                 float64                  `json:"avg_loss"`
	LargestWin              float64                  `json:"largest_win"`
	LargestLoss             float64                  `json:"largest_loss"`
	AvgRMultiple            float64                  `json:"avg_r_multiple"`
	TotalCommission         float64                  `json:"total_commission"`
	MaxConsecutiveWins      int                      `json:"max_consecutive_wins"`
	MaxConsecutiveLosses    int                      `json:"max_consecutive_losses"`
	AvgBarsHeld             float64                  `json:"avg_bars_held"`
	GradeDistribution       map[confluence.Grade]int `json:"grade_distribution"`
	ExitReasons             map[string]int           `json:"exit_reasons"`
}

// Sharpe returns the Sharpe ratio or 0 when undefined
func (m Metrics) Sharpe() float64 {
	if m.SharpeRatio == nil {
		return 0
	}
	return *m.SharpeRatio
}

// CalculateMetrics derives Metrics from a run's trades and equity curve
func CalculateMetrics(res *Result) Metrics {
	m := Metrics{
		GradeDistribution: make(map[confluence.Grade]int),
		ExitReasons:       make(map[string]int),
	}

	m.TotalReturnAbs = res.FinalEquity - res.InitialEquity
	if res.InitialEquity > 0 {
		m.TotalReturnPct = m.TotalReturnAbs / res.InitialEquity * 100
	}

	equities := make([]float64, len(res.EquityCurve))
	for i, p := range res.EquityCurve {
		equities[i] = p.Equity
	}
	m.MaxDrawdownPct, m.MaxDrawdownAbs, m.MaxDrawdownDurationBars = calculateMaxDrawdown(equities)
	m.SharpeRatio, m.SortinoRatio = calculateRiskAdjusted(equities)

	calculateTradeStats(&m, res.Trades)
	return m
}

// calculateMaxDrawdown returns the deepest peak-to-trough drop in percent
// and absolute terms, and the longest run of bars spent below a peak
func calculateMaxDrawdown(equities []float64) (pct, abs float64, duration int) {
	if len(equities) == 0 {
		return 0, 0, 0
	}

	peak := equities[0]
	current := 0
	for _, eq := range equities {
		if eq > peak {
			peak = eq
			current = 0
			continue
		}
		current++
		dd := peak - eq
		ddPct := 0.0
		if peak > 0 {
			ddPct = dd / peak * 100
		}
		if ddPct > pct {
			pct = ddPct
			abs = dd
		}
		if current > duration {
			duration = current
		}
	}
	return pct, abs, duration
}

// calculateRiskAdjusted annualises per-bar equity returns. Either ratio is
// nil when it is undefined.
func calculateRiskAdjusted(equities []float64) (sharpe, sortino *float64) {
	if len(equities) < 2 {
		return nil, nil
	}

	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
		}
	}
	if len(returns) < 2 {
		return nil, nil
	}

	n := float64(len(returns))
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= n

	variance := 0.0
	downside := 0.0
	hasNegative := false
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
		if r < 0 {
			downside += r * r
			hasNegative = true
		}
	}
	std := math.Sqrt(variance / n)

	dailyRF := riskFreeRate / tradingDaysPerYear
	annualise := math.Sqrt(tradingDaysPerYear)

	if std > 0 {
		s := (mean - dailyRF) / std * annualise
		sharpe = &s
	}
	if hasNegative {
		if dstd := math.Sqrt(downside / n); dstd > 0 {
			s := (mean - dailyRF) / dstd * annualise
			sortino = &s
		}
	}
	return sharpe, sortino
}

func calculateTradeStats(m *Metrics, trades []SimulatedTrade) {
	m.TotalTrades = len(trades)
	if m.TotalTrades == 0 {
		return
	}

	total, rSum, bars := 0.0, 0.0, 0
	wins, losses := 0, 0
	m.LargestWin = math.Inf(-1)
	m.LargestLoss = math.Inf(1)

	for _, t := range trades {
		total += t.PnL
		rSum += t.RMultiple
		bars += t.BarsHeld
		m.TotalCommission += t.Commission
		m.GradeDistribution[t.Grade]++
		m.ExitReasons[t.ExitReason]++
		m.LargestWin = math.Max(m.LargestWin, t.PnL)
		m.LargestLoss = math.Min(m.LargestLoss, t.PnL)

		if t.IsWinner() {
			m.WinningTrades++
			m.GrossProfit += t.PnL
			wins++
			losses = 0
		} else {
			m.LosingTrades++
			m.GrossLoss += math.Abs(t.PnL)
			losses++
			wins = 0
		}
		m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, wins)
		m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, losses)
	}

	n := float64(m.TotalTrades)
	m.WinRate = float64(m.WinningTrades) / n * 100
	m.Expectancy = total / n
	m.AvgRMultiple = rSum / n
	m.AvgBarsHeld = float64(bars) / n
	if m.WinningTrades > 0 {
		m.AvgWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.LosingTrades)
	}
	if m.GrossLoss > 0 {
		pf := m.GrossProfit / m.GrossLoss
		m.ProfitFactor = &pf
	}
}

// FormatSummary renders metrics for a terminal
func (m Metrics) FormatSummary() string {
	opt := func(v *float64) string {
		if v == nil {
			return "N/A"
		}
		return fmt.Sprintf("%.2f", *v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Total Return:   %+.2f%% (%+.2f)\n", m.TotalReturnPct, m.TotalReturnAbs)
	fmt.Fprintf(&b, "Max Drawdown:   %.2f%% (%.2f, %d bars)\n", m.MaxDrawdownPct, m.MaxDrawdownAbs, m.MaxDrawdownDurationBars)
	fmt.Fprintf(&b, "Sharpe:         %s\n", opt(m.SharpeRatio))
	fmt.Fprintf(&b, "Sortino:        %s\n", opt(m.SortinoRatio))
	fmt.Fprintf(&b, "Trades:         %d (%dW / %dL, %.1f%%)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades, m.WinRate)
	fmt.Fprintf(&b, "Profit Factor:  %s\n", opt(m.ProfitFactor))
	fmt.Fprintf(&b, "Expectancy:     %+.2f (%.2fR)\n", m.Expectancy, m.AvgRMultiple)
	fmt.Fprintf(&b, "Avg Win/Loss:   %.2f / %.2f\n", m.AvgWin, m.AvgLoss)
	fmt.Fprintf(&b, "Largest:        %+.2f / %+.2f\n", m.LargestWin, m.LargestLoss)
	fmt.Fprintf(&b, "Streaks:        %d wins / %d losses\n", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	fmt.Fprintf(&b, "Commission:     %.2f\n", m.TotalCommission)
	return b.String()
}
