package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/market"
)

// RiskTier maps a minimum confidence to the share of equity at risk
type RiskTier struct {
	Name          string  `json:"name" yaml:"name"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	RiskPercent   float64 `json:"risk_percent" yaml:"risk_percent"`
}

// DefaultTiers risk 3% at 90+, 2% at 70+ and 1% at 50+
var DefaultTiers = []RiskTier{
	{Name: "TIER_3", MinConfidence: 90, RiskPercent: 3},
	{Name: "TIER_2", MinConfidence: 70, RiskPercent: 2},
	{Name: "TIER_1", MinConfidence: 50, RiskPercent: 1},
}

// SizingConfig holds position sizing and exposure limits
type SizingConfig struct {
	Tiers            []RiskTier `json:"tiers" yaml:"tiers"`
	FlatRiskPercent  float64    `json:"flat_risk_percent" yaml:"flat_risk_percent"` // overrides tiers when > 0
	MaxUnits         float64    `json:"max_units" yaml:"max_units" default:"100000"`
	MaxOpenPositions int        `json:"max_open_positions" yaml:"max_open_positions" default:"1"`
	MaxDailyDrawdown float64    `json:"max_daily_drawdown" yaml:"max_daily_drawdown" default:"5"` // percent of equity
}

// DefaultSizingConfig returns the tiered defaults
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		Tiers:            DefaultTiers,
		MaxUnits:         100000,
		MaxOpenPositions: 1,
		MaxDailyDrawdown: 5,
	}
}

// Sizing is the result of a position size calculation
type Sizing struct {
	CanTrade    bool    `json:"can_trade"`
	Units       float64 `json:"units"`
	RiskPercent float64 `json:"risk_percent"`
	RiskAmount  float64 `json:"risk_amount"`
	Tier        string  `json:"tier"`
	SLPips      float64 `json:"sl_pips"`
	Reason      string  `json:"reason"`
}

// Manager tracks equity, open positions and daily P&L, and sizes new
// positions. Days roll over on the timestamps passed in, so replays behave
// the same as live trading.
type Manager struct {
	cfg      SizingConfig
	equity   float64
	dailyPnL float64
	day      time.Time
	open     int
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewManager creates a manager with starting equity
func NewManager(cfg SizingConfig, equity float64, logger zerolog.Logger) *Manager {
	if len(cfg.Tiers) == 0 && cfg.FlatRiskPercent <= 0 {
		cfg.Tiers = DefaultTiers
	}
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = 100000
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 1
	}
	return &Manager{
		cfg:    cfg,
		equity: equity,
		logger: logger.With().Str("component", "risk_manager").Logger(),
	}
}

// Equity returns the current equity
func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// TierFor returns the tier matching confidence, or false below the lowest tier
func (m *Manager) TierFor(confidence float64) (RiskTier, bool) {
	if m.cfg.FlatRiskPercent > 0 {
		return RiskTier{Name: "FLAT", RiskPercent: m.cfg.FlatRiskPercent}, true
	}
	for _, t := range m.cfg.Tiers {
		if confidence >= t.MinConfidence {
			return t, true
		}
	}
	return RiskTier{}, false
}

// CanOpenPosition checks the open position and daily drawdown limits at time now
func (m *Manager) CanOpenPosition(now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open >= m.cfg.MaxOpenPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", m.open, m.cfg.MaxOpenPositions)
	}

	m.rollDay(now)
	if m.equity > 0 && m.cfg.MaxDailyDrawdown > 0 {
		dd := m.dailyPnL / m.equity * 100
		if dd <= -m.cfg.MaxDailyDrawdown {
			return false, fmt.Sprintf("daily drawdown limit reached (%.2f%%)", dd)
		}
	}
	return true, ""
}

// PositionSize sizes a trade so that hitting the stop loses the tier's
// share of equity, capped at MaxUnits
func (m *Manager) PositionSize(instrument string, confidence, entry, sl float64) Sizing {
	m.mu.RLock()
	equity := m.equity
	m.mu.RUnlock()

	switch {
	case equity <= 0:
		return Sizing{Reason: "invalid equity"}
	case confidence < 0 || confidence > 100:
		return Sizing{Reason: "confidence outside 0-100"}
	case entry <= 0 || sl <= 0:
		return Sizing{Reason: "invalid price"}
	}

	tier, ok := m.TierFor(confidence)
	if !ok {
		return Sizing{Tier: "NONE", Reason: fmt.Sprintf("confidence %.0f below lowest risk tier", confidence)}
	}

	dist := math.Abs(entry - sl)
	s := Sizing{
		Tier:        tier.Name,
		RiskPercent: tier.RiskPercent,
		SLPips:      market.ToPips(instrument, dist),
	}
	if dist == 0 {
		s.Reason = "stop loss equals entry"
		return s
	}

	s.RiskAmount = equity * tier.RiskPercent / 100
	s.Units = math.Floor(s.RiskAmount / dist)
	if s.Units > m.cfg.MaxUnits {
		s.Units = m.cfg.MaxUnits
		s.RiskAmount = s.Units * dist
		s.RiskPercent = s.RiskAmount / equity * 100
	}
	if s.Units <= 0 {
		s.Reason = "position too small for stop distance"
		return s
	}

	s.CanTrade = true
	s.Reason = "OK"

	m.logger.Debug().
		Str("instrument", instrument).
		Float64("equity", equity).
		Str("tier", s.Tier).
		Float64("risk_amount", s.RiskAmount).
		Float64("sl_pips", s.SLPips).
		Float64("units", s.Units).
		Msg("Position sized")
	return s
}

// RegisterOpen records a new open position
func (m *Manager) RegisterOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open++
}

// RegisterClose records realised P&L at time at. Partial closes pass
// final=false so the position stays open.
func (m *Manager) RegisterClose(pnl float64, at time.Time, final bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if final {
		m.open--
		if m.open < 0 {
			m.open = 0
		}
	}
	m.rollDay(at)
	m.dailyPnL += pnl
	m.equity += pnl
}

// DailyPnL returns realised P&L for the current day
func (m *Manager) DailyPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// OpenPositions returns the number of open positions
func (m *Manager) OpenPositions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

func (m *Manager) rollDay(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.After(m.day) {
		m.dailyPnL = 0
		m.day = day
	}
}

// Metrics returns current exposure figures
func (m *Manager) Metrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dd := 0.0
	if m.equity > 0 {
		dd = m.dailyPnL / m.equity * 100
	}
	return map[string]interface{}{
		"equity":                 m.equity,
		"daily_pnl":              m.dailyPnL,
		"daily_drawdown_percent": dd,
		"open_positions":         m.open,
		"max_positions":          m.cfg.MaxOpenPositions,
		"max_daily_drawdown":     m.cfg.MaxDailyDrawdown,
	}
}
