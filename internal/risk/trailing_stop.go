package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/market"
)

// ExitConfig controls partial exits and the ATR trailing stop
type ExitConfig struct {
	PartialEnabled     bool    `json:"partial_enabled" yaml:"partial_enabled" default:"true"`
	PartialFraction    float64 `json:"partial_fraction" yaml:"partial_fraction" default:"0.5"`
	PartialR           float64 `json:"partial_r" yaml:"partial_r" default:"1.0"`
	BreakevenOnPartial bool    `json:"breakeven_on_partial" yaml:"breakeven_on_partial" default:"true"`
	TrailingEnabled    bool    `json:"trailing_enabled" yaml:"trailing_enabled" default:"true"`
	TrailATRMult       float64 `json:"trail_atr_mult" yaml:"trail_atr_mult" default:"1.5"`
	ActivationR        float64 `json:"activation_r" yaml:"activation_r" default:"2.0"`
}

// DefaultExitConfig returns the documented exit defaults
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		PartialEnabled:     true,
		PartialFraction:    0.5,
		PartialR:           1.0,
		BreakevenOnPartial: true,
		TrailingEnabled:    true,
		TrailATRMult:       1.5,
		ActivationR:        2.0,
	}
}

// PartialPrice returns the price at which the partial exit triggers
func (e ExitConfig) PartialPrice(d market.Direction, entry, risk float64) float64 {
	return entry + d.Sign()*risk*e.PartialR
}

// TrailingPosition is a position tracked for trailing
type TrailingPosition struct {
	ID           string           `json:"id"`
	Instrument   string           `json:"instrument"`
	Direction    market.Direction `json:"direction"`
	Entry        float64          `json:"entry"`
	InitialStop  float64          `json:"initial_stop"`
	Stop         float64          `json:"stop"`
	HighWater    float64          `json:"high_water"`
	LowWater     float64          `json:"low_water"`
	Activated    bool             `json:"activated"`
	PartialTaken bool             `json:"partial_taken"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Risk returns the initial entry-to-stop distance
func (p TrailingPosition) Risk() float64 {
	if p.Direction == market.Short {
		return p.InitialStop - p.Entry
	}
	return p.Entry - p.InitialStop
}

// StopUpdate reports a stop change or trigger
type StopUpdate struct {
	ID           string  `json:"id"`
	OldStop      float64 `json:"old_stop"`
	NewStop      float64 `json:"new_stop"`
	Triggered    bool    `json:"triggered"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Reason       string  `json:"reason"`
}

// TrailingStopManager moves stops for open positions. Stops only tighten.
type TrailingStopManager struct {
	positions map[string]*TrailingPosition
	cfg       ExitConfig
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewTrailingStopManager creates a trailing stop manager
func NewTrailingStopManager(cfg ExitConfig, logger zerolog.Logger) *TrailingStopManager {
	return &TrailingStopManager{
		positions: make(map[string]*TrailingPosition),
		cfg:       cfg,
		logger:    logger.With().Str("component", "trailing_stop").Logger(),
	}
}

// AddPosition starts tracking a position
func (tsm *TrailingStopManager) AddPosition(id, instrument string, d market.Direction, entry, stop float64, at time.Time) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.positions[id] = &TrailingPosition{
		ID:          id,
		Instrument:  instrument,
		Direction:   d,
		Entry:       entry,
		InitialStop: stop,
		Stop:        stop,
		HighWater:   entry,
		LowWater:    entry,
		UpdatedAt:   at,
	}

	tsm.logger.Debug().
		Str("id", id).
		Str("instrument", instrument).
		Str("direction", string(d)).
		Float64("entry", entry).
		Float64("stop", stop).
		Msg("Position added")
}

// RemovePosition stops tracking a position
func (tsm *TrailingStopManager) RemovePosition(id string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, id)
}

// Position returns a copy of a tracked position
func (tsm *TrailingStopManager) Position(id string) (TrailingPosition, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()
	p, ok := tsm.positions[id]
	if !ok {
		return TrailingPosition{}, false
	}
	return *p, true
}

// MarkPartial records the partial exit. The stop moves to breakeven when
// configured and trailing activates.
func (tsm *TrailingStopManager) MarkPartial(id string) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, ok := tsm.positions[id]
	if !ok || pos.PartialTaken {
		return nil
	}
	pos.PartialTaken = true
	pos.Activated = true

	if !tsm.cfg.BreakevenOnPartial {
		return nil
	}
	return tsm.tighten(pos, pos.Entry, "breakeven after partial")
}

// Update applies one closed bar. A bar that reaches the current stop
// reports a trigger; otherwise the water marks advance and, once active,
// the stop trails atr·TrailATRMult behind them.
func (tsm *TrailingStopManager) Update(id string, bar market.Candle, atr float64) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, ok := tsm.positions[id]
	if !ok {
		return nil
	}
	pos.UpdatedAt = bar.Time

	long := pos.Direction != market.Short
	if (long && bar.Low <= pos.Stop) || (!long && bar.High >= pos.Stop) {
		return &StopUpdate{
			ID:           id,
			OldStop:      pos.Stop,
			NewStop:      pos.Stop,
			Triggered:    true,
			TriggerPrice: pos.Stop,
			Reason:       "stop reached",
		}
	}

	if bar.High > pos.HighWater {
		pos.HighWater = bar.High
	}
	if bar.Low < pos.LowWater {
		pos.LowWater = bar.Low
	}

	risk := pos.Risk()
	if !pos.Activated && risk > 0 {
		excursion := pos.HighWater - pos.Entry
		if !long {
			excursion = pos.Entry - pos.LowWater
		}
		if excursion >= risk*tsm.cfg.ActivationR {
			pos.Activated = true
			tsm.logger.Debug().Str("id", id).Float64("r", excursion/risk).Msg("Trailing activated")
		}
	}

	if !tsm.cfg.TrailingEnabled || !pos.Activated || atr <= 0 {
		return nil
	}

	dist := atr * tsm.cfg.TrailATRMult
	if long {
		return tsm.tighten(pos, pos.HighWater-dist, "trail")
	}
	return tsm.tighten(pos, pos.LowWater+dist, "trail")
}

func (tsm *TrailingStopManager) tighten(pos *TrailingPosition, stop float64, reason string) *StopUpdate {
	long := pos.Direction != market.Short
	if (long && stop <= pos.Stop) || (!long && stop >= pos.Stop) {
		return nil
	}

	old := pos.Stop
	pos.Stop = stop
	tsm.logger.Debug().
		Str("id", pos.ID).
		Float64("old_stop", old).
		Float64("new_stop", stop).
		Str("reason", reason).
		Msg("Stop tightened")

	return &StopUpdate{ID: pos.ID, OldStop: old, NewStop: stop, Reason: reason}
}
