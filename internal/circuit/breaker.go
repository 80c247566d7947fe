// Package circuit halts signal emission after a run of losing outcomes or
// a burst of signals, and resumes after a cooldown. Losses are tracked both
// across the book and per instrument, so one pair going wrong can be
// silenced without stopping the others.
package circuit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"smc-signal-engine/internal/confluence"
)

// GateHalted marks a signal withheld while the breaker is open
const GateHalted confluence.Gate = "SIGNALS_HALTED"

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Signals halted
	StateHalfOpen BreakerState = "half_open" // Next outcome decides
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled              bool `json:"enabled" yaml:"enabled" default:"true"`
	MaxConsecutiveLosses int  `json:"max_consecutive_losses" yaml:"max_consecutive_losses" default:"5" validate:"gte=1"`
	MaxInstrumentLosses  int  `json:"max_instrument_losses" yaml:"max_instrument_losses" default:"3" validate:"gte=1"`
	MaxDailyLosses       int  `json:"max_daily_losses" yaml:"max_daily_losses" default:"8" validate:"gte=1"`
	MaxSignalsPerHour    int  `json:"max_signals_per_hour" yaml:"max_signals_per_hour" default:"20" validate:"gte=1"`
	CooldownMinutes      int  `json:"cooldown_minutes" yaml:"cooldown_minutes" default:"60" validate:"gte=0"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxInstrumentLosses:  3,
		MaxDailyLosses:       8,
		MaxSignalsPerHour:    20,
		CooldownMinutes:      60,
	}
}

// Stats is a snapshot of the breaker counters
type Stats struct {
	State             BreakerState         `json:"state"`
	ConsecutiveLosses int                  `json:"consecutive_losses"`
	DailyLosses       int                  `json:"daily_losses"`
	SignalsLastHour   int                  `json:"signals_last_hour"`
	TripReason        string               `json:"trip_reason,omitempty"`
	LastTripTime      time.Time            `json:"last_trip_time,omitempty"`
	InstrumentLosses  map[string]int       `json:"instrument_losses,omitempty"`
	HaltedUntil       map[string]time.Time `json:"halted_until,omitempty"`
}

type instrumentState struct {
	losses      int
	haltedUntil time.Time
}

// CircuitBreaker gates signal emission on realised outcomes
type CircuitBreaker struct {
	config            Config
	state             BreakerState
	consecutiveLosses int
	dailyLosses       int
	lossDay           string
	signalTimes       []time.Time // emissions inside the last hour, oldest first
	instruments       map[string]*instrumentState
	lastTripTime      time.Time
	tripReason        string
	mu                sync.Mutex
	onTrip            func(reason string)
	onReset           func()
	now               func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config Config) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config Config, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		config:      config,
		state:       StateClosed,
		instruments: make(map[string]*instrumentState),
		lossDay:     now().UTC().Format(time.DateOnly),
		now:         now,
	}
}

// OnTrip sets the callback run when the book or an instrument is halted
func (cb *CircuitBreaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *CircuitBreaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

func (cb *CircuitBreaker) cooldown() time.Duration {
	return time.Duration(cb.config.CooldownMinutes) * time.Minute
}

// CanEmit reports whether a new signal on instrument may be published
func (cb *CircuitBreaker) CanEmit(instrument string) (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.roll(now)

	if cb.state == StateOpen {
		elapsed := now.Sub(cb.lastTripTime)
		if elapsed < cb.cooldown() {
			return false, fmt.Sprintf("signals halted, cooldown remaining: %v (reason: %s)",
				(cb.cooldown() - elapsed).Round(time.Second), cb.tripReason)
		}
		cb.state = StateHalfOpen
	}

	if is, ok := cb.instruments[instrument]; ok && now.Before(is.haltedUntil) {
		return false, fmt.Sprintf("%s halted after %d losses, %v remaining",
			instrument, is.losses, is.haltedUntil.Sub(now).Round(time.Second))
	}
	if cb.dailyLosses >= cb.config.MaxDailyLosses && cb.state != StateHalfOpen {
		return false, fmt.Sprintf("daily loss limit reached: %d", cb.dailyLosses)
	}
	if len(cb.signalTimes) >= cb.config.MaxSignalsPerHour {
		return false, fmt.Sprintf("rate limit reached: %d signals/hour", len(cb.signalTimes))
	}
	return true, ""
}

// RecordSignal counts an emitted signal against the hourly window
func (cb *CircuitBreaker) RecordSignal(instrument string) {
	if !cb.config.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	cb.roll(now)
	cb.signalTimes = append(cb.signalTimes, now)
}

// RecordOutcome records how a signal on instrument resolved
func (cb *CircuitBreaker) RecordOutcome(instrument string, win bool) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.roll(now)

	is := cb.instruments[instrument]
	if is == nil {
		is = &instrumentState{}
		cb.instruments[instrument] = is
	}

	if win {
		cb.consecutiveLosses = 0
		is.losses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.tripReason = ""
			if cb.onReset != nil {
				go cb.onReset()
			}
		}
		return
	}

	cb.consecutiveLosses++
	cb.dailyLosses++
	is.losses++

	switch {
	case cb.state == StateHalfOpen:
		cb.trip(now, "loss after cooldown")
	case cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		cb.trip(now, fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses))
	case cb.dailyLosses >= cb.config.MaxDailyLosses:
		cb.trip(now, fmt.Sprintf("daily losses: %d", cb.dailyLosses))
	case is.losses >= cb.config.MaxInstrumentLosses && !now.Before(is.haltedUntil):
		is.haltedUntil = now.Add(cb.cooldown())
		if cb.onTrip != nil {
			go cb.onTrip(fmt.Sprintf("%s consecutive losses: %d", instrument, is.losses))
		}
	}
}

// trip opens the breaker for every instrument; caller holds mu
func (cb *CircuitBreaker) trip(now time.Time, reason string) {
	cb.state = StateOpen
	cb.lastTripTime = now
	cb.tripReason = reason

	if cb.onTrip != nil {
		go cb.onTrip(reason)
	}
}

// roll drops emissions older than an hour and clears the daily loss count
// when the UTC date changes; caller holds mu
func (cb *CircuitBreaker) roll(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := sort.Search(len(cb.signalTimes), func(i int) bool {
		return cb.signalTimes[i].After(cutoff)
	})
	if i > 0 {
		cb.signalTimes = append(cb.signalTimes[:0], cb.signalTimes[i:]...)
	}

	if day := now.UTC().Format(time.DateOnly); day != cb.lossDay {
		cb.lossDay = day
		cb.dailyLosses = 0
	}
}

// ForceReset closes the breaker and lifts every instrument halt
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveLosses = 0
	cb.tripReason = ""
	cb.instruments = make(map[string]*instrumentState)
	onReset := cb.onReset
	cb.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// State returns the book-wide breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.roll(now)

	st := Stats{
		State:             cb.state,
		ConsecutiveLosses: cb.consecutiveLosses,
		DailyLosses:       cb.dailyLosses,
		SignalsLastHour:   len(cb.signalTimes),
		TripReason:        cb.tripReason,
		LastTripTime:      cb.lastTripTime,
		InstrumentLosses:  make(map[string]int),
		HaltedUntil:       make(map[string]time.Time),
	}
	for inst, is := range cb.instruments {
		if is.losses > 0 {
			st.InstrumentLosses[inst] = is.losses
		}
		if now.Before(is.haltedUntil) {
			st.HaltedUntil[inst] = is.haltedUntil
		}
	}
	return st
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
