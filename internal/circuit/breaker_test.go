package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	clk := &clock{t: time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)}
	return newCircuitBreaker(cfg, clk.now), clk
}

func TestCircuitBreaker_TripsOnConsecutiveLosses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 3
	cfg.MaxInstrumentLosses = 10
	cfg.CooldownMinutes = 30
	cb, clk := newTestBreaker(cfg)

	cb.RecordOutcome("EUR_USD", false)
	cb.RecordOutcome("GBP_USD", false)
	ok, _ := cb.CanEmit("XAU_USD")
	assert.True(t, ok)

	cb.RecordOutcome("EUR_USD", false)
	ok, reason := cb.CanEmit("XAU_USD")
	assert.False(t, ok)
	assert.Contains(t, reason, "consecutive losses: 3")
	assert.Equal(t, StateOpen, cb.State())

	clk.advance(31 * time.Minute)
	ok, _ = cb.CanEmit("XAU_USD")
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordOutcome("XAU_USD", true)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().ConsecutiveLosses)
}

func TestCircuitBreaker_LossInHalfOpenReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 2
	cfg.CooldownMinutes = 10
	cb, clk := newTestBreaker(cfg)

	cb.RecordOutcome("EUR_USD", false)
	cb.RecordOutcome("EUR_USD", false)
	clk.advance(11 * time.Minute)
	ok, _ := cb.CanEmit("GBP_USD")
	assert.True(t, ok)

	cb.RecordOutcome("GBP_USD", false)
	ok, reason := cb.CanEmit("GBP_USD")
	assert.False(t, ok)
	assert.Contains(t, reason, "loss after cooldown")
}

func TestCircuitBreaker_HaltsOnlyTheLosingInstrument(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInstrumentLosses = 2
	cfg.MaxConsecutiveLosses = 5
	cfg.CooldownMinutes = 60
	cb, clk := newTestBreaker(cfg)

	tripped := make(chan string, 1)
	cb.OnTrip(func(reason string) { tripped <- reason })

	cb.RecordOutcome("USD_JPY", false)
	cb.RecordOutcome("USD_JPY", false)

	select {
	case reason := <-tripped:
		assert.Contains(t, reason, "USD_JPY")
	case <-time.After(time.Second):
		t.Fatal("trip callback not called")
	}

	ok, reason := cb.CanEmit("USD_JPY")
	assert.False(t, ok)
	assert.Contains(t, reason, "USD_JPY halted after 2 losses")

	ok, _ = cb.CanEmit("EUR_USD")
	assert.True(t, ok, "other instruments keep trading")
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Stats()
	assert.Equal(t, 2, st.InstrumentLosses["USD_JPY"])
	assert.Contains(t, st.HaltedUntil, "USD_JPY")

	clk.advance(61 * time.Minute)
	ok, _ = cb.CanEmit("USD_JPY")
	assert.True(t, ok)

	cb.RecordOutcome("USD_JPY", true)
	assert.Empty(t, cb.Stats().InstrumentLosses)

	cb.RecordOutcome("USD_JPY", false)
	assert.Empty(t, cb.Stats().HaltedUntil, "one loss after a win is below the limit")
}

func TestCircuitBreaker_HourlyWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSignalsPerHour = 2
	cb, clk := newTestBreaker(cfg)

	cb.RecordSignal("EUR_USD")
	clk.advance(40 * time.Minute)
	cb.RecordSignal("GBP_USD")
	ok, reason := cb.CanEmit("EUR_USD")
	assert.False(t, ok)
	assert.Contains(t, reason, "2 signals/hour")

	// the first emission leaves the window, the second stays
	clk.advance(21 * time.Minute)
	ok, _ = cb.CanEmit("EUR_USD")
	assert.True(t, ok)
	assert.Equal(t, 1, cb.Stats().SignalsLastHour)
}

func TestCircuitBreaker_DailyLossesResetAtMidnight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDailyLosses = 2
	cfg.MaxConsecutiveLosses = 10
	cfg.MaxInstrumentLosses = 10
	cfg.CooldownMinutes = 0
	cb, clk := newTestBreaker(cfg)

	cb.RecordOutcome("EUR_USD", false)
	assert.Equal(t, 1, cb.Stats().DailyLosses)

	clk.advance(15 * time.Hour)
	assert.Equal(t, 0, cb.Stats().DailyLosses)
}

func TestCircuitBreaker_ForceReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveLosses = 1
	cfg.MaxInstrumentLosses = 1
	cb, _ := newTestBreaker(cfg)

	cb.RecordOutcome("EUR_USD", false)
	assert.Equal(t, StateOpen, cb.State())

	cb.ForceReset()
	assert.Equal(t, StateClosed, cb.State())
	ok, _ := cb.CanEmit("EUR_USD")
	assert.True(t, ok)
	assert.Empty(t, cb.Stats().InstrumentLosses)
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.MaxConsecutiveLosses = 1
	cb := NewCircuitBreaker(cfg)

	cb.RecordOutcome("EUR_USD", false)
	cb.RecordOutcome("EUR_USD", false)
	ok, _ := cb.CanEmit("EUR_USD")
	assert.True(t, ok)
	assert.Equal(t, StateClosed, cb.State())
}
