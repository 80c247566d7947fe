package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/sequence"
)

func TestEventBus_SyncDelivery(t *testing.T) {
	bus := NewSyncEventBus()
	var got []EventType
	bus.Subscribe(EventPhaseChanged, func(e Event) { got = append(got, e.Type) })
	bus.SubscribeAll(func(e Event) { got = append(got, "ALL:"+e.Type) })

	bus.PublishTransition(sequence.Transition{
		Instrument: "EUR_USD",
		From:       sequence.PhaseAccumulation,
		To:         sequence.Phase(2),
		Reason:     "pool formed",
		At:         time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC),
	})
	bus.PublishRefit(calibration.CalibrationParams{A: 2, B: -1, Fitted: true, SampleCount: 30})

	assert.Equal(t, []EventType{EventPhaseChanged, "ALL:" + EventPhaseChanged, "ALL:" + EventCalibrationRefit}, got)
}

func TestEventBus_AsyncDelivery(t *testing.T) {
	bus := NewEventBus()
	var wg sync.WaitGroup
	wg.Add(1)

	var evt Event
	bus.Subscribe(EventError, func(e Event) {
		evt = e
		wg.Done()
	})
	bus.PublishError("scanner", "load failed", assert.AnError)
	wg.Wait()

	require.Equal(t, EventError, evt.Type)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, "scanner", evt.Data["source"])
	assert.Equal(t, assert.AnError.Error(), evt.Data["error"])
}
