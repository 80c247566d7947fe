package events

import (
	"sync"
	"time"

	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/sequence"
	"smc-signal-engine/internal/signal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated   EventType = "SIGNAL_GENERATED"
	EventNoSignal          EventType = "NO_SIGNAL"
	EventPhaseChanged      EventType = "PHASE_CHANGED"
	EventCalibrationRefit  EventType = "CALIBRATION_REFIT"
	EventOutcomeRecorded   EventType = "OUTCOME_RECORDED"
	EventScanCompleted     EventType = "SCAN_COMPLETED"
	EventBacktestCompleted EventType = "BACKTEST_COMPLETED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	sync        bool
	now         func() time.Time
}

// NewEventBus creates a new event bus. Subscribers run on their own
// goroutine so a slow one never blocks the publisher.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		now:         time.Now,
	}
}

// NewSyncEventBus creates a bus that calls subscribers inline, in
// registration order
func NewSyncEventBus() *EventBus {
	eb := NewEventBus()
	eb.sync = true
	return eb
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	subs := append([]Subscriber(nil), eb.subscribers[event.Type]...)
	subs = append(subs, eb.allSubs...)
	eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now()
	}

	for _, sub := range subs {
		if eb.sync {
			sub(event)
		} else {
			go sub(event)
		}
	}
}

// PublishSignal publishes a generated signal
func (eb *EventBus) PublishSignal(sig *signal.TradingSignal) {
	eb.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"signal_id":  sig.ID,
			"instrument": sig.Instrument,
			"direction":  string(sig.Direction),
			"grade":      string(sig.Grade),
			"confidence": sig.Confidence,
			"signal":     sig,
		},
	})
}

// PublishNoSignal publishes the gate that stopped an evaluation
func (eb *EventBus) PublishNoSignal(no *signal.NoSignal) {
	eb.Publish(Event{
		Type: EventNoSignal,
		Data: map[string]interface{}{
			"instrument": no.Instrument,
			"gate":       string(no.Gate),
			"reason":     no.Reason,
			"grade":      string(no.Grade),
		},
	})
}

// PublishTransition publishes a sequence phase change
func (eb *EventBus) PublishTransition(tr sequence.Transition) {
	eb.Publish(Event{
		Type: EventPhaseChanged,
		Data: map[string]interface{}{
			"instrument": tr.Instrument,
			"from":       tr.From.Name(),
			"to":         tr.To.Name(),
			"reason":     tr.Reason,
			"at":         tr.At,
		},
	})
}

// PublishRefit publishes new calibration params
func (eb *EventBus) PublishRefit(p calibration.CalibrationParams) {
	eb.Publish(Event{
		Type: EventCalibrationRefit,
		Data: map[string]interface{}{
			"a":        p.A,
			"b":        p.B,
			"samples":  p.SampleCount,
			"brier":    p.Brier,
			"win_rate": p.WinRate,
			"version":  p.Version,
		},
	})
}

// PublishOutcome publishes a recorded signal outcome
func (eb *EventBus) PublishOutcome(o calibration.Outcome, refit bool) {
	eb.Publish(Event{
		Type: EventOutcomeRecorded,
		Data: map[string]interface{}{
			"signal_id":  o.SignalID,
			"instrument": o.Instrument,
			"win":        o.Win,
			"pnl":        o.PnL,
			"refit":      refit,
		},
	})
}

// PublishScan publishes a scan summary
func (eb *EventBus) PublishScan(instruments, signals int, took time.Duration) {
	eb.Publish(Event{
		Type: EventScanCompleted,
		Data: map[string]interface{}{
			"instruments": instruments,
			"signals":     signals,
			"duration_ms": took.Milliseconds(),
		},
	})
}

// PublishBacktest publishes a finished backtest run
func (eb *EventBus) PublishBacktest(runID, instrument string, trades int, returnPct float64) {
	eb.Publish(Event{
		Type: EventBacktestCompleted,
		Data: map[string]interface{}{
			"run_id":           runID,
			"instrument":       instrument,
			"trades":           trades,
			"total_return_pct": returnPct,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// Attach forwards tracker transitions and calibrator refits onto the bus
func (eb *EventBus) Attach(tracker *sequence.Tracker, cal *calibration.Calibrator) {
	if tracker != nil {
		tracker.OnTransition(eb.PublishTransition)
	}
	if cal != nil {
		cal.OnRefit(eb.PublishRefit)
	}
}
