package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/signal"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal  NotificationType = "signal"
	NotifyOutcome NotificationType = "outcome"
	NotifyError   NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType       `json:"type"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Instrument string                 `json:"instrument,omitempty"`
	Signal     *signal.TradingSignal  `json:"signal,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider
type Manager struct {
	notifiers []Notifier
	enabled   bool
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		timeout:   10 * time.Second,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// SetEnabled turns delivery on or off
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled = enabled
}

// Send delivers to every enabled provider and joins their errors
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		err := p.Send(ctx, n)
		metrics.RecordNotification(p.Name(), err)
		if err != nil {
			m.logger.Warn().Err(err).Str("notifier", p.Name()).Str("type", string(n.Type)).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SendSignal sends a trading signal notification
func (m *Manager) SendSignal(ctx context.Context, sig *signal.TradingSignal) error {
	side := "BUY"
	if sig.Direction == market.Short {
		side = "SELL"
	}
	return m.Send(ctx, &Notification{
		Type:       NotifySignal,
		Title:      fmt.Sprintf("%s %s [%s]", side, sig.Instrument, sig.Grade),
		Message:    fmt.Sprintf("Entry %.5f | SL %.5f | TP %.5f | R:R %.2f | Confidence %.1f%%", sig.Entry, sig.StopLoss, sig.TakeProfit, sig.RiskReward, sig.Confidence),
		Instrument: sig.Instrument,
		Signal:     sig,
		Timestamp:  sig.CreatedAt,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}

// Subscribe forwards generated signals and errors from the bus
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventSignalGenerated, func(e events.Event) {
		sig, ok := e.Data["signal"].(*signal.TradingSignal)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.SendSignal(ctx, sig); err != nil {
			m.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to deliver signal")
		}
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		source, _ := e.Data["source"].(string)
		message, _ := e.Data["message"].(string)
		if cause, ok := e.Data["error"].(string); ok {
			message += ": " + cause
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.SendError(ctx, "SMC engine error: "+source, message); err != nil {
			m.logger.Error().Err(err).Str("source", source).Msg("Failed to deliver error notification")
		}
	})
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify_log").Logger()}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) IsEnabled() bool {
	return true
}

func (l *LogNotifier) Send(_ context.Context, n *Notification) error {
	l.logger.Info().
		Str("type", string(n.Type)).
		Str("instrument", n.Instrument).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}
