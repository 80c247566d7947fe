package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/signal"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, *Notification) error { return errors.New("down") }
func (failingNotifier) Name() string                               { return "failing" }
func (failingNotifier) IsEnabled() bool                            { return true }

func testSignal() *signal.TradingSignal {
	return &signal.TradingSignal{
		ID:         "sig-1",
		Instrument: "EUR_USD",
		Direction:  market.Long,
		Grade:      confluence.GradeA,
		Confidence: 78.5,
		Entry:      1.1010,
		StopLoss:   1.0990,
		TakeProfit: 1.1050,
		RiskReward: 2,
		PhaseName:  "MANIPULATION",
		CreatedAt:  time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestKafkaNotifier_PublishesSignalKeyedByInstrument(t *testing.T) {
	w := &fakeWriter{}
	k := newKafkaNotifier(w, "smc.signals")

	m := NewManager(zerolog.Nop())
	m.AddNotifier(k)
	require.NoError(t, m.SendSignal(context.Background(), testSignal()))
	require.NoError(t, m.SendError(context.Background(), "scan failed", "boom"))

	require.Len(t, w.msgs, 1, "only signal notifications go to kafka")
	msg := w.msgs[0]
	assert.Equal(t, "smc.signals", msg.Topic)
	assert.Equal(t, "EUR_USD", string(msg.Key))

	var got signal.TradingSignal
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "sig-1", got.ID)
	assert.Equal(t, 1.1050, got.TakeProfit)
}

func TestKafkaNotifier_Disabled(t *testing.T) {
	k, err := NewKafkaNotifier(KafkaConfig{Topic: "smc.signals"})
	require.NoError(t, err)
	assert.False(t, k.IsEnabled())
	assert.NoError(t, k.Send(context.Background(), &Notification{Type: NotifySignal, Signal: testSignal()}))

	_, err = NewKafkaNotifier(KafkaConfig{Enabled: true})
	assert.Error(t, err)
}

func TestManager_JoinsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	m := NewManager(zerolog.Nop())
	m.AddNotifier(NewLogNotifier(zerolog.Nop()))
	m.AddNotifier(newKafkaNotifier(w, "smc.signals"))
	m.AddNotifier(failingNotifier{})

	err := m.SendSignal(context.Background(), testSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
	assert.Contains(t, err.Error(), "failing")

	m.SetEnabled(false)
	assert.NoError(t, m.SendSignal(context.Background(), testSignal()))
}

func TestDiscordNotifier(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true, Username: "SMC Signals"})
	m := NewManager(zerolog.Nop())
	m.AddNotifier(d)
	require.NoError(t, m.SendSignal(context.Background(), testSignal()))

	embeds := body["embeds"].([]interface{})
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]interface{})
	assert.Equal(t, "BUY EUR_USD [A]", embed["title"])
	assert.Equal(t, "SMC Signals", body["username"])
	fields := embed["fields"].([]interface{})
	require.Len(t, fields, 6)
	entry := fields[3].(map[string]interface{})
	assert.Equal(t, "1.10100", entry["value"])

	assert.False(t, NewDiscordNotifier(DiscordConfig{Enabled: true}).IsEnabled())
}

func TestDiscordNotifier_MinGradeAndRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true, MinGrade: confluence.GradeAPlus})
	n := &Notification{Type: NotifySignal, Title: "t", Signal: testSignal(), Timestamp: time.Now()}
	require.NoError(t, d.Send(context.Background(), n))
	assert.Equal(t, 0, calls, "grade A is below the A+ floor")

	n.Signal.Grade = confluence.GradeAPlus
	err := d.Send(context.Background(), n)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "retry after 2s")
	assert.Equal(t, 1, calls)
}

func TestManager_SubscribeForwardsBusSignals(t *testing.T) {
	w := &fakeWriter{}
	m := NewManager(zerolog.Nop())
	m.AddNotifier(newKafkaNotifier(w, "smc.signals"))

	bus := events.NewSyncEventBus()
	m.Subscribe(bus)
	bus.PublishSignal(testSignal())
	bus.PublishError("scanner", "ignored", nil)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "EUR_USD", string(w.msgs[0].Key))
}

func TestEmailNotifier(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	e := NewEmailNotifier(EmailConfig{
		Enabled:  true,
		Host:     "smtp.example.com",
		Port:     "587",
		From:     "alerts@example.com",
		FromName: "SMC Signal Engine",
		To:       []string{"desk@example.com"},
	})
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Nil(t, a, "no username means no auth")
		return nil
	}

	m := NewManager(zerolog.Nop())
	m.AddNotifier(e)
	require.NoError(t, m.SendSignal(context.Background(), testSignal()))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"desk@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: BUY EUR_USD [A]\r\n")
	assert.Contains(t, gotMsg, "From: SMC Signal Engine <alerts@example.com>")
	assert.Contains(t, gotMsg, "MANIPULATION")

	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay denied") }
	assert.ErrorContains(t, e.Send(context.Background(), &Notification{Title: "x"}), "relay denied")

	assert.False(t, NewEmailNotifier(EmailConfig{Enabled: true, Host: "smtp.example.com"}).IsEnabled())
}

func TestManager_SubscribeForwardsErrors(t *testing.T) {
	var got []*Notification
	rec := recordingNotifier{fn: func(n *Notification) { got = append(got, n) }}
	m := NewManager(zerolog.Nop())
	m.AddNotifier(rec)

	bus := events.NewSyncEventBus()
	m.Subscribe(bus)
	bus.PublishError("circuit", "signal emission halted", errors.New("5 consecutive losses"))

	require.Len(t, got, 1)
	assert.Equal(t, NotifyError, got[0].Type)
	assert.Equal(t, "SMC engine error: circuit", got[0].Title)
	assert.Equal(t, "signal emission halted: 5 consecutive losses", got[0].Message)
}

type recordingNotifier struct {
	fn func(*Notification)
}

func (r recordingNotifier) Send(_ context.Context, n *Notification) error {
	r.fn(n)
	return nil
}
func (recordingNotifier) Name() string    { return "recording" }
func (recordingNotifier) IsEnabled() bool { return true }
