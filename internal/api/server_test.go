package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smc-signal-engine/internal/auth"
	"smc-signal-engine/internal/backtest"
	"smc-signal-engine/internal/calibration"
	"smc-signal-engine/internal/circuit"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/market/markettest"
	"smc-signal-engine/internal/sequence"
	"smc-signal-engine/internal/signal"
	"smc-signal-engine/internal/state"
)

type fakeRepo struct {
	mu        sync.Mutex
	healthErr error
	signals   []database.SignalRecord
	outcomes  map[string]database.SignalOutcome
	runs      []database.BacktestRun
	trades    [][]database.BacktestTrade
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{outcomes: map[string]database.SignalOutcome{}}
}

func (f *fakeRepo) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeRepo) SaveSignal(_ context.Context, s *database.SignalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, *s)
	return nil
}

func (f *fakeRepo) GetSignals(_ context.Context, instrument string, _ int) ([]database.SignalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []database.SignalRecord{}
	for i := len(f.signals) - 1; i >= 0; i-- {
		if instrument == "" || f.signals[i].Instrument == instrument {
			out = append(out, f.signals[i])
		}
	}
	return out, nil
}

func (f *fakeRepo) SaveOutcome(_ context.Context, o *database.SignalOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.outcomes[o.SignalID]; ok {
		return database.ErrDuplicateOutcome
	}
	f.outcomes[o.SignalID] = *o
	return nil
}

func (f *fakeRepo) SaveBacktestRun(_ context.Context, run *database.BacktestRun, trades []database.BacktestTrade, _ []database.WalkForwardWindow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.ID = int64(len(f.runs) + 1)
	f.runs = append(f.runs, *run)
	f.trades = append(f.trades, trades)
	return run.ID, nil
}

func (f *fakeRepo) GetBacktestRuns(context.Context, string, int) ([]database.BacktestRun, error) {
	return f.runs, nil
}

func (f *fakeRepo) GetBacktestRun(_ context.Context, id int64) (*database.BacktestRun, error) {
	if id < 1 || int(id) > len(f.runs) {
		return nil, database.ErrNotFound
	}
	return &f.runs[id-1], nil
}

func (f *fakeRepo) GetBacktestTrades(_ context.Context, id int64) ([]database.BacktestTrade, error) {
	return f.trades[id-1], nil
}

func (f *fakeRepo) GetWalkForwardWindows(context.Context, int64) ([]database.WalkForwardWindow, error) {
	return nil, nil
}

type harness struct {
	server  *Server
	repo    *fakeRepo
	bus     *events.EventBus
	breaker *circuit.CircuitBreaker
	events  []events.Event
	mu      sync.Mutex
}

func newHarness(t *testing.T, jwt *auth.JWTManager, withRepo bool) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := state.NewMemoryStore()
	log := zerolog.Nop()
	cfg := signal.DefaultConfig()
	cfg.MinConfidence = 0
	pipeline := signal.NewPipeline(cfg, signal.Deps{
		Tracker:    sequence.NewTracker(store, sequence.DefaultConfig(), log),
		Calibrator: calibration.New(calibration.DefaultConfig(), store, log),
		IDs:        signal.DeterministicID(1),
	}, log)

	cbCfg := circuit.DefaultConfig()
	cbCfg.MaxConsecutiveLosses = 1
	h := &harness{
		bus:     events.NewSyncEventBus(),
		breaker: circuit.NewCircuitBreaker(cbCfg),
	}
	h.bus.SubscribeAll(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	deps := Deps{Pipeline: pipeline, Bus: h.bus, Breaker: h.breaker, JWT: jwt}
	if withRepo {
		h.repo = newFakeRepo()
		deps.Repo = h.repo
	}
	scfg := DefaultServerConfig()
	scfg.RatePerMinute = 6000
	scfg.RateBurst = 1000
	h.server = NewServer(scfg, deps, log)
	return h
}

func (h *harness) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

func (h *harness) eventTypes() []events.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.EventType
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func history(n int) ([]market.Candle, []market.Candle) {
	ltf := markettest.RandomWalk(5, n, markettest.Start, 5*time.Minute, 1.1, 0.0008)
	return ltf, markettest.Resample(ltf, 12)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil, false)
	w := h.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"disabled"`)

	h = newHarness(t, nil, true)
	h.repo.healthErr = errors.New("connection refused")
	w = h.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil, false)
	w := h.do(http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestEvaluate(t *testing.T) {
	h := newHarness(t, nil, true)

	w := h.do(http.MethodPost, "/api/signals/evaluate", map[string]any{"instrument": "eur_usd"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, decode(t, w).Error)

	ltf, htf := history(800)
	w = h.do(http.MethodPost, "/api/signals/evaluate", signal.Input{Instrument: "eur_usd", LTF: ltf, HTF: htf}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Signal   *signal.TradingSignal `json:"signal"`
		NoSignal *signal.NoSignal      `json:"no_signal"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	require.True(t, (out.Signal == nil) != (out.NoSignal == nil))

	if out.Signal != nil {
		assert.Equal(t, "EUR_USD", out.Signal.Instrument)
		require.Len(t, h.repo.signals, 1)
		assert.Equal(t, out.Signal.ID, h.repo.signals[0].ID)
		assert.Contains(t, h.eventTypes(), events.EventSignalGenerated)
	} else {
		assert.Empty(t, h.repo.signals)
		assert.Contains(t, h.eventTypes(), events.EventNoSignal)
	}

	// a forming bar is a look-ahead
	w = h.do(http.MethodPost, "/api/signals/evaluate", signal.Input{
		Instrument: "EUR_USD", LTF: ltf, HTF: htf, Now: ltf[len(ltf)-1].Time,
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSignals(t *testing.T) {
	h := newHarness(t, nil, true)
	h.repo.signals = []database.SignalRecord{
		{ID: "a", Instrument: "EUR_USD"},
		{ID: "b", Instrument: "GBP_USD"},
		{ID: "c", Instrument: "EUR_USD"},
	}

	w := h.do(http.MethodGet, "/api/signals?instrument=eur_usd", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out []database.SignalRecord
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ID)

	noDB := newHarness(t, nil, false)
	w = noDB.do(http.MethodGet, "/api/signals", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSequenceAndCalibration(t *testing.T) {
	h := newHarness(t, nil, false)

	w := h.do(http.MethodGet, "/api/sequence/eur_usd", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"instrument":"EUR_USD"`)

	w = h.do(http.MethodGet, "/api/calibration", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Params   calibration.CalibrationParams `json:"params"`
		Outcomes int                           `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.False(t, out.Params.Fitted)
	assert.Zero(t, out.Outcomes)
}

func TestRecordOutcome(t *testing.T) {
	h := newHarness(t, nil, true)
	body := OutcomeRequest{SignalID: "sig-1", Instrument: "eur_usd", RawConfidence: 72, Win: false, PnL: -40}

	w := h.do(http.MethodPost, "/api/outcomes", body, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "EUR_USD", h.repo.outcomes["sig-1"].Instrument)
	assert.Len(t, h.server.calibrator.Outcomes(), 1)
	assert.Equal(t, circuit.StateOpen, h.breaker.State())
	assert.Contains(t, h.eventTypes(), events.EventOutcomeRecorded)

	w = h.do(http.MethodPost, "/api/outcomes", body, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, h.server.calibrator.Outcomes(), 1)

	w = h.do(http.MethodPost, "/api/outcomes", map[string]any{"instrument": "EUR_USD"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/circuit/reset", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuit.StateClosed, h.breaker.State())
}

func TestAuthScopes(t *testing.T) {
	jwt, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)
	h := newHarness(t, jwt, false)

	reader, _ := jwt.GenerateToken("dashboard", auth.ScopeRead)
	writer, _ := jwt.GenerateToken("desk", auth.ScopeRead, auth.ScopeWrite)
	body := OutcomeRequest{SignalID: "sig-2", Instrument: "GBP_USD", RawConfidence: 80, Win: true}

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/calibration", nil, "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/calibration", nil, reader).Code)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/outcomes", body, reader).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/outcomes", body, writer).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", nil, "").Code)
}

func TestBacktestRoutes(t *testing.T) {
	h := newHarness(t, nil, true)
	ltf, htf := history(700)
	req := map[string]any{
		"instrument": "EUR_USD",
		"config":     map[string]any{"warmup": 150, "signal_interval": 3},
		"data":       backtest.Data{LTF: ltf, HTF: htf},
		"persist":    true,
	}

	w := h.do(http.MethodPost, "/api/backtest", req, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		ID     int64            `json:"id"`
		Result *backtest.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.Equal(t, int64(1), out.ID)
	assert.Equal(t, 150, out.Result.FromBar)
	require.Len(t, h.repo.runs, 1)
	assert.Equal(t, out.Result.RunID, h.repo.runs[0].RunID)
	assert.Contains(t, h.eventTypes(), events.EventBacktestCompleted)

	w = h.do(http.MethodGet, "/api/backtests", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), out.Result.RunID)

	w = h.do(http.MethodGet, "/api/backtests/1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/api/backtests/9", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(http.MethodGet, "/api/backtests/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req["config"] = map[string]any{"initial_capital": -1}
	w = h.do(http.MethodPost, "/api/backtest", req, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	noRepo := newHarness(t, nil, false)
	req["config"] = nil
	w = noRepo.do(http.MethodPost, "/api/backtest", req, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = noRepo.do(http.MethodGet, "/api/backtests", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWalkForwardRoute(t *testing.T) {
	h := newHarness(t, nil, false)
	ltf, htf := history(700)
	req := map[string]any{
		"instrument":   "EUR_USD",
		"config":       map[string]any{"warmup": 100, "signal_interval": 3},
		"walk_forward": map[string]any{"train_bars": 400, "test_bars": 150, "max_parallel": 2},
		"data":         backtest.Data{LTF: ltf, HTF: htf},
	}

	w := h.do(http.MethodPost, "/api/walkforward", req, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Result *backtest.WalkForwardResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &out))
	assert.Len(t, out.Result.Windows, 2)

	req["walk_forward"] = map[string]any{"train_bars": 600, "test_bars": 400}
	w = h.do(http.MethodPost, "/api/walkforward", req, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.hub.Run(ctx)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signals"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "CONNECTED")

	h.bus.PublishOutcome(calibration.Outcome{SignalID: "sig-3", Instrument: "EUR_USD", Win: true}, false)
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), string(events.EventOutcomeRecorded))
	assert.Equal(t, 1, h.server.hub.ClientCount())
}

func TestWebSocketStreamFilters(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.server.hub.Run(ctx)

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signals"

	_, resp, err := websocket.DefaultDialer.Dial(base+"?type=BOGUS", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?instrument=gbp_usd&type=OUTCOME_RECORDED", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "GBP_USD")

	h.bus.PublishOutcome(calibration.Outcome{SignalID: "sig-eur", Instrument: "EUR_USD"}, false)
	h.bus.PublishRefit(calibration.CalibrationParams{Version: 2})
	h.bus.PublishOutcome(calibration.Outcome{SignalID: "sig-gbp", Instrument: "GBP_USD"}, false)

	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "sig-gbp")
	assert.NotContains(t, string(msg), "sig-eur")
}

func TestStreamFilterMatches(t *testing.T) {
	f := streamFilter{
		instruments: map[string]bool{"EUR_USD": true},
		types:       map[events.EventType]bool{events.EventSignalGenerated: true},
	}
	assert.True(t, f.matches(frame{eventType: events.EventSignalGenerated, instrument: "EUR_USD"}))
	assert.False(t, f.matches(frame{eventType: events.EventSignalGenerated, instrument: "XAU_USD"}))
	assert.False(t, f.matches(frame{eventType: events.EventNoSignal, instrument: "EUR_USD"}))

	all := streamFilter{}
	assert.True(t, all.matches(frame{eventType: events.EventScanCompleted}))
}
