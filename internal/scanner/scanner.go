package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"smc-signal-engine/internal/circuit"
	"smc-signal-engine/internal/database"
	"smc-signal-engine/internal/events"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/signal"
)

// SignalSink stores emitted signals. *database.Repository implements it.
type SignalSink interface {
	SaveSignal(ctx context.Context, s *database.SignalRecord) error
}

// Option configures a Scanner
type Option func(*Scanner)

// WithBreaker withholds signals while the breaker is open
func WithBreaker(cb *circuit.CircuitBreaker) Option {
	return func(s *Scanner) { s.halt = cb }
}

// WithSink persists every emitted signal
func WithSink(sink SignalSink) Option {
	return func(s *Scanner) { s.sink = sink }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// Scanner evaluates every configured instrument on a cadence. Instruments
// run concurrently; each instrument's evaluation is sequential.
type Scanner struct {
	source   CandleSource
	pipeline *signal.Pipeline
	bus      *events.EventBus
	halt     *circuit.CircuitBreaker
	sink     SignalSink
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger

	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	lastResult *ScanResult
}

// NewScanner creates a new scanner instance
func NewScanner(cfg Config, source CandleSource, pipeline *signal.Pipeline, bus *events.EventBus, logger zerolog.Logger, opts ...Option) *Scanner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	s := &Scanner{
		source:   source,
		pipeline: pipeline,
		bus:      bus,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "scanner").Logger(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background scan loop
func (s *Scanner) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("Scanner is disabled")
		return
	}

	s.wg.Add(1)
	go s.runScanLoop(ctx)
	s.logger.Info().
		Strs("instruments", s.cfg.Instruments).
		Dur("interval", s.cfg.Interval).
		Msg("Scanner started")
}

func (s *Scanner) runScanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.scanOnce(ctx)
		case <-s.stopChan:
			s.logger.Info().Msg("Scanner stopped")
			return
		case <-ctx.Done():
			s.logger.Info().Msg("Scanner context cancelled")
			return
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	if s.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScanTimeout)
		defer cancel()
	}
	if _, err := s.Scan(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scan failed")
		if s.bus != nil {
			s.bus.PublishError("scanner", "scan failed", err)
		}
	}
}

type instrumentData struct {
	ltf, htf []market.Candle
}

// Scan runs one pass. Per-instrument failures are reported in the result;
// only cancellation fails the scan.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	start := time.Now()
	now := s.now()
	res := &ScanResult{
		ScanID:    uuid.New().String(),
		StartTime: now,
		Signals:   []*signal.TradingSignal{},
		NoSignals: []*signal.NoSignal{},
		Errors:    map[string]string{},
	}

	data, err := s.load(ctx, res)
	if err == nil {
		err = s.evaluate(ctx, now, data, res)
	}
	metrics.ObserveScan(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	sort.Slice(res.Signals, func(i, j int) bool {
		return res.Signals[i].Confidence > res.Signals[j].Confidence
	})
	sort.Slice(res.NoSignals, func(i, j int) bool {
		return res.NoSignals[i].Instrument < res.NoSignals[j].Instrument
	})
	res.InstrumentsScanned = len(data)
	res.EndTime = res.StartTime.Add(time.Since(start))
	res.Duration = time.Since(start)

	s.mu.Lock()
	s.lastResult = res
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.PublishScan(res.InstrumentsScanned, len(res.Signals), res.Duration)
	}
	s.logger.Info().
		Str("scan_id", res.ScanID).
		Int("instruments", res.InstrumentsScanned).
		Int("signals", len(res.Signals)).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Duration).
		Msg("Scan completed")
	return res, nil
}

func (s *Scanner) load(ctx context.Context, res *ScanResult) (map[string]instrumentData, error) {
	var mu sync.Mutex
	data := make(map[string]instrumentData, len(s.cfg.Instruments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for _, inst := range s.cfg.Instruments {
		g.Go(func() error {
			ltf, err := s.source.Candles(gctx, inst, s.cfg.LTF, s.cfg.LTFBars)
			var htf []market.Candle
			if err == nil {
				htf, err = s.source.Candles(gctx, inst, s.cfg.HTF, s.cfg.HTFBars)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				res.Errors[inst] = err.Error()
				s.logger.Warn().Err(err).Str("instrument", inst).Msg("Failed to load candles")
				return nil
			}
			data[inst] = instrumentData{ltf: ltf, htf: htf}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	return data, nil
}

func (s *Scanner) evaluate(ctx context.Context, now time.Time, data map[string]instrumentData, res *ScanResult) error {
	closed := make(map[string]instrumentData, len(data))
	for inst, d := range data {
		closed[inst] = instrumentData{
			ltf: market.ClosedBefore(d.ltf, market.InferInterval(d.ltf), now, s.cfg.LTFBars),
			htf: market.ClosedBefore(d.htf, market.InferInterval(d.htf), now, s.cfg.HTFBars),
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for inst, d := range closed {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			in := signal.Input{
				Instrument: inst,
				HTF:        d.htf,
				LTF:        d.ltf,
				Peers:      s.peers(inst, closed),
				Now:        now,
			}
			sig, no, err := s.pipeline.Evaluate(gctx, in)
			if err == nil && sig != nil {
				no = s.gate(sig)
				if no != nil {
					sig = nil
				}
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Errors[inst] = err.Error()
				s.logger.Warn().Err(err).Str("instrument", inst).Msg("Evaluation failed")
			case sig != nil:
				res.Signals = append(res.Signals, sig)
			case no != nil:
				res.NoSignals = append(res.NoSignals, no)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, sig := range res.Signals {
		s.emit(ctx, sig)
	}
	if s.bus != nil {
		for _, no := range res.NoSignals {
			s.bus.PublishNoSignal(no)
		}
	}
	return nil
}

// gate applies the halt breaker to a fresh signal
func (s *Scanner) gate(sig *signal.TradingSignal) *signal.NoSignal {
	if s.halt == nil {
		return nil
	}
	ok, reason := s.halt.CanEmit(sig.Instrument)
	if ok {
		s.halt.RecordSignal(sig.Instrument)
		return nil
	}
	metrics.RecordGate(sig.Instrument, string(circuit.GateHalted))
	return &signal.NoSignal{
		Instrument: sig.Instrument,
		Gate:       circuit.GateHalted,
		Reason:     reason,
		Grade:      sig.Grade,
		Score:      sig.Score,
		Direction:  sig.Direction,
		Phase:      sig.Phase,
		Confidence: sig.Confidence,
		Time:       sig.Time,
	}
}

func (s *Scanner) emit(ctx context.Context, sig *signal.TradingSignal) {
	if s.sink != nil {
		payload, err := json.Marshal(sig)
		if err == nil {
			err = s.sink.SaveSignal(ctx, &database.SignalRecord{
				ID:            sig.ID,
				Instrument:    sig.Instrument,
				Direction:     string(sig.Direction),
				Grade:         string(sig.Grade),
				RawConfidence: sig.RawConfidence,
				Confidence:    sig.Confidence,
				EntryPrice:    sig.Entry,
				StopLoss:      sig.StopLoss,
				TakeProfit:    sig.TakeProfit,
				Phase:         int(sig.Phase),
				SignalTime:    sig.Time,
				Payload:       payload,
			})
		}
		if err != nil {
			s.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("Failed to save signal")
		}
	}
	if s.bus != nil {
		s.bus.PublishSignal(sig)
	}
}

// peers returns the correlated instruments' closed LTF bars
func (s *Scanner) peers(inst string, data map[string]instrumentData) map[string][]market.Candle {
	out := map[string][]market.Candle{}
	if peer, ok := s.cfg.Peers[inst]; ok {
		if d, ok := data[peer]; ok {
			out[peer] = d.ltf
		}
		return out
	}
	for other, d := range data {
		if other != inst {
			out[other] = d.ltf
		}
	}
	return out
}

// LastResult returns the most recent scan result
func (s *Scanner) LastResult() *ScanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}

// Stop gracefully shuts down the scanner
func (s *Scanner) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.wg.Wait()
}
