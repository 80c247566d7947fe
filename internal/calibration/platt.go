// Package calibration maps raw confidence scores to calibrated win
// probabilities with Platt scaling fitted by gradient descent on recent
// labelled outcomes.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/state"
)

var (
	ErrFrozen = errors.New("calibrator is frozen")
)

// Config holds fitting parameters
type Config struct {
	MinSamples   int     `json:"min_samples" yaml:"min_samples" default:"30"`
	RefitEvery   int     `json:"refit_every" yaml:"refit_every" default:"50"`
	Window       int     `json:"window" yaml:"window" default:"500"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" default:"0.1"`
	Epochs       int     `json:"epochs" yaml:"epochs" default:"1000"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		MinSamples:   30,
		RefitEvery:   50,
		Window:       500,
		LearningRate: 0.1,
		Epochs:       1000,
	}
}

// Outcome is a closed trade labelled win or loss
type Outcome struct {
	SignalID      string    `json:"signal_id"`
	Instrument    string    `json:"instrument"`
	RawConfidence float64   `json:"raw_confidence"`
	Win           bool      `json:"win"`
	PnL           float64   `json:"pnl"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// CalibrationParams are the fitted Platt coefficients. They apply only
// when Fitted and SampleCount reaches the minimum.
type CalibrationParams struct {
	A           float64   `json:"a"`
	B           float64   `json:"b"`
	Fitted      bool      `json:"fitted"`
	SampleCount int       `json:"sample_count"`
	WinRate     float64   `json:"win_rate"`
	Brier       float64   `json:"brier"`
	LastFitAt   time.Time `json:"last_fit_at"`
	Version     int       `json:"version"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
}

// Calibrator owns the outcome window and the current params. Params are
// swapped under the write lock; Calibrate takes the read lock. Fits run
// one at a time under fitMu so each refit gets its own version.
type Calibrator struct {
	cfg      Config
	store    state.Store
	fitMu    sync.Mutex
	mu       sync.RWMutex
	params   CalibrationParams
	outcomes []Outcome
	sinceFit int
	frozen   bool
	onRefit  []func(CalibrationParams)
	logger   zerolog.Logger
}

// New creates an identity calibrator. store may be nil.
func New(cfg Config, store state.Store, logger zerolog.Logger) *Calibrator {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.RefitEvery <= 0 {
		cfg.RefitEvery = def.RefitEvery
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	return &Calibrator{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "calibrator").Logger(),
	}
}

// OnRefit registers a callback run after every successful fit
func (c *Calibrator) OnRefit(fn func(CalibrationParams)) {
	c.mu.Lock()
	c.onRefit = append(c.onRefit, fn)
	c.mu.Unlock()
}

// Load restores params and outcomes from the store
func (c *Calibrator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	var params CalibrationParams
	if _, err := c.store.Get(ctx, state.CalibrationKey, &params); err != nil {
		return fmt.Errorf("failed to load calibration params: %w", err)
	}
	var outcomes []Outcome
	if _, err := c.store.Get(ctx, state.OutcomesKey, &outcomes); err != nil {
		return fmt.Errorf("failed to load calibration outcomes: %w", err)
	}

	c.mu.Lock()
	c.params = params
	c.outcomes = outcomes
	c.mu.Unlock()

	c.logger.Info().
		Bool("fitted", params.Fitted).
		Int("outcomes", len(outcomes)).
		Msg("Calibration state loaded")
	return nil
}

// Calibrate maps a raw 0-100 confidence to 100·σ(A·raw/100 + B). Before a
// valid fit it returns raw unchanged.
func (c *Calibrator) Calibrate(raw float64) float64 {
	c.mu.RLock()
	p := c.params
	c.mu.RUnlock()

	if !p.Fitted || p.SampleCount < c.cfg.MinSamples {
		return raw
	}
	return math.Max(0, math.Min(100, 100*sigmoid(p.A*raw/100+p.B)))
}

// Params returns the current params
func (c *Calibrator) Params() CalibrationParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Outcomes returns a copy of the outcome window
func (c *Calibrator) Outcomes() []Outcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// Frozen returns a copy that calibrates with the current params and
// refuses new outcomes
func (c *Calibrator) Frozen() *Calibrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Calibrator{
		cfg:    c.cfg,
		params: c.params,
		frozen: true,
		logger: c.logger,
	}
}

// Record appends an outcome and refits when enough new outcomes have
// arrived. refit reports whether a fit ran.
func (c *Calibrator) Record(ctx context.Context, o Outcome) (refit bool, err error) {
	if c.frozen {
		return false, ErrFrozen
	}

	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	if len(c.outcomes) > c.cfg.Window {
		c.outcomes = c.outcomes[len(c.outcomes)-c.cfg.Window:]
	}
	c.sinceFit++
	due := len(c.outcomes) >= c.cfg.MinSamples &&
		(!c.params.Fitted && c.params.Diagnostic == "" || c.sinceFit >= c.cfg.RefitEvery)
	snapshot := make([]Outcome, len(c.outcomes))
	copy(snapshot, c.outcomes)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Put(ctx, state.OutcomesKey, snapshot, 0); err != nil {
			return false, fmt.Errorf("failed to save outcomes: %w", err)
		}
	}

	if !due {
		return false, nil
	}
	if _, err := c.Fit(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Fit refits on the current window. A degenerate sample (one class only,
// or a non-finite solution) leaves the calibrator at identity and records
// a diagnostic instead of failing.
func (c *Calibrator) Fit(ctx context.Context) (CalibrationParams, error) {
	c.fitMu.Lock()
	defer c.fitMu.Unlock()

	c.mu.RLock()
	outcomes := make([]Outcome, len(c.outcomes))
	copy(outcomes, c.outcomes)
	version := c.params.Version
	c.mu.RUnlock()

	if len(outcomes) < c.cfg.MinSamples {
		return c.Params(), nil
	}

	xs := make([]float64, len(outcomes))
	ys := make([]float64, len(outcomes))
	wins := 0
	var lastAt time.Time
	for i, o := range outcomes {
		xs[i] = o.RawConfidence / 100
		if o.Win {
			ys[i] = 1
			wins++
		}
		if o.RecordedAt.After(lastAt) {
			lastAt = o.RecordedAt
		}
	}

	params := CalibrationParams{
		SampleCount: len(outcomes),
		WinRate:     float64(wins) / float64(len(outcomes)),
		LastFitAt:   lastAt,
		Version:     version + 1,
	}

	switch {
	case wins == 0 || wins == len(outcomes):
		params.Diagnostic = "single-class sample, keeping identity"
	default:
		a, b := FitPlatt(xs, ys, c.cfg.LearningRate, c.cfg.Epochs)
		if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
			params.Diagnostic = "non-finite slope, keeping identity"
			break
		}
		params.A, params.B = a, b
		params.Fitted = true
		params.Brier = BrierScore(xs, ys, a, b)
	}

	c.mu.Lock()
	c.params = params
	c.sinceFit = 0
	hooks := c.onRefit
	c.mu.Unlock()

	if params.Fitted {
		metrics.RecordRefit("fitted")
		c.logger.Info().
			Float64("a", params.A).
			Float64("b", params.B).
			Float64("brier", params.Brier).
			Int("samples", params.SampleCount).
			Float64("win_rate", params.WinRate).
			Msg("Calibrator fitted")
		for _, fn := range hooks {
			fn(params)
		}
	} else {
		metrics.RecordRefit("identity")
		c.logger.Warn().
			Str("diagnostic", params.Diagnostic).
			Int("samples", params.SampleCount).
			Msg("Calibration fit skipped")
	}

	if c.store != nil {
		if err := c.store.Put(ctx, state.CalibrationKey, params, 0); err != nil {
			return params, fmt.Errorf("failed to save calibration params: %w", err)
		}
	}
	return params, nil
}

// FitPlatt minimises mean log-loss of σ(a·x+b) by batch gradient descent
// starting from a=b=0. z is clamped to ±20.
func FitPlatt(xs, ys []float64, lr float64, epochs int) (a, b float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	for e := 0; e < epochs; e++ {
		var ga, gb float64
		for i, x := range xs {
			err := sigmoid(a*x+b) - ys[i]
			ga += err * x
			gb += err
		}
		a -= lr * ga / n
		b -= lr * gb / n
	}
	return a, b
}

// BrierScore is the mean squared error of the fitted probabilities
func BrierScore(xs, ys []float64, a, b float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for i, x := range xs {
		d := sigmoid(a*x+b) - ys[i]
		total += d * d
	}
	return total / float64(len(xs))
}

func sigmoid(z float64) float64 {
	z = math.Max(-20, math.Min(20, z))
	return 1 / (1 + math.Exp(-z))
}
