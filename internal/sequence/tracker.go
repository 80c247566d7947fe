// Package sequence tracks each instrument through the five phase
// accumulation, manipulation, displacement, retracement, continuation
// cycle. One transition is evaluated per scan and the state lives in an
// injected state.Store.
package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smc-signal-engine/internal/analysis"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/metrics"
	"smc-signal-engine/internal/state"
)

// Phase is a step of the institutional cycle, 1 to 5
type Phase int

const (
	PhaseAccumulation Phase = iota + 1
	PhaseManipulation
	PhaseDisplacement
	PhaseRetracement
	PhaseContinuation
)

// StateTTL bounds how long an idle instrument's state survives in the store
const StateTTL = 7 * 24 * time.Hour

var phaseNames = map[Phase]string{
	PhaseAccumulation: "ACCUMULATION",
	PhaseManipulation: "MANIPULATION",
	PhaseDisplacement: "DISPLACEMENT",
	PhaseRetracement:  "RETRACEMENT",
	PhaseContinuation: "CONTINUATION",
}

var phaseModifiers = map[Phase]int{
	PhaseAccumulation: -20,
	PhaseManipulation: -10,
	PhaseDisplacement: 5,
	PhaseRetracement:  15,
	PhaseContinuation: 0,
}

// Name returns the phase label
func (p Phase) Name() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("PHASE_%d", int(p))
}

func (p Phase) String() string { return p.Name() }

// Modifier is the confidence adjustment for a signal raised in this phase
func (p Phase) Modifier() int {
	return phaseModifiers[p]
}

// Valid reports whether p is one of the five phases
func (p Phase) Valid() bool {
	return p >= PhaseAccumulation && p <= PhaseContinuation
}

// Next returns the following phase, wrapping 5 to 1
func (p Phase) Next() Phase {
	if p >= PhaseContinuation || !p.Valid() {
		return PhaseAccumulation
	}
	return p + 1
}

// ValidTransition reports whether from may move to to in one scan.
// Staying put, advancing one step, or resetting to accumulation are the
// only legal moves.
func ValidTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to == from || to == from.Next() || to == PhaseAccumulation
}

// SequenceState is the persisted per-instrument cycle position
type SequenceState struct {
	Instrument   string           `json:"instrument"`
	Phase        Phase            `json:"phase"`
	Direction    market.Direction `json:"direction,omitempty"`
	EnteredAt    time.Time        `json:"entered_at"`
	ScansInPhase int              `json:"scans_in_phase"`
	SweepTime    time.Time        `json:"sweep_time"`
	SweepPrice   float64          `json:"sweep_price"`
	Cycles       int              `json:"cycles"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Transition records a phase change
type Transition struct {
	Instrument string    `json:"instrument"`
	From       Phase     `json:"from"`
	To         Phase     `json:"to"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Config holds tracker settings
type Config struct {
	MaxPhaseScans int `json:"max_phase_scans" yaml:"max_phase_scans" default:"24"`
}

// DefaultConfig returns the tracker defaults
func DefaultConfig() Config {
	return Config{MaxPhaseScans: 24}
}

// Evaluate computes the next state from the current state and the latest
// analysis. It is pure; Tracker handles persistence and locking.
func Evaluate(st SequenceState, a *analysis.SMCAnalysis, cfg Config) (SequenceState, string) {
	if a == nil || a.Insufficient {
		return st, ""
	}
	if !st.Phase.Valid() {
		st.Phase = PhaseAccumulation
	}

	next := st
	next.ScansInPhase++
	next.UpdatedAt = a.Time

	moveTo := func(p Phase, reason string) (SequenceState, string) {
		next.Phase = p
		next.EnteredAt = a.Time
		next.ScansInPhase = 0
		if p == PhaseAccumulation {
			next.Direction = ""
		}
		return next, reason
	}

	if st.Phase == PhaseAccumulation {
		if s := a.Sweep; s != nil && s.Valid && s.Time.After(st.SweepTime) {
			next.Direction = s.Direction
			next.SweepTime = s.Time
			next.SweepPrice = s.Pool.Price
			return moveTo(PhaseManipulation, fmt.Sprintf("%s liquidity swept at %.5f", s.Pool.Side, s.Pool.Price))
		}
		return next, ""
	}

	if st.Phase == PhaseContinuation {
		next.Cycles++
		return moveTo(PhaseAccumulation, "cycle complete")
	}

	bias := analysis.BiasOf(st.Direction)

	if ev := latestEventSince(a, st.EnteredAt); ev != nil && ev.Direction != bias {
		return moveTo(PhaseAccumulation, fmt.Sprintf("%s %s contradicts %s phase", ev.Direction, ev.Kind, st.Phase.Name()))
	}

	maxScans := cfg.MaxPhaseScans
	if maxScans <= 0 {
		maxScans = 24
	}
	if next.ScansInPhase > maxScans {
		return moveTo(PhaseAccumulation, fmt.Sprintf("stale after %d scans in %s", maxScans, st.Phase.Name()))
	}

	switch st.Phase {
	case PhaseManipulation:
		if displacedSince(a, st, bias) && chochSince(a, st.SweepTime, bias) {
			return moveTo(PhaseDisplacement, "displacement with CHoCH after sweep")
		}
	case PhaseDisplacement:
		if a.InAlignedZone(bias) {
			return moveTo(PhaseRetracement, "price retraced into aligned zone")
		}
	case PhaseRetracement:
		if ev := eventSince(a, st.EnteredAt, bias, analysis.BOS); ev != nil {
			return moveTo(PhaseContinuation, fmt.Sprintf("BOS at %.5f", ev.Level))
		}
	}

	return next, ""
}

func latestEventSince(a *analysis.SMCAnalysis, since time.Time) *analysis.StructureEvent {
	ev := a.LTFStructure.LastEvent()
	if ev == nil || !ev.Time.After(since) {
		return nil
	}
	return ev
}

func eventSince(a *analysis.SMCAnalysis, since time.Time, bias analysis.Bias, kind analysis.StructureKind) *analysis.StructureEvent {
	if a.LTFStructure == nil {
		return nil
	}
	for i := len(a.LTFStructure.Events) - 1; i >= 0; i-- {
		e := &a.LTFStructure.Events[i]
		if !e.Time.After(since) {
			break
		}
		if e.Direction == bias && e.Kind == kind {
			return e
		}
	}
	return nil
}

func chochSince(a *analysis.SMCAnalysis, since time.Time, bias analysis.Bias) bool {
	if a.LTFStructure == nil {
		return false
	}
	for _, e := range a.LTFStructure.Events {
		if e.Kind == analysis.CHoCH && e.Direction == bias && !e.Time.Before(since) {
			return true
		}
	}
	return false
}

func displacedSince(a *analysis.SMCAnalysis, st SequenceState, bias analysis.Bias) bool {
	if d := a.Displacement; d != nil && d.Direction == bias && !d.Time.Before(st.SweepTime) {
		return true
	}
	if s := a.Sweep; s != nil && s.Time.Equal(st.SweepTime) && s.DisplacementAfter {
		return true
	}
	return false
}

// Observer is notified after a persisted phase change
type Observer func(Transition)

// Tracker persists SequenceState per instrument and serialises updates for
// the same instrument
type Tracker struct {
	store     state.Store
	cfg       Config
	locks     sync.Map // instrument -> *sync.Mutex
	observers []Observer
	logger    zerolog.Logger
}

// NewTracker creates a tracker over store
func NewTracker(store state.Store, cfg Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "sequence").Logger(),
	}
}

// OnTransition registers an observer. Not safe to call concurrently with Advance.
func (t *Tracker) OnTransition(o Observer) {
	t.observers = append(t.observers, o)
}

func (t *Tracker) lock(instrument string) *sync.Mutex {
	mu, _ := t.locks.LoadOrStore(instrument, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Current loads the state for instrument, defaulting to accumulation
func (t *Tracker) Current(ctx context.Context, instrument string) (SequenceState, error) {
	var st SequenceState
	found, err := t.store.Get(ctx, state.SequenceKey(instrument), &st)
	if err != nil {
		return SequenceState{}, fmt.Errorf("failed to load sequence state: %w", err)
	}
	if !found || !st.Phase.Valid() {
		st = SequenceState{Instrument: instrument, Phase: PhaseAccumulation}
	}
	return st, nil
}

// Advance applies one scan's analysis to the instrument's state and
// persists the result. The returned transition is nil when the phase did
// not change.
func (t *Tracker) Advance(ctx context.Context, a *analysis.SMCAnalysis) (SequenceState, *Transition, error) {
	mu := t.lock(a.Instrument)
	mu.Lock()
	defer mu.Unlock()

	cur, err := t.Current(ctx, a.Instrument)
	if err != nil {
		return SequenceState{}, nil, err
	}
	if cur.EnteredAt.IsZero() {
		cur.EnteredAt = a.Time
	}

	next, reason := Evaluate(cur, a, t.cfg)

	if !ValidTransition(cur.Phase, next.Phase) {
		t.logger.Warn().
			Str("instrument", a.Instrument).
			Int("from", int(cur.Phase)).
			Int("to", int(next.Phase)).
			Msg("Invalid phase transition, resetting to accumulation")
		next = SequenceState{
			Instrument: a.Instrument,
			Phase:      PhaseAccumulation,
			EnteredAt:  a.Time,
			SweepTime:  cur.SweepTime,
			UpdatedAt:  a.Time,
		}
		reason = "invalid transition"
	}

	if err := t.store.Put(ctx, state.SequenceKey(a.Instrument), next, StateTTL); err != nil {
		return cur, nil, fmt.Errorf("failed to save sequence state: %w", err)
	}

	if next.Phase == cur.Phase {
		return next, nil, nil
	}

	tr := &Transition{
		Instrument: a.Instrument,
		From:       cur.Phase,
		To:         next.Phase,
		Reason:     reason,
		At:         a.Time,
	}
	t.logger.Info().
		Str("instrument", a.Instrument).
		Str("from", cur.Phase.Name()).
		Str("to", next.Phase.Name()).
		Str("reason", reason).
		Msg("Sequence phase changed")
	metrics.RecordTransition(a.Instrument, cur.Phase.Name(), next.Phase.Name())

	for _, o := range t.observers {
		o(*tr)
	}
	return next, tr, nil
}

// Reset puts instrument back into accumulation
func (t *Tracker) Reset(ctx context.Context, instrument string) error {
	mu := t.lock(instrument)
	mu.Lock()
	defer mu.Unlock()
	return t.store.Delete(ctx, state.SequenceKey(instrument))
}
