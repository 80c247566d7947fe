// Package divergence scores correlation anomalies between related
// instruments. When a normally correlated peer stops moving with the
// instrument, the instrument's own move is treated as targeted flow.
package divergence

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/state"
)

// Pair is an expected correlation between two instruments
type Pair struct {
	A        string  `json:"a" yaml:"a"`
	B        string  `json:"b" yaml:"b"`
	Expected float64 `json:"expected" yaml:"expected"`
}

// DefaultPairs are the baseline forex/gold correlations
var DefaultPairs = []Pair{
	{A: "EUR_USD", B: "GBP_USD", Expected: 0.85},
	{A: "EUR_USD", B: "XAU_USD", Expected: 0.40},
	{A: "GBP_USD", B: "XAU_USD", Expected: 0.30},
}

// Config tunes the detector
type Config struct {
	Pairs          []Pair        `json:"pairs" yaml:"pairs"`
	Window         int           `json:"window" yaml:"window" default:"30"`
	MinSamples     int           `json:"min_samples" yaml:"min_samples" default:"10"`
	CorrStd        float64       `json:"corr_std" yaml:"corr_std" default:"0.15"`
	ThresholdSigma float64       `json:"threshold_sigma" yaml:"threshold_sigma" default:"1.5"`
	CacheTTL       time.Duration `json:"cache_ttl" yaml:"cache_ttl" default:"30m"`
	MaxBonus       int           `json:"max_bonus" yaml:"max_bonus" default:"15"`
	MaxPenalty     int           `json:"max_penalty" yaml:"max_penalty" default:"10"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Pairs:          DefaultPairs,
		Window:         30,
		MinSamples:     10,
		CorrStd:        0.15,
		ThresholdSigma: 1.5,
		CacheTTL:       30 * time.Minute,
		MaxBonus:       15,
		MaxPenalty:     10,
	}
}

// CorrelationSnapshot is a cached realised correlation for a pair
type CorrelationSnapshot struct {
	InstrumentA string    `json:"instrument_a"`
	InstrumentB string    `json:"instrument_b"`
	Expected    float64   `json:"expected"`
	Observed    float64   `json:"observed"`
	Sigma       float64   `json:"sigma"`
	Samples     int       `json:"samples"`
	ComputedAt  time.Time `json:"computed_at"` // close time of the newest aligned bar
}

// PairDivergence is the contribution of one peer
type PairDivergence struct {
	Peer     string              `json:"peer"`
	Snapshot CorrelationSnapshot `json:"snapshot"`
	Modifier int                 `json:"modifier"`
	Reason   string              `json:"reason"`
}

// Result is the combined divergence verdict for a trade
type Result struct {
	Modifier    int              `json:"modifier"`
	Pairs       []PairDivergence `json:"pairs,omitempty"`
	Diagnostics []string         `json:"diagnostics,omitempty"`
}

// Detector computes divergence modifiers with a shared snapshot cache.
// Readers take the read lock; a stale pair is recomputed by one caller.
type Detector struct {
	cfg    Config
	store  state.Store
	mu     sync.RWMutex
	cache  map[string]CorrelationSnapshot
	group  singleflight.Group
	logger zerolog.Logger
}

// NewDetector creates a detector. store may be nil.
func NewDetector(cfg Config, store state.Store, logger zerolog.Logger) *Detector {
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = DefaultPairs
	}
	if cfg.Window <= 1 {
		cfg.Window = 30
	}
	if cfg.MinSamples <= 1 {
		cfg.MinSamples = 10
	}
	if cfg.CorrStd <= 0 {
		cfg.CorrStd = 0.15
	}
	return &Detector{
		cfg:    cfg,
		store:  store,
		cache:  make(map[string]CorrelationSnapshot),
		logger: logger.With().Str("component", "divergence").Logger(),
	}
}

// Evaluate sums the modifiers of every configured pair involving
// instrument, clamped to [-MaxPenalty, MaxBonus]. Missing or degenerate
// peer data contributes 0 and a diagnostic.
func (d *Detector) Evaluate(ctx context.Context, instrument string, dir market.Direction, own []market.Candle, peers map[string][]market.Candle) Result {
	var res Result

	for _, p := range d.cfg.Pairs {
		var peer string
		switch instrument {
		case p.A:
			peer = p.B
		case p.B:
			peer = p.A
		default:
			continue
		}

		peerCandles, ok := peers[peer]
		if !ok || len(peerCandles) == 0 {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("no candles for peer %s", peer))
			continue
		}

		ownRet, peerRet, asOf := AlignReturns(own, peerCandles, d.cfg.Window)
		if len(ownRet) < d.cfg.MinSamples {
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("only %d aligned returns with %s", len(ownRet), peer))
			continue
		}

		snap, err := d.snapshot(ctx, p, ownRet, peerRet, asOf, instrument)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, err.Error())
			continue
		}

		pd := d.interpret(instrument, peer, dir, snap, ownRet)
		res.Pairs = append(res.Pairs, pd)
		res.Modifier += pd.Modifier
	}

	if res.Modifier > d.cfg.MaxBonus {
		res.Modifier = d.cfg.MaxBonus
	}
	if res.Modifier < -d.cfg.MaxPenalty {
		res.Modifier = -d.cfg.MaxPenalty
	}

	if len(res.Diagnostics) > 0 {
		d.logger.Debug().
			Str("instrument", instrument).
			Strs("diagnostics", res.Diagnostics).
			Msg("Divergence check degraded")
	}
	return res
}

func (d *Detector) interpret(instrument, peer string, dir market.Direction, snap CorrelationSnapshot, ownRet []float64) PairDivergence {
	pd := PairDivergence{Peer: peer, Snapshot: snap}

	if snap.Sigma < d.cfg.ThresholdSigma {
		pd.Reason = fmt.Sprintf("correlation with %s %.2f within %.1fσ of %.2f", peer, snap.Observed, d.cfg.ThresholdSigma, snap.Expected)
		return pd
	}
	if snap.Observed >= snap.Expected {
		pd.Reason = fmt.Sprintf("correlation with %s stronger than expected, general market move", peer)
		return pd
	}

	move := 0.0
	for _, r := range ownRet {
		move += r
	}
	agrees := (dir == market.Long && move > 0) || (dir == market.Short && move < 0)

	if agrees {
		pd.Modifier = min(d.cfg.MaxBonus, int(snap.Sigma*5))
		pd.Reason = fmt.Sprintf("%s decoupled from %s (%.2f vs %.2f, %.1fσ) moving with the trade", instrument, peer, snap.Observed, snap.Expected, snap.Sigma)
	} else {
		pd.Modifier = -min(d.cfg.MaxPenalty, int(snap.Sigma*3))
		pd.Reason = fmt.Sprintf("%s decoupled from %s (%.1fσ) moving against the trade", instrument, peer, snap.Sigma)
	}
	return pd
}

// snapshot returns a fresh-enough cached correlation or recomputes it.
// Freshness is measured in candle time so replays behave like live scans.
func (d *Detector) snapshot(ctx context.Context, p Pair, ownRet, peerRet []float64, asOf time.Time, instrument string) (CorrelationSnapshot, error) {
	key := state.CorrelationKey(p.A, p.B)

	d.mu.RLock()
	snap, ok := d.cache[key]
	d.mu.RUnlock()
	if ok && d.fresh(snap, asOf) {
		return snap, nil
	}

	if !ok && d.store != nil {
		var stored CorrelationSnapshot
		if found, err := d.store.Get(ctx, key, &stored); err == nil && found && d.fresh(stored, asOf) {
			d.mu.Lock()
			d.cache[key] = stored
			d.mu.Unlock()
			return stored, nil
		}
	}

	v, err, _ := d.group.Do(key+"|"+asOf.UTC().Format(time.RFC3339), func() (any, error) {
		// the instrument's series may be either side of the pair
		a, b := ownRet, peerRet
		if instrument != p.A {
			a, b = peerRet, ownRet
		}
		corr, ok := PearsonCorrelation(a, b)
		if !ok {
			return nil, fmt.Errorf("zero variance returns for %s/%s", p.A, p.B)
		}
		s := CorrelationSnapshot{
			InstrumentA: p.A,
			InstrumentB: p.B,
			Expected:    p.Expected,
			Observed:    corr,
			Sigma:       math.Abs(p.Expected-corr) / d.cfg.CorrStd,
			Samples:     len(a),
			ComputedAt:  asOf,
		}

		d.mu.Lock()
		d.cache[key] = s
		d.mu.Unlock()

		if d.store != nil {
			if err := d.store.Put(ctx, key, s, d.cfg.CacheTTL); err != nil {
				d.logger.Warn().Err(err).Str("pair", key).Msg("Failed to persist correlation snapshot")
			}
		}
		return s, nil
	})
	if err != nil {
		return CorrelationSnapshot{}, err
	}
	return v.(CorrelationSnapshot), nil
}

func (d *Detector) fresh(s CorrelationSnapshot, asOf time.Time) bool {
	if asOf.Before(s.ComputedAt) {
		return false
	}
	return asOf.Sub(s.ComputedAt) < d.cfg.CacheTTL
}

// Snapshots returns a copy of the cached snapshots
func (d *Detector) Snapshots() []CorrelationSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]CorrelationSnapshot, 0, len(d.cache))
	for _, s := range d.cache {
		out = append(out, s)
	}
	return out
}

// AlignReturns matches bars by timestamp and returns close-to-close
// returns of the last window common bars for both series, plus the time
// of the newest common bar.
func AlignReturns(a, b []market.Candle, window int) ([]float64, []float64, time.Time) {
	bByTime := make(map[int64]float64, len(b))
	for _, c := range b {
		bByTime[c.Time.Unix()] = c.Close
	}

	var ca, cb []float64
	var last time.Time
	for _, c := range a {
		if v, ok := bByTime[c.Time.Unix()]; ok {
			ca = append(ca, c.Close)
			cb = append(cb, v)
			last = c.Time
		}
	}

	if window > 0 && len(ca) > window+1 {
		ca = ca[len(ca)-window-1:]
		cb = cb[len(cb)-window-1:]
	}
	return market.Returns(ca), market.Returns(cb), last
}

// PearsonCorrelation returns the population correlation of x and y. ok is
// false when the lengths differ, there are fewer than two samples, or
// either series has zero variance.
func PearsonCorrelation(x, y []float64) (float64, bool) {
	n := len(x)
	if n < 2 || n != len(y) {
		return 0, false
	}

	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := x[i] - mx
		dy := y[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
