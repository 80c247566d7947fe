package market

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrLookAhead marks an access to a candle that was not yet closed at the
// replay cursor. It is a programming error and is raised with panic.
var ErrLookAhead = errors.New("look-ahead: reference to a future candle")

// Window exposes a candle series up to a moving cursor. Every accessor
// refuses to hand out bars past the cursor.
type Window struct {
	candles  []Candle
	interval time.Duration
	cursor   int
}

// NewWindow wraps candles with the cursor before the first bar
func NewWindow(candles []Candle) *Window {
	return &Window{
		candles:  candles,
		interval: InferInterval(candles),
		cursor:   -1,
	}
}

// Len returns the full series length
func (w *Window) Len() int { return len(w.candles) }

// Cursor returns the index of the latest visible bar
func (w *Window) Cursor() int { return w.cursor }

// Interval returns the inferred bar spacing
func (w *Window) Interval() time.Duration { return w.interval }

// Seek moves the cursor to i. The cursor never moves backwards.
func (w *Window) Seek(i int) {
	if i < w.cursor {
		panic(fmt.Errorf("window cursor moved backwards from %d to %d", w.cursor, i))
	}
	if i >= len(w.candles) {
		panic(fmt.Errorf("%w: seek to %d beyond %d bars", ErrLookAhead, i, len(w.candles)))
	}
	w.cursor = i
}

// At returns the bar at i
func (w *Window) At(i int) Candle {
	if i > w.cursor {
		panic(fmt.Errorf("%w: bar %d requested at cursor %d", ErrLookAhead, i, w.cursor))
	}
	return w.candles[i]
}

// Current returns the bar under the cursor
func (w *Window) Current() Candle {
	return w.At(w.cursor)
}

// Visible returns up to lookback bars ending at the cursor. The returned
// slice has its capacity capped so it cannot be resliced into the future.
func (w *Window) Visible(lookback int) []Candle {
	end := w.cursor + 1
	start := 0
	if lookback > 0 && end-lookback > start {
		start = end - lookback
	}
	return w.candles[start:end:end]
}

// CloseTime returns the close time of the bar under the cursor
func (w *Window) CloseTime() time.Time {
	return w.Current().Time.Add(w.interval)
}

// AssertNotFuture panics when t lies after the close of the cursor bar
func (w *Window) AssertNotFuture(what string, t time.Time) {
	if t.After(w.CloseTime()) {
		panic(fmt.Errorf("%w: %s stamped %s after cursor close %s",
			ErrLookAhead, what, t.Format(time.RFC3339), w.CloseTime().Format(time.RFC3339)))
	}
}

// ClosedBefore returns the bars of a higher (or other) timeframe series that
// had closed by t, capped to lookback. interval is that series' bar spacing.
func ClosedBefore(candles []Candle, interval time.Duration, t time.Time, lookback int) []Candle {
	end := sort.Search(len(candles), func(i int) bool {
		return candles[i].Time.Add(interval).After(t)
	})
	start := 0
	if lookback > 0 && end-lookback > 0 {
		start = end - lookback
	}
	return candles[start:end:end]
}
