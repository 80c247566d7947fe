package market

import (
	"math"
	"strings"
	"time"
)

// PipSize returns the price increment of one pip for an instrument.
func PipSize(instrument string) float64 {
	s := strings.ToUpper(instrument)
	switch {
	case strings.Contains(s, "XAU"):
		return 0.1
	case strings.Contains(s, "BTC"), strings.Contains(s, "ETH"):
		return 1.0
	case strings.Contains(s, "JPY"):
		return 0.01
	default:
		return 0.0001
	}
}

// PriceDecimals is the number of decimals quotes are shown with: one more
// than the pip (fractional pips), at least two.
func PriceDecimals(instrument string) int {
	d := int(math.Round(-math.Log10(PipSize(instrument)))) + 1
	if d < 2 {
		return 2
	}
	return d
}

// ToPips converts a price distance to pips
func ToPips(instrument string, distance float64) float64 {
	return distance / PipSize(instrument)
}

// FromPips converts pips to a price distance
func FromPips(instrument string, pips float64) float64 {
	return pips * PipSize(instrument)
}

// Session is a trading session
type Session string

const (
	SessionAsian   Session = "ASIAN"
	SessionLondon  Session = "LONDON"
	SessionNewYork Session = "NEW_YORK"
)

// AllSessions lists sessions in chronological order of their open
var AllSessions = []Session{SessionAsian, SessionLondon, SessionNewYork}

// sessionHours holds [open, close) UTC hours
var sessionHours = map[Session][2]int{
	SessionAsian:   {0, 8},
	SessionLondon:  {7, 16},
	SessionNewYork: {12, 21},
}

// SessionsAt returns every session open at t. Sessions overlap, so
// a bar can belong to more than one.
func SessionsAt(t time.Time) []Session {
	h := t.UTC().Hour()
	var out []Session
	for _, s := range AllSessions {
		hours := sessionHours[s]
		if h >= hours[0] && h < hours[1] {
			out = append(out, s)
		}
	}
	return out
}

// InSession reports whether t falls within session s
func InSession(t time.Time, s Session) bool {
	hours, ok := sessionHours[s]
	if !ok {
		return false
	}
	h := t.UTC().Hour()
	return h >= hours[0] && h < hours[1]
}

// HourRange is a [Start, End) window of UTC hours
type HourRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether t's UTC hour lies in the range
func (r HourRange) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	if r.Start <= r.End {
		return h >= r.Start && h < r.End
	}
	// wraps midnight
	return h >= r.Start || h < r.End
}
