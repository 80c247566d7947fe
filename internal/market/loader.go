package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptySeries   = errors.New("candle series is empty")
	ErrInvalidCandle = errors.New("invalid candle row")
)

// LoadCSV reads candles from a CSV file with columns
// time,open,high,low,close[,volume]. Time is RFC3339 or unix seconds.
// A header row is skipped when its first field is not a timestamp.
func LoadCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle file: %w", err)
	}
	defer f.Close()

	return ReadCSV(f)
}

// ReadCSV parses candles from r. The result is sorted by time.
func ReadCSV(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var candles []Candle
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line++

		if len(rec) < 5 {
			return nil, fmt.Errorf("%w: line %d has %d fields", ErrInvalidCandle, line, len(rec))
		}

		ts, err := parseTime(rec[0])
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidCandle, line, err)
		}

		vals := make([]float64, 5)
		for i := 1; i < len(rec) && i <= 5; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d field %d: %v", ErrInvalidCandle, line, i, err)
			}
			vals[i-1] = v
		}

		c := Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
		if c.High < c.Low {
			return nil, fmt.Errorf("%w: line %d high below low", ErrInvalidCandle, line)
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, ErrEmptySeries
	}

	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		if unix > 1e12 {
			return time.UnixMilli(unix).UTC(), nil
		}
		return time.Unix(unix, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
