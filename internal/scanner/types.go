package scanner

import (
	"time"

	"smc-signal-engine/internal/signal"
)

// ScanResult aggregates one pass over every configured instrument
type ScanResult struct {
	ScanID             string                  `json:"scan_id"`
	StartTime          time.Time               `json:"start_time"`
	EndTime            time.Time               `json:"end_time"`
	Duration           time.Duration           `json:"duration"`
	InstrumentsScanned int                     `json:"instruments_scanned"`
	Signals            []*signal.TradingSignal `json:"signals"`
	NoSignals          []*signal.NoSignal      `json:"no_signals"`
	Errors             map[string]string       `json:"errors,omitempty"`
}

// Config holds scanner configuration
type Config struct {
	Enabled     bool              `json:"enabled" yaml:"enabled" default:"true"`
	Interval    time.Duration     `json:"interval" yaml:"interval" default:"5m" validate:"gt=0"`
	Instruments []string          `json:"instruments" yaml:"instruments" validate:"required_if=Enabled true,dive,required"`
	LTF         string            `json:"ltf" yaml:"ltf" default:"M5"`
	HTF         string            `json:"htf" yaml:"htf" default:"H1"`
	LTFBars     int               `json:"ltf_bars" yaml:"ltf_bars" default:"300" validate:"gt=0"`
	HTFBars     int               `json:"htf_bars" yaml:"htf_bars" default:"200" validate:"gt=0"`
	Peers       map[string]string `json:"peers" yaml:"peers"` // instrument -> correlated peer; empty uses every other instrument
	MaxParallel int               `json:"max_parallel" yaml:"max_parallel" default:"4" validate:"gte=1"`
	ScanTimeout time.Duration     `json:"scan_timeout" yaml:"scan_timeout" default:"2m"`
	CacheTTL    time.Duration     `json:"cache_ttl" yaml:"cache_ttl" default:"30s"`
	CandleDir   string            `json:"candle_dir" yaml:"candle_dir" default:"data"`
}

// DefaultConfig scans the majors on M5/H1
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    5 * time.Minute,
		Instruments: []string{"EUR_USD", "GBP_USD", "USD_JPY", "XAU_USD"},
		LTF:         "M5",
		HTF:         "H1",
		LTFBars:     300,
		HTFBars:     200,
		MaxParallel: 4,
		ScanTimeout: 2 * time.Minute,
		CacheTTL:    30 * time.Second,
		CandleDir:   "data",
	}
}
