package database

import (
	"encoding/json"
	"time"
)

// Run kinds
const (
	RunKindBacktest    = "backtest"
	RunKindWalkForward = "walkforward"
)

// BacktestRun is one persisted backtest or walk-forward run
type BacktestRun struct {
	ID              int64           `json:"id"`
	RunID           string          `json:"run_id"`
	Kind            string          `json:"kind"`
	Instrument      string          `json:"instrument"`
	Seed            int64           `json:"seed"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	InitialEquity   float64         `json:"initial_equity"`
	FinalEquity     float64         `json:"final_equity"`
	TotalTrades     int             `json:"total_trades"`
	WinRate         float64         `json:"win_rate"`
	TotalReturnPct  float64         `json:"total_return_pct"`
	MaxDrawdownPct  float64         `json:"max_drawdown_pct"`
	SharpeRatio     *float64        `json:"sharpe_ratio"`
	ProfitFactor    *float64        `json:"profit_factor"`
	RobustnessScore *float64        `json:"robustness_score,omitempty"`
	Config          json.RawMessage `json:"config"`
	Metrics         json.RawMessage `json:"metrics"`
	SkipReasons     json.RawMessage `json:"skip_reasons,omitempty"`
	MonteCarlo      json.RawMessage `json:"monte_carlo,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// BacktestTrade is a simulated trade of a run
type BacktestTrade struct {
	ID            int64     `json:"id"`
	BacktestRunID int64     `json:"backtest_run_id"`
	TradeID       string    `json:"trade_id"`
	Direction     string    `json:"direction"`
	Grade         string    `json:"grade"`
	Confidence    float64   `json:"confidence"`
	RawConfidence float64   `json:"raw_confidence"`
	Phase         int       `json:"phase"`
	EntryTime     time.Time `json:"entry_time"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	Units         float64   `json:"units"`
	ExitTime      time.Time `json:"exit_time"`
	ExitPrice     float64   `json:"exit_price"`
	ExitReason    string    `json:"exit_reason"`
	PartialTaken  bool      `json:"partial_taken"`
	Commission    float64   `json:"commission"`
	PnL           float64   `json:"pnl"`
	RMultiple     float64   `json:"r_multiple"`
	BarsHeld      int       `json:"bars_held"`
}

// WalkForwardWindow is one train/test window of a walk-forward run
type WalkForwardWindow struct {
	ID                int64     `json:"id"`
	BacktestRunID     int64     `json:"backtest_run_id"`
	Index             int       `json:"index"`
	TrainStart        time.Time `json:"train_start"`
	TestStart         time.Time `json:"test_start"`
	TestEnd           time.Time `json:"test_end"`
	TrainTrades       int       `json:"train_trades"`
	TestTrades        int       `json:"test_trades"`
	TrainWinRate      float64   `json:"train_win_rate"`
	TestWinRate       float64   `json:"test_win_rate"`
	TrainSharpe       float64   `json:"train_sharpe"`
	TestSharpe        float64   `json:"test_sharpe"`
	TestPnL           float64   `json:"test_pnl"`
	CalibrationA      float64   `json:"calibration_a"`
	CalibrationB      float64   `json:"calibration_b"`
	CalibrationFitted bool      `json:"calibration_fitted"`
}

// SignalRecord is an emitted live signal
type SignalRecord struct {
	ID            string          `json:"id"`
	Instrument    string          `json:"instrument"`
	Direction     string          `json:"direction"`
	Grade         string          `json:"grade"`
	RawConfidence float64         `json:"raw_confidence"`
	Confidence    float64         `json:"confidence"`
	EntryPrice    float64         `json:"entry_price"`
	StopLoss      float64         `json:"stop_loss"`
	TakeProfit    float64         `json:"take_profit"`
	Phase         int             `json:"phase"`
	SignalTime    time.Time       `json:"signal_time"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SignalOutcome is the realised result of a signal
type SignalOutcome struct {
	ID            int64     `json:"id"`
	SignalID      string    `json:"signal_id"`
	Instrument    string    `json:"instrument"`
	RawConfidence float64   `json:"raw_confidence"`
	Win           bool      `json:"win"`
	PnL           float64   `json:"pnl"`
	RecordedAt    time.Time `json:"recorded_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConfidenceBucket aggregates outcomes over a confidence band
type ConfidenceBucket struct {
	MinConf  float64 `json:"min_conf"`
	MaxConf  float64 `json:"max_conf"`
	Total    int     `json:"total"`
	Wins     int     `json:"wins"`
	TotalPnL float64 `json:"total_pnl"`
	WinRate  float64 `json:"win_rate"`
	AvgPnL   float64 `json:"avg_pnl"`
}
