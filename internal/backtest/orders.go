package backtest

import (
	"time"

	"smc-signal-engine/internal/confluence"
	"smc-signal-engine/internal/market"
	"smc-signal-engine/internal/sequence"
	"smc-signal-engine/internal/signal"
)

// Exit reasons recorded on a SimulatedTrade
const (
	ExitStopLoss   = "SL"
	ExitTakeProfit = "TP"
	ExitBreakeven  = "BREAKEVEN"
	ExitTrailing   = "TRAILING_STOP"
	ExitEnd        = "END"
)

// Skip reasons raised by the engine itself. Pipeline gates are counted
// under their own names.
const (
	SkipSession      = "OUTSIDE_SESSION"
	SkipRiskLimit    = "RISK_LIMIT"
	SkipSizing       = "SIZING"
	SkipExpired      = "LIMIT_EXPIRED"
	SkipInvalidLimit = "INVALID_LIMIT"
)

// OrderStatus is the state of a pending order
type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderFilled  OrderStatus = "FILLED"
	OrderExpired OrderStatus = "EXPIRED"
)

// Costs models execution costs
type Costs struct {
	SpreadPips       float64 `json:"spread_pips" yaml:"spread_pips" default:"1.0" validate:"gte=0"`
	SlippagePips     float64 `json:"slippage_pips" yaml:"slippage_pips" default:"0.2" validate:"gte=0"`
	CommissionPerLot float64 `json:"commission_per_lot" yaml:"commission_per_lot" default:"7" validate:"gte=0"` // round turn per 100k units
}

const lotUnits = 100000.0

// entryPrice worsens a fill by half the spread plus slippage
func (c Costs) entryPrice(instrument string, d market.Direction, price float64) float64 {
	return price + d.Sign()*market.FromPips(instrument, c.SpreadPips/2+c.SlippagePips)
}

// exitPrice worsens an exit by half the spread. Stop exits also slip.
func (c Costs) exitPrice(instrument string, d market.Direction, price float64, stop bool) float64 {
	pips := c.SpreadPips / 2
	if stop {
		pips += c.SlippagePips
	}
	return price - d.Sign()*market.FromPips(instrument, pips)
}

func (c Costs) commission(units float64) float64 {
	return units / lotUnits * c.CommissionPerLot
}

// PendingOrder is a limit order waiting for price to trade through it
type PendingOrder struct {
	ID         string                `json:"id"`
	SignalID   string                `json:"signal_id"`
	Instrument string                `json:"instrument"`
	Direction  market.Direction      `json:"direction"`
	LimitPrice float64               `json:"limit_price"`
	StopLoss   float64               `json:"stop_loss"`
	TakeProfit float64               `json:"take_profit"`
	CreatedBar int                   `json:"created_bar"`
	ExpiresBar int                   `json:"expires_bar"`
	CreatedAt  time.Time             `json:"created_at"`
	Status     OrderStatus           `json:"status"`
	Signal     *signal.TradingSignal `json:"-"`
}

// newPendingOrder places a limit at the signal's zone edge, or its midpoint
func newPendingOrder(id string, sig *signal.TradingSignal, bar int, cfg Config) *PendingOrder {
	limit := sig.Entry
	if sig.EntryZone != nil {
		limit = sig.EntryZone.Edge(sig.Direction)
		if cfg.LimitMidpoint {
			limit = sig.EntryZone.Midpoint()
		}
	}
	return &PendingOrder{
		ID:         id,
		SignalID:   sig.ID,
		Instrument: sig.Instrument,
		Direction:  sig.Direction,
		LimitPrice: limit,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		CreatedBar: bar,
		ExpiresBar: bar + cfg.LimitMaxBars,
		CreatedAt:  sig.Time,
		Status:     OrderPending,
		Signal:     sig,
	}
}

// Valid reports whether the limit lies strictly between stop and target
func (o *PendingOrder) Valid() bool {
	s := o.Direction.Sign()
	return (o.LimitPrice-o.StopLoss)*s > 0 && (o.TakeProfit-o.LimitPrice)*s > 0
}

// Fill returns the fill price if bar trades through the limit. A bar that
// gaps past the limit fills at its open.
func (o *PendingOrder) Fill(bar market.Candle) (float64, bool) {
	if o.Direction == market.Short {
		if bar.High < o.LimitPrice {
			return 0, false
		}
		return max(o.LimitPrice, bar.Open), true
	}
	if bar.Low > o.LimitPrice {
		return 0, false
	}
	return min(o.LimitPrice, bar.Open), true
}

// Expired reports whether the order outlived its bar budget at bar i
func (o *PendingOrder) Expired(i int) bool {
	return i > o.ExpiresBar
}

// SimulatedTrade is one filled trade
type SimulatedTrade struct {
	ID                 string           `json:"id"`
	SignalID           string           `json:"signal_id"`
	Instrument         string           `json:"instrument"`
	Direction          market.Direction `json:"direction"`
	Grade              confluence.Grade `json:"grade"`
	Score              int              `json:"score"`
	Confidence         float64          `json:"confidence"`
	RawConfidence      float64          `json:"raw_confidence"`
	Phase              sequence.Phase   `json:"phase"`
	SequenceModifier   int              `json:"sequence_modifier"`
	DivergenceModifier int              `json:"divergence_modifier"`
	ProximityModifier  int              `json:"proximity_modifier"`
	TargetSource       string           `json:"target_source"`
	Tier               string           `json:"tier"`
	SignalTime         time.Time        `json:"signal_time"`
	EntryTime          time.Time        `json:"entry_time"`
	EntryBar           int              `json:"entry_bar"`
	Entry              float64          `json:"entry"`
	InitialStop        float64          `json:"initial_stop"`
	StopLoss           float64          `json:"stop_loss"`
	TakeProfit         float64          `json:"take_profit"`
	Units              float64          `json:"units"`
	RiskAmount         float64          `json:"risk_amount"`
	ExitTime           time.Time        `json:"exit_time"`
	ExitBar            int              `json:"exit_bar"`
	Exit               float64          `json:"exit"`
	ExitReason         string           `json:"exit_reason"`
	PartialTaken       bool             `json:"partial_taken"`
	PartialPrice       float64          `json:"partial_price,omitempty"`
	PartialPnL         float64          `json:"partial_pnl,omitempty"`
	Commission         float64          `json:"commission"`
	PnL                float64          `json:"pnl"`
	PnLPips            float64          `json:"pnl_pips"`
	RMultiple          float64          `json:"r_multiple"`
	BarsHeld           int              `json:"bars_held"`
}

// IsWinner reports a positive net result
func (t SimulatedTrade) IsWinner() bool {
	return t.PnL > 0
}

// openTrade is a trade with units still in the market
type openTrade struct {
	trade     *SimulatedTrade
	remaining float64
}

// priceMove is the signed favourable move from entry to price
func (t *SimulatedTrade) priceMove(price float64) float64 {
	return (price - t.Entry) * t.Direction.Sign()
}

// exitReason names a stop exit by where the stop sat when it was hit
func (t *SimulatedTrade) exitReason(stop float64) string {
	switch {
	case stop == t.InitialStop:
		return ExitStopLoss
	case stop == t.Entry:
		return ExitBreakeven
	default:
		return ExitTrailing
	}
}
