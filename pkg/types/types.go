// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — trade sides, signal
// and close-reason enums, per-symbol exchange filters, and the wire shapes
// of the futures REST and stream APIs. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of a position: LONG or SHORT.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// OrderSide converts a position side to the exchange order side for entry.
// LONG enters with BUY, SHORT with SELL.
func (s Side) OrderSide() string {
	if s == Long {
		return "BUY"
	}
	return "SELL"
}

// CloseOrderSide is the exchange order side that reduces a position.
func (s Side) CloseOrderSide() string {
	if s == Long {
		return "SELL"
	}
	return "BUY"
}

// Signal is the outcome of the impulse/ATR/spread gates for one tick.
type Signal int

const (
	SignalNone Signal = iota
	SignalLong
	SignalShort
)

func (s Signal) String() string {
	switch s {
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Side converts a non-none signal to a position side.
func (s Signal) Side() Side {
	if s == SignalShort {
		return Short
	}
	return Long
}

// CloseReason says why a paper or live position was closed.
type CloseReason string

const (
	ReasonTP            CloseReason = "TP"
	ReasonSL            CloseReason = "SL"
	ReasonTimeout       CloseReason = "TIMEOUT"
	ReasonTimeoutProfit CloseReason = "TIMEOUT_PROFIT"
	ReasonTimeoutHard   CloseReason = "TIMEOUT_HARD"
	ReasonForceExit     CloseReason = "FORCE_EXIT"
	ReasonTPExchange    CloseReason = "TP_EXCHANGE"
	ReasonSLExchange    CloseReason = "SL_EXCHANGE"
	// ReasonStopOrUnknown is reported when the remote position went flat
	// on its own, before settlement refines it against the bracket orders.
	ReasonStopOrUnknown CloseReason = "CLOSE_UNKNOWN_OR_STOP_FILLED"
)

// ————————————————————————————————————————————————————————————————————————
// Exchange metadata
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters are the per-symbol trading constraints from exchangeInfo.
// Quantities must be multiples of StepSize and at least MinQty; prices must
// sit on the TickSize grid; order notional must reach MinNotional.
type SymbolFilters struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Ticker24h is one row of the 24-hour rolling ticker.
type Ticker24h struct {
	Symbol      string          `json:"symbol"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

// BookTicker is the current best bid/ask for one symbol.
type BookTicker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bidPrice"`
	Ask    decimal.Decimal `json:"askPrice"`
}

// Mid returns (bid+ask)/2, or zero if either side is missing.
func (b BookTicker) Mid() decimal.Decimal {
	if b.Bid.IsZero() || b.Ask.IsZero() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask-bid)/mid*100, or false if the book is one-sided.
func (b BookTicker) SpreadPct() (float64, bool) {
	mid := b.Mid()
	if mid.IsZero() {
		return 0, false
	}
	pct, _ := b.Ask.Sub(b.Bid).Div(mid).Mul(decimal.NewFromInt(100)).Float64()
	return pct, true
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions (REST shapes)
// ————————————————————————————————————————————————————————————————————————

// OrderAck is the acknowledgement returned when an order is placed or queried.
type OrderAck struct {
	OrderID     int64           `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Status      string          `json:"status"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
}

// Filled reports whether the order fully executed.
func (o OrderAck) Filled() bool { return o.Status == "FILLED" }

// PositionRisk is one row of /fapi/v2/positionRisk. PositionAmt is signed:
// positive for long, negative for short, zero when flat.
type PositionRisk struct {
	Symbol      string          `json:"symbol"`
	PositionAmt decimal.Decimal `json:"positionAmt"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
}

// UserTrade is one fill from /fapi/v1/userTrades.
type UserTrade struct {
	OrderID         int64           `json:"orderId"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	RealizedPnl     decimal.Decimal `json:"realizedPnl"`
	Time            int64           `json:"time"`
}

// OpenOrder is one resting order from /fapi/v1/openOrders.
type OpenOrder struct {
	OrderID int64  `json:"orderId"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Type    string `json:"type"`
}

// ConditionalType selects the bracket leg type.
type ConditionalType string

const (
	StopMarket       ConditionalType = "STOP_MARKET"
	TakeProfitMarket ConditionalType = "TAKE_PROFIT_MARKET"
)

// ————————————————————————————————————————————————————————————————————————
// Trade stream
// ————————————————————————————————————————————————————————————————————————

// TradeTick is one normalized trade from the stream: symbol, price, and the
// exchange trade time. The feed fills Time from T, then tradeTime, then E,
// then the local wall clock.
type TradeTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// WSMode selects the stream wire variant.
type WSMode string

const (
	WSModeAuto      WSMode = "AUTO"
	WSModeCombined  WSMode = "COMBINED"
	WSModeSubscribe WSMode = "SUBSCRIBE"
)

// ————————————————————————————————————————————————————————————————————————
// Trade log events
// ————————————————————————————————————————————————————————————————————————

// PaperEvent is one row of the paper CSV log.
type PaperEvent struct {
	Time      time.Time
	Symbol    string
	Side      Side
	Event     string // OPEN or CLOSE
	Entry     float64
	Exit      float64
	TP        float64
	SL        float64
	PnlPct    float64
	NetPnlUSD float64
	Reason    CloseReason
	HoldSec   int64
}

// LiveEvent is one row of the live CSV log.
type LiveEvent struct {
	Time         time.Time
	Symbol       string
	Side         Side
	Entry        decimal.Decimal
	Exit         decimal.Decimal
	Qty          decimal.Decimal
	Leverage     int
	PnlPct       float64
	NetPnlUSD    float64
	Outcome      string // WIN / LOSS / FLAT
	Reason       CloseReason
	OrderIDEntry int64
	OrderIDExit  int64
}
