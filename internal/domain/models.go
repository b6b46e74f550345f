// Package domain contains the core types shared by all modules.
package domain

import (
	"fmt"
	"time"
)

// OptionType identifies the contract side of a pick
type OptionType string

const (
	OptionCall OptionType = "CALL"
	OptionPut  OptionType = "PUT"
)

// Valid reports whether the option type is one of the known values
func (o OptionType) Valid() bool {
	return o == OptionCall || o == OptionPut
}

// Candidate is a raw pick emitted by a discovery engine, before gating
type Candidate struct {
	Symbol      string     `json:"symbol"`
	OptionType  OptionType `json:"option_type"`
	Strike      float64    `json:"strike"`
	Expiry      string     `json:"expiry"` // YYYY-MM-DD
	Engine      string     `json:"engine"`
	ORMScore    float64    `json:"orm_score"`
	SignalCount int        `json:"signal_count"`
	BaseScore   float64    `json:"base_score"`
	AskPrice    float64    `json:"ask_price"` // per-share premium quoted at scan time
	ScanDate    string     `json:"scan_date"` // YYYY-MM-DD
}

// Key returns the identity used for recurrence tracking
func (c Candidate) Key() string {
	return fmt.Sprintf("%s:%s", c.Symbol, c.OptionType)
}

// RankedPick is a gated candidate with its recurrence boost applied
type RankedPick struct {
	Candidate
	RecurrenceCount int     `json:"recurrence_count"` // times seen in the lookback window, including today
	BoostFactor     float64 `json:"boost_factor"`     // 1.00, 1.15 or 1.30
	BoostedScore    float64 `json:"boosted_score"`    // BaseScore * BoostFactor
	Rank            int     `json:"rank"`             // 1-based position after ordering
}

// OrderStatus tracks an order through its lifecycle
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a transition from s to next is allowed
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderSubmitted || next == OrderCancelled
	case OrderSubmitted:
		return next == OrderFilled || next == OrderRejected || next == OrderCancelled
	}
	return false
}

// Order is a single buy-to-open attempt for a ranked pick
type Order struct {
	ID           int64       `json:"id"`
	TradeID      string      `json:"trade_id"` // MS-<timestamp>-<symbol>-<uuid fragment>
	Symbol       string      `json:"symbol"`
	OptionType   OptionType  `json:"option_type"`
	Strike       float64     `json:"strike"`
	Expiry       string      `json:"expiry"`
	Engine       string      `json:"engine"`
	Contracts    int         `json:"contracts"`
	LimitPrice   float64     `json:"limit_price"`
	Status       OrderStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	BrokerRef    string      `json:"broker_ref,omitempty"` // broker-side order identifier, set on submission
	FailReason   string      `json:"fail_reason,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Position is an open contract holding produced by a filled order
type Position struct {
	ID            int64      `json:"id"`
	TradeID       string     `json:"trade_id"`
	Symbol        string     `json:"symbol"`
	OptionType    OptionType `json:"option_type"`
	Strike        float64    `json:"strike"`
	Expiry        string     `json:"expiry"`
	Engine        string     `json:"engine"`
	Contracts     int        `json:"contracts"`      // contracts currently held
	EntryPrice    float64    `json:"entry_price"`    // per-share fill premium
	PartialClosed bool       `json:"partial_closed"` // half already taken at the partial-profit level
	MaxGainPct    float64    `json:"max_gain_pct"`   // best mark/entry - 1 observed while open
	MaxLossPct    float64    `json:"max_loss_pct"`   // worst mark/entry - 1 observed while open (<= 0)
	OpenedAt      time.Time  `json:"opened_at"`
}

// CloseReason identifies why a position (or tranche) was closed
type CloseReason string

const (
	CloseStopLoss      CloseReason = "STOP_LOSS"
	ClosePartialProfit CloseReason = "PARTIAL_PROFIT"
	CloseTakeProfit    CloseReason = "TAKE_PROFIT"
	CloseExpiry        CloseReason = "EXPIRY"
	CloseManual        CloseReason = "MANUAL"
)

// Outcome is the realized result of a closed position or tranche
type Outcome struct {
	ID         int64       `json:"id"`
	TradeID    string      `json:"trade_id"`
	Symbol     string      `json:"symbol"`
	OptionType OptionType  `json:"option_type"`
	Engine     string      `json:"engine"`
	Contracts  int         `json:"contracts"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	PnL        float64     `json:"pnl"`          // realized dollars: (exit-entry) * contracts * 100
	PnLPct     float64     `json:"pnl_pct"`      // exit/entry - 1
	MaxGainPct float64     `json:"max_gain_pct"` // peak unrealized return observed while open
	MaxLossPct float64     `json:"max_loss_pct"` // trough unrealized return observed while open (<= 0)
	Days       int         `json:"days_to_outcome"`
	Reason     CloseReason `json:"close_reason"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at"`
}

// Quote is a point-in-time mark for an option contract
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Mark      float64 // midpoint, or last if midpoint unavailable
	Timestamp time.Time
}

// ScanSession labels one of the daily scan slots
type ScanSession string

const (
	SessionPre ScanSession = "PRE"
	SessionAM  ScanSession = "AM"
	SessionPM  ScanSession = "PM"
)

// ScanResult summarizes one completed pipeline run
type ScanResult struct {
	Session       ScanSession  `json:"session"`
	ScanDate      string       `json:"scan_date"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Candidates    int          `json:"candidates"`
	PassedGate    int          `json:"passed_gate"`
	Picks         []RankedPick `json:"picks"`
	OrdersPlaced  int          `json:"orders_placed"`
	OrdersFilled  int          `json:"orders_filled"`
	OrdersFailed  int          `json:"orders_failed"`
	SkippedReason string       `json:"skipped_reason,omitempty"` // non-empty when the scan did not run (lock held, holiday, ...)
}
