package domain

import (
	"context"
	"errors"
	"time"
)

// BrokerOrderState is the broker-side view of a submitted order
type BrokerOrderState string

const (
	BrokerOrderAccepted BrokerOrderState = "accepted"
	BrokerOrderFilled   BrokerOrderState = "filled"
	BrokerOrderRejected BrokerOrderState = "rejected"
	BrokerOrderCanceled BrokerOrderState = "canceled"
	BrokerOrderExpired  BrokerOrderState = "expired"
)

// BrokerOrder is the broker's report for one order
type BrokerOrder struct {
	Ref         string // broker-side identifier
	State       BrokerOrderState
	FilledQty   int
	FilledPrice float64 // average fill premium per share
	Reason      string  // populated on rejection
}

// OrderRequest describes a buy-to-open limit order
type OrderRequest struct {
	Symbol     string
	OptionType OptionType
	Strike     float64
	Expiry     string
	Contracts  int
	LimitPrice float64
	ClientID   string // our trade ID, echoed back by the broker
}

// BrokerClient is the minimal broker surface the executor and monitor need.
// Implementations must be safe for concurrent use.
type BrokerClient interface {
	// PlaceOrder submits a buy-to-open limit order and returns the broker reference
	PlaceOrder(ctx context.Context, req OrderRequest) (*BrokerOrder, error)

	// GetOrder fetches the current broker-side state of an order
	GetOrder(ctx context.Context, ref string) (*BrokerOrder, error)

	// CancelOrder cancels a working order
	CancelOrder(ctx context.Context, ref string) error

	// GetQuote returns the current mark for an option contract
	GetQuote(ctx context.Context, symbol string, optionType OptionType, strike float64, expiry string) (*Quote, error)

	// ClosePosition sells contracts at market, returning the fill premium
	ClosePosition(ctx context.Context, symbol string, optionType OptionType, strike float64, expiry string, contracts int) (float64, error)

	// MarketOpen reports whether the options market is currently open
	MarketOpen(ctx context.Context) (bool, error)
}

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now implements Clock
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall-clock time
func SystemClock() Clock {
	return ClockFunc(time.Now)
}

// ErrRetryable marks transient broker failures worth retrying
var ErrRetryable = errors.New("retryable broker error")

// ErrOrderTimeout indicates an order did not reach a terminal broker state in time
var ErrOrderTimeout = errors.New("order confirmation timed out")

// IsRetryable reports whether err should trigger a resubmission attempt
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || errors.Is(err, ErrOrderTimeout)
}
