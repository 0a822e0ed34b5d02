package domain

import "time"

// OrderStatus represents the lifecycle of an order in the ledger.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal returns true for statuses that can never transition again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step in
// the order state machine. PARTIAL→PARTIAL is allowed (further fills).
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusSubmitted || next == StatusRejected
	case StatusSubmitted:
		return next == StatusPartial || next == StatusFilled ||
			next == StatusCancelled || next == StatusRejected
	case StatusPartial:
		return next == StatusPartial || next == StatusFilled || next == StatusCancelled
	}
	return false
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes limit orders from marketable ones.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderIntent is a user's request to trade, before durable acceptance.
// The IdempotencyKey makes re-submission safe: the ledger returns the
// existing record instead of creating a duplicate.
type OrderIntent struct {
	IdempotencyKey string
	ConditionID    string // market condition id (0x...)
	TokenID        string // outcome token being traded
	Side           Side
	Type           OrderType
	Price          float64 // limit price in USDC; ignored for MARKET
	Size           float64 // shares
}

// OrderRecord is the durable representation of an accepted intent.
// Mutated only by the reconciliation engine; never deleted.
type OrderRecord struct {
	ID              string // local UUID
	IdempotencyKey  string
	ExchangeOrderID string // empty until submission succeeds
	ConditionID     string
	TokenID         string
	IdentityIndex   uint32
	Side            Side
	Type            OrderType
	Price           float64
	Size            float64
	FilledSize      float64
	Status          OrderStatus
	Reason          string // rejection reason or last transient error
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the unfilled portion of the order.
func (o OrderRecord) Remaining() float64 {
	return o.Size - o.FilledSize
}

// Fill is an immutable partial or complete execution reported by the
// exchange. ExchangeTradeID deduplicates fills across reconciliation cycles.
type Fill struct {
	ID              int64
	OrderID         string
	ExchangeTradeID string
	Price           float64
	Size            float64
	TradedAt        time.Time
}

// ExchangeStatus is the normalized result of a fetchStatus call: what the
// exchange currently believes about one of our orders. SizeMatched is the
// cumulative matched size from the order endpoint; it can run ahead of Fills
// when the exchange's trade feed lags.
type ExchangeStatus struct {
	Status      OrderStatus
	SizeMatched float64
	Fills       []Fill
}

// MarketState is the normalized resolution status of a market.
type MarketState struct {
	ConditionID    string
	Resolved       bool
	WinningTokenID string
}
