// Package model defines the core domain types shared across the contest engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Competition statuses.
const (
	CompetitionPending = "pending"
	CompetitionActive  = "active"
	CompetitionEnded   = "ended"
)

// Order statuses.
const (
	StatusPending         = "pending"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
)

// Competition holds the contest-level configuration consumed by the
// engine: starting cash and the fee rate applied to every fill.
type Competition struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	FeeRate        decimal.Decimal `json:"fee_rate" db:"fee_rate"` // e.g. 0.0005
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	EndTime        time.Time       `json:"end_time" db:"end_time"`
	Status         string          `json:"status" db:"status"` // "pending", "active", "ended"
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Participant is one user's entry in one competition. Balance is the
// simulated cash account; only the execution engine mutates it.
type Participant struct {
	ID            string          `json:"id" db:"id"`
	CompetitionID string          `json:"competition_id" db:"competition_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	JoinedAt      time.Time       `json:"joined_at" db:"joined_at"`
}

// Position is a participant's holding in one instrument. AvgBuyPrice is
// a volume-weighted running average updated only on buy fills; it resets
// to zero when the quantity reaches zero.
type Position struct {
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Code          string          `json:"code" db:"code"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price" db:"avg_buy_price"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a participant's order request and its lifecycle state.
// LimitPrice is nil iff Type is "market". Once the status is filled or
// cancelled the row is immutable.
type Order struct {
	ID             string           `json:"id" db:"id"`
	ParticipantID  string           `json:"participant_id" db:"participant_id"`
	Code           string           `json:"code" db:"code"`
	Side           string           `json:"side" db:"side"`
	Type           string           `json:"type" db:"type"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	FilledPrice    *decimal.Decimal `json:"filled_price,omitempty" db:"filled_price"`
	Fee            decimal.Decimal  `json:"fee" db:"fee"`
	Status         string           `json:"status" db:"status"`
	CancelReason   string           `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty" db:"filled_at"`
	CancelledAt    *time.Time       `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Terminal reports whether the order can no longer change.
func (o *Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// Trade is an immutable record of one execution event. An order may
// produce more than one trade if filled over multiple ticks.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	OrderID       string          `json:"order_id" db:"order_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Code          string          `json:"code" db:"code"`
	Side          string          `json:"side" db:"side"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// PriceTick is one update from the external price feed.
type PriceTick struct {
	Code      string          `json:"code"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}
