// Package store defines the persistence interface for the contest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mocktrade/contest-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrOrderTerminal is returned when a conditional order mutation finds
	// the order already filled or cancelled. This is how the cancel/fill
	// race resolves to exactly one winner.
	ErrOrderTerminal = errors.New("store: order already in terminal state")

	// ErrConsistency is returned when a fill would drive a balance or a
	// position quantity negative. Validation precedes every fill, so this
	// indicates a defect, not a business rejection; the fill is aborted.
	ErrConsistency = errors.New("store: fill would violate balance/position invariant")
)

// Fill describes one execution event to be applied atomically: the order
// moves to its post-fill state, the participant's balance and position
// mutate, and a trade row is appended. Either all occur or none do.
type Fill struct {
	Order    *model.Order // post-fill state; inserted if new (market), else conditionally updated
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal
	At       time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Competitions ---

	// CreateCompetition persists a new competition.
	CreateCompetition(ctx context.Context, c *model.Competition) error

	// GetCompetition retrieves a competition by ID.
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)

	// --- Participants ---

	// JoinCompetition creates a participant funded with the competition's
	// initial balance. Fails if the user already joined.
	JoinCompetition(ctx context.Context, competitionID, userID string) (*model.Participant, error)

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// ListParticipants returns all participants in a competition.
	ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error)

	// --- Positions ---

	// GetPosition returns the participant's position for one instrument,
	// or ErrNotFound when none is held.
	GetPosition(ctx context.Context, participantID, code string) (*model.Position, error)

	// ListPositions returns all positions held by a participant.
	ListPositions(ctx context.Context, participantID string) ([]model.Position, error)

	// --- Orders ---

	// CreateOrder persists a new pending order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order owned by the participant.
	GetOrder(ctx context.Context, orderID, participantID string) (*model.Order, error)

	// ListOrders returns the participant's orders, newest first,
	// optionally filtered by status.
	ListOrders(ctx context.Context, participantID, status string, limit int) ([]model.Order, error)

	// ListPendingOrders returns every pending limit order, oldest first.
	// Used to rebuild the resting-order book on startup.
	ListPendingOrders(ctx context.Context) ([]model.Order, error)

	// CancelOrder conditionally moves a pending order to cancelled.
	// Returns ErrOrderTerminal if the order is already filled or cancelled.
	CancelOrder(ctx context.Context, orderID string, at time.Time, reason string) (*model.Order, error)

	// ApplyFill applies one fill as a single atomic unit. Returns
	// ErrOrderTerminal if a resting order was filled or cancelled
	// concurrently, ErrConsistency if the mutation would break solvency.
	ApplyFill(ctx context.Context, f Fill) (*model.Trade, error)

	// --- Trade ledger ---

	// ListTrades returns the participant's trades, newest first.
	ListTrades(ctx context.Context, participantID string, limit int) ([]model.Trade, error)

	// CountTrades returns the number of trades recorded for a participant.
	CountTrades(ctx context.Context, participantID string) (int, error)
}
