package engine

import "errors"

var (
	// ErrValidation is returned for malformed order parameters: bad side,
	// type, quantity, or an implausible price. Never retried.
	ErrValidation = errors.New("engine: invalid order parameters")

	// ErrInsufficientBalance is returned when a buy would cost more than
	// the participant's cash balance including fees.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")

	// ErrInsufficientPosition is returned when a sell exceeds the
	// participant's holding in the instrument.
	ErrInsufficientPosition = errors.New("engine: insufficient position")

	// ErrCompetitionClosed is returned when the owning competition is not
	// currently accepting orders.
	ErrCompetitionClosed = errors.New("engine: competition is not accepting orders")
)

// Cancel reasons recorded when tick-time re-validation rejects a resting
// order. Participants see these on the order row.
const (
	ReasonUserCancelled        = "cancelled by participant"
	ReasonInsufficientBalance  = "insufficient balance at execution"
	ReasonInsufficientPosition = "insufficient position at execution"
	ReasonConsistencyAbort     = "fill aborted by consistency guard"
)
