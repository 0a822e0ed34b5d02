package domain

import (
	"errors"
	"fmt"
)

// Ledger invariant violations. These indicate a bug or state drift: the
// offending write is refused and state is left unchanged.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOverfillDetected  = errors.New("fill would exceed order size")
	ErrOrderNotFound     = errors.New("order not found")
)

// Identity errors.
var (
	ErrUnknownIdentity     = errors.New("identity index never derived")
	ErrDerivationExhausted = errors.New("identity derivation space exhausted")
)

// Exchange gateway errors. ErrUnreachable is always retryable; the others
// are terminal for the intent that triggered them.
var (
	ErrUnreachable       = errors.New("exchange unreachable")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyFilled     = errors.New("order already filled")
	ErrNothingToRedeem   = errors.New("nothing to redeem")
)

// RejectionError is a terminal rejection from the exchange, carrying the
// reason so the caller can distinguish "your order was rejected" from
// "we couldn't confirm and are still trying".
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by exchange: %s", e.Reason)
}

// Retryable reports whether an error from the gateway may succeed on retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
