package lx

import (
	"errors"
	"fmt"
)

// Error classes. Every failure returned by the engine wraps exactly one of
// these, so callers classify with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotOwner            = errors.New("not order owner")
	ErrNotActive           = errors.New("order not active")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrUnauthorized        = errors.New("unauthorized")
)

// Refinements of ErrInvalidInput.
var (
	ErrInvalidPrice          = fmt.Errorf("%w: invalid price", ErrInvalidInput)
	ErrInvalidAmount         = fmt.Errorf("%w: invalid amount", ErrInvalidInput)
	ErrUnsupportedInstrument = fmt.Errorf("%w: unsupported instrument", ErrInvalidInput)
	ErrInvalidSide           = fmt.Errorf("%w: invalid side", ErrInvalidInput)
	ErrInvalidHint           = fmt.Errorf("%w: price hint does not bracket price", ErrInvalidInput)
	ErrLevelScanLimit        = fmt.Errorf("%w: price level scan exceeded hop limit", ErrInvalidInput)
	ErrSlippage              = fmt.Errorf("%w: received less than minimum", ErrInvalidInput)
	ErrDustOrder             = fmt.Errorf("%w: notional below minimum", ErrInvalidInput)
	ErrInvalidDecimals       = fmt.Errorf("%w: unsupported decimals", ErrInvalidInput)
)

// Refinements of ErrInvariantViolation.
var (
	ErrIDCollision = fmt.Errorf("%w: order id space exhausted", ErrInvariantViolation)
)

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Classify names the error class of err, "" for nil.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return "other"
}
