package model

import (
	"errors"
	"fmt"
)

// Trade and pool errors. Callers branch on them with errors.Is.
var (
	// ErrInvalidTradeSize is returned for non-positive, non-finite, or
	// oversized requests that would push a pool past the probability bounds.
	ErrInvalidTradeSize = errors.New("model: invalid trade size")

	// ErrInsufficientShares is returned when a sale cannot be absorbed by
	// the book and the pool, or exceeds what the seller holds.
	ErrInsufficientShares = errors.New("model: insufficient shares")

	// ErrInsufficientPoolDepth is returned when a liquidity withdrawal
	// would leave a reserve non-positive.
	ErrInsufficientPoolDepth = errors.New("model: insufficient pool depth")

	// ErrStaleSnapshot is returned by stores when the state a trade was
	// computed against has since been replaced.
	ErrStaleSnapshot = errors.New("model: stale snapshot")

	// ErrInvariantViolation signals a state the engine must never produce.
	ErrInvariantViolation = errors.New("model: invariant violation")

	ErrInsufficientBalance  = errors.New("model: insufficient balance")
	ErrMarketClosed         = errors.New("model: market is not open")
	ErrAnswerNotFound       = errors.New("model: answer not found")
	ErrUnsupportedMechanism = errors.New("model: unsupported mechanism")
	ErrNotFound             = errors.New("model: not found")
)

// SizeError wraps a size failure with the largest size that would have
// succeeded, in the unit of the request (mana for buys, shares for sales).
type SizeError struct {
	Err error
	Max float64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%v: maximum %.6f", e.Err, e.Max)
}

func (e *SizeError) Unwrap() error { return e.Err }

// MaxSize extracts the suggested maximum from err, if it carries one.
func MaxSize(err error) (float64, bool) {
	var se *SizeError
	if errors.As(err, &se) {
		return se.Max, true
	}
	return 0, false
}

// Invariantf builds an ErrInvariantViolation with context.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
