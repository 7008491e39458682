package custody

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures so callers can tell a hard error from a condition
// that is expected while polling.
type Kind string

const (
	KindUnknown    Kind = ""
	KindValidation Kind = "validation" // bad constructor/operation arguments; never retried
	KindPolicy     Kind = "policy"     // time gate not yet open; retry later
	KindNoOp       Kind = "noop"       // nothing to move; not an alarm condition
	KindTransfer   Kind = "transfer"   // the asset rejected the transfer; state rolled back
)

var (
	ErrInvalidBeneficiary = errors.New("invalid beneficiary")
	ErrInvalidSchedule    = errors.New("invalid schedule (cliff must be >= 0 and shorter than vesting duration)")
	ErrInvalidAsset       = errors.New("invalid asset")
	ErrInvalidDuration    = errors.New("invalid duration (must be > 0)")
	ErrInvalidAmount      = errors.New("invalid amount (must be > 0)")

	ErrStillLocked      = errors.New("tokens are still locked")
	ErrCliffNotReached  = errors.New("cliff not reached")
	ErrNothingToRelease = errors.New("nothing to release")
	ErrNothingLocked    = errors.New("no tokens to release")

	ErrTransferFailed = errors.New("transfer failed")
)

// Error carries the failure kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// RetryAt is set for policy failures: the earliest time the gate opens.
	RetryAt time.Time
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps err as a construction/argument failure.
func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Policy wraps err as a time-gate failure that opens at retryAt.
func Policy(op string, err error, retryAt time.Time) error {
	return &Error{Kind: KindPolicy, Op: op, Err: err, RetryAt: retryAt}
}

// NoOp wraps err as a nothing-to-do condition.
func NoOp(op string, err error) error {
	return &Error{Kind: KindNoOp, Op: op, Err: err}
}

// Transfer wraps an asset failure; the result matches both ErrTransferFailed
// and the asset's own error.
func Transfer(op string, cause error) error {
	return &Error{Kind: KindTransfer, Op: op, Err: fmt.Errorf("%w: %w", ErrTransferFailed, cause)}
}

// KindOf reports the kind of err, or KindUnknown when err is not a custody error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsNoOp reports whether err only signals that nothing was moved.
func IsNoOp(err error) bool {
	return KindOf(err) == KindNoOp
}

// IsRetryable reports whether a later attempt may succeed without any change
// from the caller.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPolicy, KindNoOp:
		return true
	default:
		return false
	}
}

// RetryAt returns the gate-opening time carried by a policy failure.
func RetryAt(err error) (time.Time, bool) {
	var ce *Error
	if errors.As(err, &ce) && !ce.RetryAt.IsZero() {
		return ce.RetryAt, true
	}
	return time.Time{}, false
}
