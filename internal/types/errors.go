package types

import (
	"errors"
	"fmt"
)

var (
	// ErrValidationFailed indicates the constraint validator rejected the
	// candidate plan. The violation details travel alongside in the plan summary.
	ErrValidationFailed = errors.New("constraint validation failed")

	// ErrInvalidTransition indicates an illegal status move (caller error).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrExpired indicates an operation arrived after the plan's expiry.
	ErrExpired = errors.New("plan expired")

	// ErrNotApproved blocks execution start for any non-approved plan.
	ErrNotApproved = errors.New("plan not approved")

	// ErrAlreadyExecuted trips when a plan already has a terminal execution.
	ErrAlreadyExecuted = errors.New("plan already executed")

	// ErrAlreadyExecuting trips when a plan's execution is still in flight.
	ErrAlreadyExecuting = errors.New("plan execution already in progress")

	// ErrKillSwitchOn indicates the global kill switch suppressed the operation.
	ErrKillSwitchOn = errors.New("kill switch is on")

	// ErrLiveTradingDisabled blocks LIVE-mode order emission unless the
	// deployment explicitly enables it.
	ErrLiveTradingDisabled = errors.New("live trading is disabled")

	// ErrDataQuality indicates missing/zero/negative prices in the inputs.
	ErrDataQuality = errors.New("data quality check failed")

	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// BrokerError wraps a failure from the broker adapter. Transient failures are
// retried with backoff; fatal ones terminate the order immediately.
type BrokerError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BrokerError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("broker %s: %s error: %v", e.Op, kind, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewTransientBrokerError marks an error as retryable.
func NewTransientBrokerError(op string, err error) *BrokerError {
	return &BrokerError{Op: op, Transient: true, Err: err}
}

// NewFatalBrokerError marks an error as terminal for the order.
func NewFatalBrokerError(op string, err error) *BrokerError {
	return &BrokerError{Op: op, Transient: false, Err: err}
}

// IsTransientBrokerError reports whether err is a retryable broker failure.
func IsTransientBrokerError(err error) bool {
	var be *BrokerError
	return errors.As(err, &be) && be.Transient
}
