package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNoActiveBasePlan             = errors.New("no active base plan")
	ErrAlreadyOnTargetPlan          = errors.New("already on target plan")
	ErrActivationPersistenceFailure = errors.New("activation persistence failure")
	ErrPayoutDispatchFailure        = errors.New("payout dispatch failure")
)

// Kind identifies one of the closed set of billing error variants.
type Kind string

const (
	KindNoActiveBasePlan             Kind = "no_active_base_plan"
	KindAlreadyOnTargetPlan          Kind = "already_on_target_plan"
	KindActivationPersistenceFailure Kind = "activation_persistence_failure"
	KindPayoutDispatchFailure        Kind = "payout_dispatch_failure"
)

// Error is a structured error for subscription and commission operations.
type Error struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "activate", "initiate_upgrade", "record_deposit")
	UserID    string // User the operation was acting on or paying
	Err       error  // Underlying error
	Timestamp time.Time
}

func (e *Error) Error() string {
	base := sentinelFor(e.Kind)
	msg := string(e.Kind)
	if base != nil {
		msg = base.Error()
	}
	if e.UserID != "" {
		msg = fmt.Sprintf("%s for user %s", msg, e.UserID)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if base := sentinelFor(e.Kind); base != nil && base == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// Retryable reports whether the caller may retry the operation that produced
// this error. Precondition failures never succeed on retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindActivationPersistenceFailure
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindNoActiveBasePlan:
		return ErrNoActiveBasePlan
	case KindAlreadyOnTargetPlan:
		return ErrAlreadyOnTargetPlan
	case KindActivationPersistenceFailure:
		return ErrActivationPersistenceFailure
	case KindPayoutDispatchFailure:
		return ErrPayoutDispatchFailure
	}
	return nil
}

// New creates a new Error
func New(kind Kind, op, userID string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Helper functions

// NoActiveBasePlan reports an upgrade attempted without an active CLASSIQUE plan.
func NoActiveBasePlan(op, userID string) error {
	return New(KindNoActiveBasePlan, op, userID, nil)
}

// AlreadyOnTargetPlan reports an upgrade attempted by a user already on CIBLE.
func AlreadyOnTargetPlan(op, userID string) error {
	return New(KindAlreadyOnTargetPlan, op, userID, nil)
}

// WrapPersistenceError wraps a storage failure raised while activating.
func WrapPersistenceError(op, userID string, err error) error {
	return New(KindActivationPersistenceFailure, op, userID, err)
}

// WrapDispatchError wraps a ledger failure raised while paying userID.
func WrapDispatchError(op, userID string, err error) error {
	return New(KindPayoutDispatchFailure, op, userID, err)
}

// KindOf returns the variant carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsDomainError checks if an error is a precondition failure that must block
// the operation and should be reported to the caller as a conflict.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNoActiveBasePlan) || errors.Is(err, ErrAlreadyOnTargetPlan)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
