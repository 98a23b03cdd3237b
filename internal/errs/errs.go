// Package errs defines the error taxonomy shared by the metering core.
package errs

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrNotFound reports an unknown user, model, package or authorization.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientQuota reports that a freeze or deduction could not be covered.
	ErrInsufficientQuota = errors.New("insufficient quota")
	// ErrInsufficientQuotaForOverage reports that settlement overage could not be covered.
	ErrInsufficientQuotaForOverage = errors.New("insufficient quota for overage")
	// ErrConflict reports a duplicate request, a double settlement or a lost race.
	ErrConflict = errors.New("conflict")
	// ErrExpired reports that an authorization lapsed before it was settled.
	ErrExpired = errors.New("authorization expired")
	// ErrTransientStore reports a store failure; the whole operation may be retried.
	ErrTransientStore = errors.New("transient store error")
	// ErrInvalidArgument reports malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrForbidden reports a user or model that exists but may not be used.
	ErrForbidden = errors.New("forbidden")
)

// QuotaError carries the amounts behind an insufficient quota failure.
type QuotaError struct {
	Kind      error           // ErrInsufficientQuota or ErrInsufficientQuotaForOverage.
	UserID    uint64          // Affected user.
	Required  decimal.Decimal // Amount that had to be covered.
	Available decimal.Decimal // Amount that was available across eligible buckets.
	Frozen    decimal.Decimal // Frozen amount already converted, overage only.
	Overage   decimal.Decimal // Portion above the frozen amount, overage only.
}

func (e *QuotaError) Error() string {
	if e == nil {
		return "<nil>"
	}
	kind := e.Kind
	if kind == nil {
		kind = ErrInsufficientQuota
	}
	if errors.Is(kind, ErrInsufficientQuotaForOverage) {
		return fmt.Sprintf("%s: user=%d frozen=%s overage=%s available=%s", kind, e.UserID, e.Frozen, e.Overage, e.Available)
	}
	return fmt.Sprintf("%s: user=%d required=%s available=%s", kind, e.UserID, e.Required, e.Available)
}

func (e *QuotaError) Unwrap() error {
	if e == nil || e.Kind == nil {
		return ErrInsufficientQuota
	}
	return e.Kind
}

// Insufficient builds a QuotaError for a failed freeze or deduction.
func Insufficient(userID uint64, required, available decimal.Decimal) *QuotaError {
	return &QuotaError{Kind: ErrInsufficientQuota, UserID: userID, Required: required, Available: available}
}

// InsufficientForOverage builds a QuotaError for a failed overage settlement.
func InsufficientForOverage(userID uint64, frozen, overage, available decimal.Decimal) *QuotaError {
	return &QuotaError{
		Kind:      ErrInsufficientQuotaForOverage,
		UserID:    userID,
		Required:  frozen.Add(overage),
		Available: available,
		Frozen:    frozen,
		Overage:   overage,
	}
}

// Transient wraps a store failure so it matches ErrTransientStore while keeping the cause.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	return &transientError{op: op, err: err}
}

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string { return e.op + ": " + ErrTransientStore.Error() + ": " + e.err.Error() }

func (e *transientError) Is(target error) bool { return target == ErrTransientStore }

func (e *transientError) Unwrap() error { return e.err }

// IsDomain reports whether err is one of the business outcomes rather than a store fault.
func IsDomain(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientQuota),
		errors.Is(err, ErrInsufficientQuotaForOverage),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrTransientStore):
		return true
	default:
		return false
	}
}

// Kind returns a short stable label for err, used by logs, metrics and HTTP bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientQuotaForOverage):
		return "insufficient_quota_for_overage"
	case errors.Is(err, ErrInsufficientQuota):
		return "insufficient_quota"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTransientStore):
		return "transient_store"
	default:
		return "internal"
	}
}

// Conflictf formats a conflict error.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// NotFoundf formats a not found error.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Invalidf formats an invalid argument error.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}
