package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuotaErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("freeze: %w", Insufficient(7, decimal.NewFromInt(10), decimal.NewFromInt(3)))
	if !errors.Is(err, ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}
	if errors.Is(err, ErrInsufficientQuotaForOverage) {
		t.Fatalf("freeze failure must not match overage")
	}
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError")
	}
	if !qe.Required.Equal(decimal.NewFromInt(10)) || !qe.Available.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected amounts: %+v", qe)
	}
	if Kind(err) != "insufficient_quota" {
		t.Fatalf("kind = %q", Kind(err))
	}
}

func TestOverageErrorKind(t *testing.T) {
	err := InsufficientForOverage(1, decimal.NewFromInt(10), decimal.NewFromInt(5), decimal.NewFromInt(3))
	if !errors.Is(err, ErrInsufficientQuotaForOverage) {
		t.Fatalf("expected overage sentinel")
	}
	if !err.Required.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("required = %s", err.Required)
	}
	if Kind(err) != "insufficient_quota_for_overage" {
		t.Fatalf("kind = %q", Kind(err))
	}
}

func TestTransientKeepsDomainErrors(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := Transient("settle", cause)
	if !errors.Is(wrapped, ErrTransientStore) {
		t.Fatalf("expected transient, got %v", wrapped)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be preserved")
	}

	conflict := Conflictf("request %s already settled", "r1")
	if got := Transient("settle", conflict); got != conflict {
		t.Fatalf("domain error must pass through unchanged, got %v", got)
	}
	if Transient("noop", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
