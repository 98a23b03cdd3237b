package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CallOutcome is the reported result of a model call.
type CallOutcome string

// Call outcomes.
const (
	CallSuccess CallOutcome = "success"
	CallFailure CallOutcome = "failure"
)

// CallRecord is written once per settled call.
type CallRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID       string `gorm:"type:varchar(128);not null;uniqueIndex"` // Caller supplied idempotency key.
	AuthorizationID string `gorm:"type:varchar(64);not null;index"`       // Settled authorization.
	UserID          uint64 `gorm:"not null;index"`                        // Owning user.
	Model           string `gorm:"type:varchar(255);not null;index"`      // Called model.

	Outcome CallOutcome `gorm:"type:varchar(16);not null"` // Reported outcome.

	InputUnits       int64 `gorm:"not null;default:0"` // Input token count.
	OutputUnits      int64 `gorm:"not null;default:0"` // Output token count.
	CachedInputUnits int64 `gorm:"not null;default:0"` // Cached input token count.

	ActualCost     decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Final charge.
	FrozenAmount   decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Amount reserved at authorization.
	ReleasedAmount decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Frozen amount returned to available.
	OverageAmount  decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Amount consumed beyond the freeze.

	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Structured failure detail.

	ReportedAt time.Time `gorm:"not null;index"`          // Settlement timestamp.
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
