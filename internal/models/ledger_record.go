package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKind classifies a balance mutation.
type LedgerKind string

// Ledger kinds.
const (
	LedgerIncrease LedgerKind = "increase"
	LedgerDecrease LedgerKind = "decrease"
	LedgerFreeze   LedgerKind = "freeze"
	LedgerUnfreeze LedgerKind = "unfreeze"
)

// LedgerRecord is an immutable audit entry for one bucket mutation.
type LedgerRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64 `gorm:"not null;index:idx_ledger_records_user_bucket,priority:1"` // Owning user.
	BucketID  uint64 `gorm:"not null;index:idx_ledger_records_user_bucket,priority:2"` // Mutated bucket.
	BucketKey string `gorm:"type:varchar(64);not null"`                                // Bucket key at write time.

	Kind   LedgerKind      `gorm:"type:varchar(16);not null;index"` // Mutation kind.
	Amount decimal.Decimal `gorm:"type:decimal(38,12);not null"`    // Always positive.

	BalanceBefore decimal.Decimal `gorm:"type:decimal(38,12);not null"` // Available before.
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(38,12);not null"` // Available after.
	FrozenBefore  decimal.Decimal `gorm:"type:decimal(38,12);not null"` // Frozen before.
	FrozenAfter   decimal.Decimal `gorm:"type:decimal(38,12);not null"` // Frozen after.

	Reason          string  `gorm:"type:text;not null"`                            // Human readable reason.
	CorrelationID   string  `gorm:"type:varchar(128);not null;index:idx_ledger_records_correlation"` // Groups records of one operation.
	AuthorizationID *string `gorm:"type:varchar(64);index"`                        // Related authorization, when any.

	CreatedAt time.Time `gorm:"not null;index"` // Write timestamp.
}
