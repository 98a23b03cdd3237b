package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthorizationStatus is the state of an authorization.
type AuthorizationStatus string

// Authorization states. Everything except active is terminal.
const (
	AuthorizationActive  AuthorizationStatus = "active"
	AuthorizationUsed    AuthorizationStatus = "used"
	AuthorizationExpired AuthorizationStatus = "expired"
	AuthorizationRevoked AuthorizationStatus = "revoked"
)

// Terminal reports whether no further transition is allowed.
func (s AuthorizationStatus) Terminal() bool {
	return s != AuthorizationActive
}

// Authorization is a time-boxed, pre-paid grant to call one model.
type Authorization struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // UUID.

	UserID    uint64 `gorm:"not null;index"`                          // Owning user.
	Model     string `gorm:"type:varchar(255);not null;index"`        // Authorized model.
	CallToken string `gorm:"type:varchar(128);not null;uniqueIndex"` // Opaque single-use token.

	FrozenAmount  decimal.Decimal     `gorm:"type:decimal(38,12);not null"`     // Fixed at creation.
	EstimatedCost decimal.Decimal     `gorm:"type:decimal(38,12);not null"`     // Estimate the freeze was based on.
	ActualCost    decimal.NullDecimal `gorm:"type:decimal(38,12)"`              // Set on settlement.
	PriceRuleID   *uint64             `gorm:"index"`                            // Rule used for the estimate.

	Status    AuthorizationStatus `gorm:"type:varchar(16);not null;index:idx_authorizations_status_expires,priority:1"` // Lifecycle state.
	ExpiresAt time.Time           `gorm:"not null;index:idx_authorizations_status_expires,priority:2"`                 // Settlement deadline.

	SettledRequestID *string    `gorm:"type:varchar(128);uniqueIndex"` // Request id that settled it.
	FinalizedAt      *time.Time // When a terminal state was entered.
	RevokeReason     string     `gorm:"type:text"` // Administrative revoke reason.

	Allocations []AuthorizationAllocation `gorm:"foreignKey:AuthorizationID"` // Per-bucket freeze breakdown.

	CreatedAt time.Time `gorm:"not null"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AuthorizationAllocation records how much of a freeze came from one bucket.
type AuthorizationAllocation struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AuthorizationID string          `gorm:"type:varchar(64);not null;index"` // Owning authorization.
	BucketID        uint64          `gorm:"not null;index"`                  // Bucket drawn from.
	Amount          decimal.Decimal `gorm:"type:decimal(38,12);not null"`    // Frozen amount drawn.
	Seq             int             `gorm:"not null"`                        // Draw order.
}
