package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PricingMode defines how costs are calculated.
type PricingMode string

// Pricing modes.
const (
	// PricingPerToken charges input and output units separately.
	PricingPerToken PricingMode = "per_token"
	// PricingPerCall charges a fixed price per call.
	PricingPerCall PricingMode = "per_call"
)

// PriceRule prices a model, optionally scoped to a package.
type PriceRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Model     string  `gorm:"type:varchar(255);not null;index"` // Model name.
	PackageID *uint64 `gorm:"index"`                            // Package scope, nil for the default rule.

	PricingMode PricingMode `gorm:"type:varchar(16);not null"` // Billing strategy.

	InputUnitPrice       decimal.Decimal     `gorm:"type:decimal(38,12);not null;default:0"` // Price per input unit.
	OutputUnitPrice      decimal.Decimal     `gorm:"type:decimal(38,12);not null;default:0"` // Price per output unit.
	CachedInputUnitPrice decimal.NullDecimal `gorm:"type:decimal(38,12)"`                    // Price per cached input unit.
	CallPrice            decimal.Decimal     `gorm:"type:decimal(38,12);not null;default:0"` // Price per call.
	MaxUnits             *int64              // Per-call unit cap used for estimates.

	EffectiveFrom  time.Time  `gorm:"not null;index"` // Rule start.
	EffectiveUntil *time.Time // Rule end, open when nil.

	Enabled    bool           `gorm:"not null;default:true"` // Whether the rule is active.
	Conditions datatypes.JSON `gorm:"type:jsonb"`            // Tagged conditions.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ActiveAt reports whether the rule is enabled and inside its effective window.
func (r PriceRule) ActiveAt(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if now.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !now.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}
