package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Package is a purchasable quota bundle.
type Package struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name      string          `gorm:"type:text;not null;uniqueIndex"`         // Display name.
	Quota     decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Quota granted per purchase.
	ValidDays int             `gorm:"not null;default:0"`                     // Membership validity in days, 0 for no expiry.
	Priority  int             `gorm:"not null;default:0"`                     // Draw and pricing priority, lower first.
	IsEnabled bool            `gorm:"not null;default:true"`                  // Whether the package can be granted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// PackageMembership links a user to a package for a time window.
type PackageMembership struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64 `gorm:"not null;uniqueIndex:idx_package_memberships_user_package,priority:1"` // Member.
	PackageID uint64 `gorm:"not null;uniqueIndex:idx_package_memberships_user_package,priority:2"` // Package.
	Priority  int    `gorm:"not null;default:0"`                                                   // Copied from the package.

	StartsAt  time.Time  `gorm:"not null"` // Membership start.
	ExpiresAt *time.Time `gorm:"index"`    // Membership end, open when nil.

	Package Package `gorm:"foreignKey:PackageID"` // Package relation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// ActiveAt reports whether the membership covers now.
func (m PackageMembership) ActiveAt(now time.Time) bool {
	if now.Before(m.StartsAt) {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// PackageOrder records a completed purchase so it is granted only once.
type PackageOrder struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrderID   string          `gorm:"type:varchar(128);not null;uniqueIndex"` // External order id.
	UserID    uint64          `gorm:"not null;index"`                         // Purchasing user.
	PackageID uint64          `gorm:"not null;index"`                         // Purchased package.
	Amount    decimal.Decimal `gorm:"type:decimal(38,12);not null"`           // Granted quota.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
