package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBucketKey names the bucket that is not tied to a package.
const DefaultBucketKey = "default"

// QuotaBucket holds one user's balance for a bucket key.
type QuotaBucket struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64  `gorm:"not null;uniqueIndex:idx_quota_buckets_user_bucket,priority:1"`               // Owning user.
	BucketKey string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_quota_buckets_user_bucket,priority:2"` // "default" or "pkg:<id>".
	PackageID *uint64 `gorm:"index"`                                                                       // Source package, nil for the default bucket.
	Priority  int     `gorm:"not null;default:0"`                                                          // Lower draws first.

	Available decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Spendable balance.
	Frozen    decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Reserved by active authorizations.
	Used      decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Consumed, never decreases.
	Granted   decimal.Decimal `gorm:"type:decimal(38,12);not null;default:0"` // Total ever granted.

	ExpiresAt *time.Time // Package expiry; expired buckets take refunds but no new draws.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsDefault reports whether the bucket is the user's default bucket.
func (b QuotaBucket) IsDefault() bool {
	return b.BucketKey == DefaultBucketKey
}

// Drawable reports whether new freezes or consumptions may draw from the bucket at now.
func (b QuotaBucket) Drawable(now time.Time) bool {
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}
