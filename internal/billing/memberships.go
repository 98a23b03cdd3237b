package billing

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"gorm.io/gorm"
)

// MembershipSource lists a user's package memberships that are active at now,
// ordered by priority.
type MembershipSource interface {
	ActiveMemberships(ctx context.Context, userID uint64, now time.Time) ([]models.PackageMembership, error)
}

// GormMemberships reads memberships from the package_memberships table.
type GormMemberships struct {
	db *gorm.DB
}

// NewGormMemberships returns a MembershipSource backed by db.
func NewGormMemberships(db *gorm.DB) *GormMemberships {
	return &GormMemberships{db: db}
}

// ActiveMemberships implements MembershipSource.
func (g *GormMemberships) ActiveMemberships(ctx context.Context, userID uint64, now time.Time) ([]models.PackageMembership, error) {
	var rows []models.PackageMembership
	if errFind := g.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("starts_at <= ?", now.UTC()).
		Where("expires_at IS NULL OR expires_at > ?", now.UTC()).
		Order("priority ASC").
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
