// Package orders turns completed package purchases into quota grants.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PriceInvalidator drops cached price resolutions for a user.
type PriceInvalidator interface {
	InvalidateUser(ctx context.Context, userID uint64) error
}

// Service grants purchased packages.
type Service struct {
	store  *quota.Store
	users  access.UserChecker
	prices PriceInvalidator
}

// NewService wires a Service. users and prices may be nil.
func NewService(store *quota.Store, users access.UserChecker, prices PriceInvalidator) *Service {
	return &Service{store: store, users: users, prices: prices}
}

// GrantResult describes a processed order.
type GrantResult struct {
	Order      models.PackageOrder      `json:"order"`
	Membership models.PackageMembership `json:"membership"`
	Bucket     models.QuotaBucket       `json:"bucket"`
}

// GrantPackage records orderID and grants the package quota into the user's
// package bucket. An order id is processed at most once; a repeat returns
// errs.ErrConflict.
func (s *Service) GrantPackage(ctx context.Context, userID, packageID uint64, orderID string) (*GrantResult, error) {
	orderID = strings.TrimSpace(orderID)
	if userID == 0 || packageID == 0 || orderID == "" {
		return nil, errs.Invalidf("user, package and order id are required")
	}
	if s.users != nil {
		if errUser := s.users.CheckUser(ctx, userID); errUser != nil {
			return nil, errUser
		}
	}
	pkg, errPkg := s.loadPackage(ctx, packageID)
	if errPkg != nil {
		return nil, errPkg
	}

	var result GrantResult
	errDo := s.store.Do(ctx, userID, func(tx *quota.Tx) error {
		var seen int64
		if errCount := tx.DB().Model(&models.PackageOrder{}).Where("order_id = ?", orderID).Count(&seen).Error; errCount != nil {
			return fmt.Errorf("check order: %w", errCount)
		}
		if seen > 0 {
			return errs.Conflictf("order %s already processed", orderID)
		}

		now := tx.Now()
		order := models.PackageOrder{
			OrderID:   orderID,
			UserID:    userID,
			PackageID: pkg.ID,
			Amount:    pkg.Quota,
			CreatedAt: now,
		}
		if errCreate := tx.DB().Create(&order).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				return errs.Conflictf("order %s already processed", orderID)
			}
			return fmt.Errorf("create order: %w", errCreate)
		}

		membership, errMember := extendMembership(tx.DB(), userID, pkg, now)
		if errMember != nil {
			return errMember
		}

		pkgID := pkg.ID
		spec := quota.BucketSpec{
			Key:       quota.PackageBucketKey(pkg.ID),
			PackageID: &pkgID,
			Priority:  pkg.Priority,
			ExpiresAt: membership.ExpiresAt,
		}
		op := quota.Op{Reason: fmt.Sprintf("package %s purchase", pkg.Name), CorrelationID: orderID}
		if pkg.Quota.IsPositive() {
			bucket, errGrant := tx.Grant(spec, pkg.Quota, op)
			if errGrant != nil {
				return errGrant
			}
			result.Bucket = *bucket
		}
		result.Order = order
		result.Membership = *membership
		return nil
	})
	if errDo != nil {
		return nil, errDo
	}

	if s.prices != nil {
		if errInvalidate := s.prices.InvalidateUser(ctx, userID); errInvalidate != nil {
			log.WithError(errInvalidate).WithField("user_id", userID).Warn("orders: price cache invalidation failed")
		}
	}
	log.WithFields(log.Fields{
		"order_id":   orderID,
		"user_id":    userID,
		"package_id": pkg.ID,
		"quota":      pkg.Quota.String(),
	}).Info("package granted")
	return &result, nil
}

func (s *Service) loadPackage(ctx context.Context, packageID uint64) (*models.Package, error) {
	var pkg models.Package
	errFind := s.store.DB().WithContext(ctx).Where("id = ?", packageID).Take(&pkg).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, errs.NotFoundf("package %d", packageID)
	default:
		return nil, errs.Transient("load package", errFind)
	}
	if !pkg.IsEnabled {
		return nil, fmt.Errorf("package %d is disabled: %w", packageID, errs.ErrForbidden)
	}
	return &pkg, nil
}

// extendMembership creates the membership or pushes its end out by the
// package validity. A lapsed membership restarts at now.
func extendMembership(tx *gorm.DB, userID uint64, pkg *models.Package, now time.Time) (*models.PackageMembership, error) {
	var membership models.PackageMembership
	errFind := tx.Where("user_id = ? AND package_id = ?", userID, pkg.ID).Take(&membership).Error
	exists := errFind == nil
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load membership: %w", errFind)
	}

	base := now
	if exists && membership.ActiveAt(now) && membership.ExpiresAt != nil {
		base = *membership.ExpiresAt
	}
	if !exists || !membership.ActiveAt(now) {
		membership.StartsAt = now
	}
	membership.UserID = userID
	membership.PackageID = pkg.ID
	membership.Priority = pkg.Priority
	switch {
	case pkg.ValidDays <= 0:
		membership.ExpiresAt = nil
	case exists && membership.ExpiresAt == nil && membership.ActiveAt(now):
		// Open-ended membership stays open-ended.
	default:
		expires := base.AddDate(0, 0, pkg.ValidDays).UTC()
		membership.ExpiresAt = &expires
	}
	membership.UpdatedAt = now

	if !exists {
		membership.CreatedAt = now
		if errCreate := tx.Omit("Package").Create(&membership).Error; errCreate != nil {
			return nil, fmt.Errorf("create membership: %w", errCreate)
		}
		return &membership, nil
	}
	errSave := tx.Model(&models.PackageMembership{}).
		Where("id = ?", membership.ID).
		Updates(map[string]any{
			"priority":   membership.Priority,
			"starts_at":  membership.StartsAt,
			"expires_at": membership.ExpiresAt,
			"updated_at": membership.UpdatedAt,
		}).Error
	if errSave != nil {
		return nil, fmt.Errorf("update membership: %w", errSave)
	}
	return &membership, nil
}
