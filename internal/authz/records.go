package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Lock re-reads the authorization inside tx under a row lock, with its
// allocations in draw order. The user must match the transaction scope.
func Lock(tx *quota.Tx, id string) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := tx.DB().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&auth).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, errs.NotFoundf("authorization %s", id)
	default:
		return nil, fmt.Errorf("lock authorization %s: %w", id, errFind)
	}
	if auth.UserID != tx.UserID() {
		return nil, errs.NotFoundf("authorization %s", id)
	}
	if errAlloc := tx.DB().
		Where("authorization_id = ?", auth.ID).
		Order("seq ASC").
		Find(&auth.Allocations).Error; errAlloc != nil {
		return nil, fmt.Errorf("load allocations %s: %w", id, errAlloc)
	}
	return &auth, nil
}

// Transition describes the terminal state an active authorization moves to.
type Transition struct {
	Status           models.AuthorizationStatus
	ActualCost       decimal.NullDecimal
	SettledRequestID string
	RevokeReason     string
}

// Finalize flips an active authorization to a terminal status. The update is
// conditional on the row still being active; losing that race is a conflict.
func Finalize(tx *quota.Tx, auth *models.Authorization, next Transition, at time.Time) error {
	if !next.Status.Terminal() {
		return errs.Invalidf("status %q is not terminal", next.Status)
	}
	updates := map[string]any{
		"status":       next.Status,
		"finalized_at": at,
		"updated_at":   at,
	}
	if next.ActualCost.Valid {
		updates["actual_cost"] = next.ActualCost
		auth.ActualCost = next.ActualCost
	}
	if next.SettledRequestID != "" {
		updates["settled_request_id"] = next.SettledRequestID
	}
	if next.RevokeReason != "" {
		updates["revoke_reason"] = next.RevokeReason
	}
	res := tx.DB().Model(&models.Authorization{}).
		Where("id = ? AND status = ?", auth.ID, models.AuthorizationActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finalize authorization %s: %w", auth.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return errs.Conflictf("authorization %s is no longer active", auth.ID)
	}
	auth.Status = next.Status
	if next.SettledRequestID != "" {
		requestID := next.SettledRequestID
		auth.SettledRequestID = &requestID
	}
	if next.RevokeReason != "" {
		auth.RevokeReason = next.RevokeReason
	}
	auth.FinalizedAt = &at
	auth.UpdatedAt = at
	return nil
}
