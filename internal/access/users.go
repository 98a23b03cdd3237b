package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"gorm.io/gorm"
)

// UserChecker validates that a user may be billed.
type UserChecker interface {
	CheckUser(ctx context.Context, userID uint64) error
}

// DBUsers checks users stored in the metering database.
type DBUsers struct {
	db *gorm.DB
}

// NewDBUsers constructs a database-backed user checker.
func NewDBUsers(db *gorm.DB) *DBUsers {
	return &DBUsers{db: db}
}

// CheckUser returns errs.ErrNotFound for unknown users and errs.ErrForbidden for disabled ones.
func (u *DBUsers) CheckUser(ctx context.Context, userID uint64) error {
	if u == nil || u.db == nil {
		return fmt.Errorf("access: nil db")
	}
	if userID == 0 {
		return errs.Invalidf("user id is required")
	}
	var user models.User
	errFind := u.db.WithContext(ctx).
		Select("id", "disabled").
		Where("id = ?", userID).
		Take(&user).Error
	switch {
	case errFind == nil:
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return errs.NotFoundf("user %d", userID)
	default:
		return errs.Transient("load user", errFind)
	}
	if user.Disabled {
		return fmt.Errorf("user %d is disabled: %w", userID, errs.ErrForbidden)
	}
	return nil
}

// CreateUser inserts a user row. Used by the admin surface and fixtures.
func (u *DBUsers) CreateUser(ctx context.Context, username string) (*models.User, error) {
	if username == "" {
		return nil, errs.Invalidf("username is required")
	}
	user := &models.User{Username: username}
	if errCreate := u.db.WithContext(ctx).Create(user).Error; errCreate != nil {
		if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
			return nil, errs.Conflictf("username %q already exists", username)
		}
		return nil, errs.Transient("create user", errCreate)
	}
	return user, nil
}

// SetDisabled toggles the disabled flag.
func (u *DBUsers) SetDisabled(ctx context.Context, userID uint64, disabled bool) error {
	res := u.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("disabled", disabled)
	if res.Error != nil {
		return errs.Transient("update user", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFoundf("user %d", userID)
	}
	return nil
}
