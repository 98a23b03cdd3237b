// Package authz issues time-boxed, pre-paid authorizations to call a model.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/security"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/settings"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/util"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultTTL is how long an authorization stays active when not configured.
const DefaultTTL = 10 * time.Minute

// PriceResolver returns the price rule for a (model, user) pair.
type PriceResolver interface {
	Resolve(ctx context.Context, model string, userID uint64) (*models.PriceRule, error)
}

// Request asks for an authorization.
type Request struct {
	UserID   uint64
	Model    string
	Estimate *billing.Units // Optional caller estimate of the call's units.
}

// Grant is returned to the caller of a successful Request.
type Grant struct {
	AuthorizationID string          `json:"authorization_id"`
	CallToken       string          `json:"call_token"`
	ExpiresAt       time.Time       `json:"expires_at"`
	FrozenAmount    decimal.Decimal `json:"frozen_amount"`
	PriceRuleID     uint64          `json:"price_rule_id"`
}

// Manager issues and revokes authorizations.
type Manager struct {
	store    *quota.Store
	prices   PriceResolver
	users    access.UserChecker
	models   modelregistry.ModelChecker
	ttl      time.Duration
	minUnits int64
	metrics  *metrics.Metrics
	newToken func() (string, error)
}

// Option configures Manager.
type Option func(*Manager)

// WithTTL sets the default lifetime of new authorizations.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMinimumEstimateUnits sets the unit count frozen when a per-token rule has
// no cap and the caller sends no estimate.
func WithMinimumEstimateUnits(units int64) Option {
	return func(m *Manager) {
		if units > 0 {
			m.minUnits = units
		}
	}
}

// WithMetrics records request outcomes on mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithTokenGenerator replaces the call token generator.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newToken = gen
		}
	}
}

// NewManager wires a Manager to its collaborators.
func NewManager(store *quota.Store, prices PriceResolver, users access.UserChecker, registry modelregistry.ModelChecker, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		prices:   prices,
		users:    users,
		models:   registry,
		ttl:      DefaultTTL,
		minUnits: 1,
		newToken: security.GenerateCallToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request resolves the price, freezes the estimated cost and persists an
// active authorization. It fails with errs.ErrInsufficientQuota when the
// user's drawable balance cannot cover the estimate.
func (m *Manager) Request(ctx context.Context, req Request) (grant *Grant, err error) {
	defer func() { m.metrics.RecordAuthorization(errs.Kind(err)) }()

	modelName := strings.TrimSpace(req.Model)
	if req.UserID == 0 || modelName == "" {
		return nil, errs.Invalidf("user and model are required")
	}
	if req.Estimate != nil {
		if errValidate := req.Estimate.Validate(); errValidate != nil {
			return nil, errValidate
		}
	}
	if m.users != nil {
		if errUser := m.users.CheckUser(ctx, req.UserID); errUser != nil {
			return nil, errUser
		}
	}
	if m.models != nil {
		if errModel := m.models.CheckModel(ctx, modelName); errModel != nil {
			return nil, errModel
		}
	}
	rule, errResolve := m.prices.Resolve(ctx, modelName, req.UserID)
	if errResolve != nil {
		return nil, errResolve
	}

	minUnits := int64(settings.IntValue(settings.MinimumEstimateUnitsKey, int(m.minUnits)))
	cost, _ := billing.Estimate(rule, req.Estimate, minUnits)
	ttl := settings.SecondsValue(settings.AuthorizationTTLSecondsKey, m.ttl)

	token, errToken := m.newToken()
	if errToken != nil {
		return nil, errToken
	}
	id := uuid.NewString()
	ruleID := rule.ID

	var auth models.Authorization
	errDo := m.store.Do(ctx, req.UserID, func(tx *quota.Tx) error {
		op := quota.Op{Reason: "authorization freeze", CorrelationID: id, AuthorizationID: id}
		allocations, errFreeze := tx.Freeze(cost, op)
		if errFreeze != nil {
			return errFreeze
		}
		now := tx.Now()
		auth = models.Authorization{
			ID:            id,
			UserID:        req.UserID,
			Model:         modelName,
			CallToken:     token,
			FrozenAmount:  cost,
			EstimatedCost: cost,
			PriceRuleID:   &ruleID,
			Status:        models.AuthorizationActive,
			ExpiresAt:     now.Add(ttl),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if errCreate := tx.DB().Omit("Allocations").Create(&auth).Error; errCreate != nil {
			return fmt.Errorf("create authorization: %w", errCreate)
		}
		if len(allocations) == 0 {
			return nil
		}
		for i := range allocations {
			allocations[i].AuthorizationID = id
		}
		if errCreate := tx.DB().Create(&allocations).Error; errCreate != nil {
			return fmt.Errorf("create allocations: %w", errCreate)
		}
		auth.Allocations = allocations
		return nil
	})
	if errDo != nil {
		return nil, errDo
	}

	log.WithFields(log.Fields{
		"authorization_id": id,
		"user_id":          req.UserID,
		"model":            modelName,
		"frozen":           cost.String(),
		"price_rule_id":    ruleID,
		"call_token":       util.HideToken(token),
	}).Debug("authorization issued")

	return &Grant{
		AuthorizationID: id,
		CallToken:       token,
		ExpiresAt:       auth.ExpiresAt,
		FrozenAmount:    cost,
		PriceRuleID:     ruleID,
	}, nil
}

// Cancel revokes an active authorization and releases its freeze in full.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*models.Authorization, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}
	return m.finish(ctx, id, func(auth *models.Authorization, _ time.Time) (Transition, string, error) {
		return Transition{Status: models.AuthorizationRevoked, RevokeReason: reason}, "authorization revoked", nil
	})
}

// Expire releases an active authorization whose deadline has passed. A row
// that is no longer active, or not yet due, yields errs.ErrConflict.
func (m *Manager) Expire(ctx context.Context, id string) (*models.Authorization, error) {
	return m.finish(ctx, id, func(auth *models.Authorization, now time.Time) (Transition, string, error) {
		if !now.After(auth.ExpiresAt) {
			return Transition{}, "", errs.Conflictf("authorization %s is not due until %s", auth.ID, auth.ExpiresAt.Format(time.RFC3339))
		}
		return Transition{Status: models.AuthorizationExpired}, "authorization expired", nil
	})
}

// finish releases the full freeze and moves the authorization to the state
// chosen by decide. Status is re-checked under the row lock.
func (m *Manager) finish(ctx context.Context, id string, decide func(*models.Authorization, time.Time) (Transition, string, error)) (*models.Authorization, error) {
	current, errGet := m.Get(ctx, id)
	if errGet != nil {
		return nil, errGet
	}
	var out *models.Authorization
	errDo := m.store.Do(ctx, current.UserID, func(tx *quota.Tx) error {
		auth, errLock := Lock(tx, id)
		if errLock != nil {
			return errLock
		}
		if auth.Status.Terminal() {
			return errs.Conflictf("authorization %s is already %s", id, auth.Status)
		}
		next, reason, errDecide := decide(auth, tx.Now())
		if errDecide != nil {
			return errDecide
		}
		op := quota.Op{Reason: reason, CorrelationID: id, AuthorizationID: id}
		if _, errRelease := tx.Release(auth.Allocations, op); errRelease != nil {
			return errRelease
		}
		if errFinal := Finalize(tx, auth, next, tx.Now()); errFinal != nil {
			return errFinal
		}
		out = auth
		return nil
	})
	if errDo != nil {
		return nil, errDo
	}
	return out, nil
}

// Get loads an authorization with its allocations.
func (m *Manager) Get(ctx context.Context, id string) (*models.Authorization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errs.Invalidf("authorization id is required")
	}
	return m.findOne(ctx, "id = ?", id)
}

// GetByToken loads the authorization issued for a call token.
func (m *Manager) GetByToken(ctx context.Context, token string) (*models.Authorization, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.Invalidf("call token is required")
	}
	if !security.LooksLikeCallToken(token) {
		return nil, errs.NotFoundf("call token")
	}
	return m.findOne(ctx, "call_token = ?", token)
}

func (m *Manager) findOne(ctx context.Context, query string, arg any) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := m.db().WithContext(ctx).
		Preload("Allocations", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where(query, arg).
		Take(&auth).Error
	switch {
	case errFind == nil:
		return &auth, nil
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, errs.NotFoundf("authorization")
	default:
		return nil, errs.Transient("load authorization", errFind)
	}
}

// ListFilter narrows List.
type ListFilter struct {
	UserID uint64
	Status models.AuthorizationStatus
	Limit  int
	Offset int
}

// List returns authorizations newest first, and the total matching count.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]models.Authorization, int64, error) {
	q := m.db().WithContext(ctx).Model(&models.Authorization{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, errs.Transient("count authorizations", errCount)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var rows []models.Authorization
	if errFind := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, errs.Transient("list authorizations", errFind)
	}
	return rows, total, nil
}

func (m *Manager) db() *gorm.DB {
	return m.store.DB()
}
