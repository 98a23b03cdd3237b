// Package usage settles reported calls against their authorizations.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Report is one inbound call report.
type Report struct {
	CallToken   string             `json:"call_token"`
	RequestID   string             `json:"request_id"`
	Outcome     models.CallOutcome `json:"outcome"`
	Units       billing.Units      `json:"usage"`
	ErrorStatus int                `json:"error_status,omitempty"`
	ErrorBody   []byte             `json:"-"`
}

// Result describes how a settled call moved quota.
type Result struct {
	AuthorizationID string             `json:"authorization_id"`
	RequestID       string             `json:"request_id"`
	Outcome         models.CallOutcome `json:"outcome"`
	FrozenAmount    decimal.Decimal    `json:"frozen_amount"`
	ActualCost      decimal.Decimal    `json:"actual_cost"`
	Converted       decimal.Decimal    `json:"converted"`
	Released        decimal.Decimal    `json:"released"`
	Overage         decimal.Decimal    `json:"overage"`
	SettledAt       time.Time          `json:"settled_at"`
}

// PriceResolver returns the price rule for a (model, user) pair.
type PriceResolver interface {
	Resolve(ctx context.Context, model string, userID uint64) (*models.PriceRule, error)
}

// Engine settles call reports.
type Engine struct {
	store   *quota.Store
	prices  PriceResolver
	metrics *metrics.Metrics
}

// NewEngine wires an Engine. m may be nil.
func NewEngine(store *quota.Store, prices PriceResolver, m *metrics.Metrics) *Engine {
	return &Engine{store: store, prices: prices, metrics: m}
}

// ReportCall settles the authorization behind report.CallToken exactly once.
//
// Validation failures come back as errs.ErrNotFound (unknown token),
// errs.ErrConflict (already settled, revoked, or request id reused) and
// errs.ErrExpired (deadline passed). When the actual cost exceeds the freeze
// and the overage cannot be covered, nothing is committed and the error
// matches errs.ErrInsufficientQuotaForOverage; the authorization stays active.
func (e *Engine) ReportCall(ctx context.Context, report Report) (result *Result, err error) {
	outcome := report.Outcome
	if outcome == "" {
		outcome = models.CallSuccess
	}
	defer func() {
		e.metrics.RecordSettlement(string(outcome), errs.Kind(err))
		if errors.Is(err, errs.ErrInsufficientQuotaForOverage) {
			e.metrics.RecordOverageFailure()
		}
		if result != nil {
			e.metrics.RecordSettledAmounts(result.Converted.InexactFloat64(), result.Released.InexactFloat64(), result.Overage.InexactFloat64())
		}
	}()

	token := strings.TrimSpace(report.CallToken)
	requestID := strings.TrimSpace(report.RequestID)
	if token == "" || requestID == "" {
		return nil, errs.Invalidf("call token and request id are required")
	}
	if outcome != models.CallSuccess && outcome != models.CallFailure {
		return nil, errs.Invalidf("unknown outcome %q", outcome)
	}
	if errUnits := report.Units.Validate(); errUnits != nil {
		return nil, errUnits
	}

	auth, errFind := e.findByToken(ctx, token)
	if errFind != nil {
		return nil, errFind
	}

	// Resolved before the transaction so rule lookups never wait on the
	// connection the transaction holds. A lookup error is reported only once
	// the authorization is known to be settleable.
	var rule *models.PriceRule
	var errRule error
	if outcome == models.CallSuccess {
		rule, errRule = e.settlementRule(ctx, auth)
	}

	errDo := e.store.Do(ctx, auth.UserID, func(tx *quota.Tx) error {
		locked, errLock := authz.Lock(tx, auth.ID)
		if errLock != nil {
			return errLock
		}
		if errCheck := checkSettleable(tx, locked, requestID); errCheck != nil {
			return errCheck
		}
		if errRule != nil {
			return errRule
		}

		actual := decimal.Zero
		if outcome == models.CallSuccess {
			actual = billing.Settle(rule, report.Units)
		}
		frozen := locked.FrozenAmount
		op := quota.Op{Reason: "call settlement", CorrelationID: requestID, AuthorizationID: locked.ID}

		settlement, errConvert := tx.Convert(locked.Allocations, decimal.Min(actual, frozen), op)
		if errConvert != nil {
			return errConvert
		}
		overage := decimal.Zero
		if actual.GreaterThan(frozen) {
			overage = actual.Sub(frozen)
			if _, errConsume := tx.Consume(overage, quota.Op{Reason: "call overage", CorrelationID: requestID, AuthorizationID: locked.ID}); errConsume != nil {
				var quotaErr *errs.QuotaError
				if errors.As(errConsume, &quotaErr) {
					return errs.InsufficientForOverage(locked.UserID, frozen, overage, quotaErr.Available)
				}
				return errConsume
			}
		}

		now := tx.Now()
		if errFinal := authz.Finalize(tx, locked, authz.Transition{
			Status:           models.AuthorizationUsed,
			ActualCost:       decimal.NewNullDecimal(actual),
			SettledRequestID: requestID,
		}, now); errFinal != nil {
			return errFinal
		}

		record := models.CallRecord{
			RequestID:        requestID,
			AuthorizationID:  locked.ID,
			UserID:           locked.UserID,
			Model:            locked.Model,
			Outcome:          outcome,
			InputUnits:       report.Units.Input,
			OutputUnits:      report.Units.Output,
			CachedInputUnits: report.Units.CachedInput,
			ActualCost:       actual,
			FrozenAmount:     frozen,
			ReleasedAmount:   settlement.Released,
			OverageAmount:    overage,
			ErrorDetail:      buildErrorDetail(outcome == models.CallFailure, report.ErrorStatus, report.ErrorBody),
			ReportedAt:       now,
		}
		if errCreate := tx.DB().Create(&record).Error; errCreate != nil {
			if errors.Is(errCreate, gorm.ErrDuplicatedKey) {
				return errs.Conflictf("request id %s already reported", requestID)
			}
			return fmt.Errorf("create call record: %w", errCreate)
		}

		result = &Result{
			AuthorizationID: locked.ID,
			RequestID:       requestID,
			Outcome:         outcome,
			FrozenAmount:    frozen,
			ActualCost:      actual,
			Converted:       settlement.Converted.Add(overage),
			Released:        settlement.Released,
			Overage:         overage,
			SettledAt:       now,
		}
		return nil
	})
	if errDo != nil {
		result = nil
		e.logFailure(auth, requestID, errDo)
		return nil, errDo
	}

	log.WithFields(log.Fields{
		"authorization_id": result.AuthorizationID,
		"request_id":       requestID,
		"outcome":          outcome,
		"actual":           result.ActualCost.String(),
		"released":         result.Released.String(),
		"overage":          result.Overage.String(),
	}).Debug("call settled")
	return result, nil
}

// checkSettleable applies the settlement preconditions in order.
func checkSettleable(tx *quota.Tx, auth *models.Authorization, requestID string) error {
	switch auth.Status {
	case models.AuthorizationActive:
	case models.AuthorizationExpired:
		return fmt.Errorf("authorization %s: %w", auth.ID, errs.ErrExpired)
	default:
		return errs.Conflictf("authorization %s is already %s", auth.ID, auth.Status)
	}
	if tx.Now().After(auth.ExpiresAt) {
		return fmt.Errorf("authorization %s lapsed at %s: %w", auth.ID, auth.ExpiresAt.Format(time.RFC3339), errs.ErrExpired)
	}
	var seen int64
	if errCount := tx.DB().Model(&models.CallRecord{}).Where("request_id = ?", requestID).Count(&seen).Error; errCount != nil {
		return fmt.Errorf("check request id: %w", errCount)
	}
	if seen > 0 {
		return errs.Conflictf("request id %s already reported", requestID)
	}
	if auth.SettledRequestID != nil {
		return errs.Conflictf("authorization %s already settled by %s", auth.ID, *auth.SettledRequestID)
	}
	return nil
}

func (e *Engine) findByToken(ctx context.Context, token string) (*models.Authorization, error) {
	var auth models.Authorization
	errFind := e.store.DB().WithContext(ctx).
		Select("id", "user_id", "model", "price_rule_id").
		Where("call_token = ?", token).
		Take(&auth).Error
	switch {
	case errFind == nil:
		return &auth, nil
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, errs.NotFoundf("call token")
	default:
		return nil, errs.Transient("load authorization", errFind)
	}
}

// settlementRule resolves the current rule, falling back to the rule the
// estimate used when the model no longer resolves.
func (e *Engine) settlementRule(ctx context.Context, auth *models.Authorization) (*models.PriceRule, error) {
	rule, errResolve := e.prices.Resolve(ctx, auth.Model, auth.UserID)
	if errResolve == nil {
		return rule, nil
	}
	if !errors.Is(errResolve, errs.ErrNotFound) || auth.PriceRuleID == nil {
		return nil, errResolve
	}
	var fallback models.PriceRule
	if errFind := e.store.DB().WithContext(ctx).Where("id = ?", *auth.PriceRuleID).Take(&fallback).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, errResolve
		}
		return nil, errs.Transient("load price rule", errFind)
	}
	log.WithFields(log.Fields{
		"authorization_id": auth.ID,
		"price_rule_id":    fallback.ID,
	}).Warn("settling with the authorization's original price rule")
	return &fallback, nil
}

func (e *Engine) logFailure(auth *models.Authorization, requestID string, err error) {
	entry := log.WithFields(log.Fields{
		"authorization_id": auth.ID,
		"user_id":          auth.UserID,
		"request_id":       requestID,
		"kind":             errs.Kind(err),
	}).WithError(err)
	switch {
	case errors.Is(err, errs.ErrInsufficientQuotaForOverage):
		entry.WithField("operator_attention", true).Warn("settlement overage could not be covered; authorization left active")
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrExpired), errors.Is(err, errs.ErrNotFound):
		entry.Info("settlement rejected")
	case errors.Is(err, errs.ErrTransientStore):
		entry.Warn("settlement failed on store error")
	default:
		entry.Error("settlement failed")
	}
}
