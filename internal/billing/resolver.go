package billing

import (
	"context"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultCacheTTL bounds how stale a resolved rule may be when nothing
// invalidates it.
const DefaultCacheTTL = 5 * time.Minute

// Resolver determines the price rule for a (model, user) pair.
type Resolver struct {
	db          *gorm.DB
	memberships MembershipSource
	cache       Cache
	ttl         time.Duration
	now         func() time.Time
	metrics     *metrics.Metrics
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithCache replaces the default in-process cache.
func WithCache(cache Cache) ResolverOption {
	return func(r *Resolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithTTL sets the cache TTL. Non-positive values disable caching.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithMemberships replaces the membership source.
func WithMemberships(src MembershipSource) ResolverOption {
	return func(r *Resolver) {
		if src != nil {
			r.memberships = src
		}
	}
}

// WithMetrics records cache lookups on m.
func WithMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver returns a Resolver reading rules from db.
func NewResolver(db *gorm.DB, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		db:          db,
		memberships: NewGormMemberships(db),
		cache:       NewMemoryCache(),
		ttl:         DefaultCacheTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the rule that prices model for userID now.
func (r *Resolver) Resolve(ctx context.Context, model string, userID uint64) (*models.PriceRule, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errs.Invalidf("model is required")
	}
	now := r.now().UTC()

	entry, errEntry := r.entry(ctx, model, userID, now)
	if errEntry != nil {
		return nil, errEntry
	}
	rule := SelectPriceRule(entry.Candidates, now)
	if rule == nil {
		return nil, errs.NotFoundf("no active price rule for model %s", model)
	}
	return rule, nil
}

func (r *Resolver) entry(ctx context.Context, model string, userID uint64, now time.Time) (*Entry, error) {
	if r.ttl > 0 {
		cached, ok, errGet := r.cache.Get(ctx, userID, model)
		switch {
		case errGet != nil:
			r.metrics.RecordPriceCacheLookup("error")
			log.WithError(errGet).WithField("model", model).Warn("price resolver: cache read failed, loading from store")
		case ok:
			r.metrics.RecordPriceCacheLookup("hit")
			r.logDropped(model, cached.decode())
			return cached, nil
		default:
			r.metrics.RecordPriceCacheLookup("miss")
		}
	}

	entry, errLoad := r.load(ctx, model, userID, now)
	if errLoad != nil {
		return nil, errLoad
	}
	if r.ttl > 0 {
		if errSet := r.cache.Set(ctx, userID, model, entry, r.ttl); errSet != nil {
			log.WithError(errSet).WithField("model", model).Warn("price resolver: cache write failed")
		}
	}
	return entry, nil
}

func (r *Resolver) load(ctx context.Context, model string, userID uint64, now time.Time) (*Entry, error) {
	memberships, errMembers := r.memberships.ActiveMemberships(ctx, userID, now)
	if errMembers != nil {
		return nil, errs.Transient("load memberships", errMembers)
	}

	var rules []models.PriceRule
	if errFind := r.db.WithContext(ctx).
		Where("model = ? AND enabled = ?", model, true).
		Where("effective_until IS NULL OR effective_until > ?", now).
		Find(&rules).Error; errFind != nil {
		return nil, errs.Transient("load price rules", errFind)
	}

	entry := &Entry{Candidates: BuildCandidates(rules, memberships), BuiltAt: now}
	r.logDropped(model, entry.decode())
	return entry, nil
}

func (r *Resolver) logDropped(model string, dropped map[uint64]error) {
	for ruleID, errDecode := range dropped {
		log.WithError(errDecode).WithFields(log.Fields{
			"model":   model,
			"rule_id": ruleID,
		}).Warn("price resolver: skipping rule with invalid conditions")
	}
}

// InvalidateUser drops cached resolutions for one user, e.g. after a package grant.
func (r *Resolver) InvalidateUser(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return errs.Invalidf("user id is required")
	}
	return r.cache.Invalidate(ctx, userID, "")
}

// InvalidateModel drops cached resolutions for one model, e.g. after a rule edit.
func (r *Resolver) InvalidateModel(ctx context.Context, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return errs.Invalidf("model is required")
	}
	return r.cache.Invalidate(ctx, 0, model)
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.Invalidate(ctx, 0, "")
}
