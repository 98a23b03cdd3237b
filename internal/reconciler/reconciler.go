// Package reconciler refunds authorizations that lapsed without a settlement.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	internalsettings "github.com/router-for-me/CLIProxyAPIMetering/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultBatchSize is how many lapsed authorizations one page loads.
const DefaultBatchSize = 500

// Expirer moves one lapsed authorization to expired, releasing its freeze.
// It returns errs.ErrConflict when the row is no longer active.
type Expirer interface {
	Expire(ctx context.Context, id string) (*models.Authorization, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Expired  int `json:"expired"`
	RaceLost int `json:"race_lost"`
	Failures int `json:"failures"`
}

// Reconciler sweeps active authorizations past their deadline.
type Reconciler struct {
	db        *gorm.DB
	expirer   Expirer
	now       func() time.Time
	batchSize int
	metrics   *metrics.Metrics
}

// New returns a Reconciler reading lapsed authorizations through store.
func New(store *quota.Store, expirer Expirer, batchSize int, m *metrics.Metrics) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{
		db:        store.DB(),
		expirer:   expirer,
		now:       store.Now,
		batchSize: batchSize,
		metrics:   m,
	}
}

type candidate struct {
	ID        string
	ExpiresAt time.Time
}

// Sweep expires every authorization that was active and past its deadline
// when the sweep started. Each one commits in its own transaction, so one
// failure does not block the rest. Losing a race to a settlement is counted,
// not treated as an error.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	var result SweepResult
	defer func() {
		r.metrics.RecordSweep(result.Scanned, result.Expired, result.RaceLost, result.Failures, time.Since(started))
	}()

	cutoff := r.now()
	limit := internalsettings.IntValue(internalsettings.ReconcileBatchSizeKey, r.batchSize)
	if limit <= 0 {
		limit = r.batchSize
	}

	var cursor *candidate
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			return result, errCtx
		}
		page, errPage := r.page(ctx, cutoff, cursor, limit)
		if errPage != nil {
			return result, errs.Transient("load lapsed authorizations", errPage)
		}
		for i := range page {
			row := page[i]
			result.Scanned++
			r.expireOne(ctx, row.ID, &result)
		}
		if len(page) < limit {
			break
		}
		last := page[len(page)-1]
		cursor = &last
	}

	if result.Scanned > 0 {
		log.WithFields(log.Fields{
			"scanned":   result.Scanned,
			"expired":   result.Expired,
			"race_lost": result.RaceLost,
			"failures":  result.Failures,
		}).Info("expiry sweep finished")
	}
	return result, nil
}

// page loads the next batch in (expires_at, id) order after cursor.
func (r *Reconciler) page(ctx context.Context, cutoff time.Time, cursor *candidate, limit int) ([]candidate, error) {
	q := r.db.WithContext(ctx).
		Model(&models.Authorization{}).
		Select("id", "expires_at").
		Where("status = ? AND expires_at < ?", models.AuthorizationActive, cutoff)
	if cursor != nil {
		q = q.Where("expires_at > ? OR (expires_at = ? AND id > ?)", cursor.ExpiresAt, cursor.ExpiresAt, cursor.ID)
	}
	var rows []candidate
	errFind := q.Order("expires_at ASC").Order("id ASC").Limit(limit).Scan(&rows).Error
	return rows, errFind
}

func (r *Reconciler) expireOne(ctx context.Context, id string, result *SweepResult) {
	_, errExpire := r.expirer.Expire(ctx, id)
	entry := log.WithField("authorization_id", id)
	switch {
	case errExpire == nil:
		result.Expired++
		entry.Debug("authorization expired and refunded")
	case errors.Is(errExpire, errs.ErrConflict):
		result.RaceLost++
		entry.WithError(errExpire).Info("authorization finalized concurrently; skipping")
	default:
		result.Failures++
		entry.WithError(errExpire).Error("failed to expire authorization")
	}
}

// Job adapts Sweep to the scheduler.
func (r *Reconciler) Job(ctx context.Context) {
	if _, errSweep := r.Sweep(ctx); errSweep != nil && !errors.Is(errSweep, context.Canceled) {
		log.WithError(errSweep).Warn("expiry sweep aborted")
	}
}
