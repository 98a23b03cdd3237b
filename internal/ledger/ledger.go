// Package ledger appends and reads the immutable balance mutation log.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	purgeBatchSize      = 5000
	maxPurgeBatches     = 2000
)

// Append writes records inside tx. It must run in the same transaction as the
// bucket mutation it describes.
func Append(tx *gorm.DB, records ...*models.LedgerRecord) error {
	if tx == nil {
		return fmt.Errorf("ledger: nil tx")
	}
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if rec == nil {
			return fmt.Errorf("ledger: nil record")
		}
		if errValidate := validate(rec); errValidate != nil {
			return errValidate
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
	}
	if errCreate := tx.Create(records).Error; errCreate != nil {
		return fmt.Errorf("ledger: append: %w", errCreate)
	}
	return nil
}

func validate(rec *models.LedgerRecord) error {
	switch rec.Kind {
	case models.LedgerIncrease, models.LedgerDecrease, models.LedgerFreeze, models.LedgerUnfreeze:
	default:
		return fmt.Errorf("ledger: unknown kind %q", rec.Kind)
	}
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("ledger: non-positive amount %s", rec.Amount)
	}
	if rec.UserID == 0 || rec.BucketID == 0 {
		return fmt.Errorf("ledger: record without user or bucket")
	}
	if strings.TrimSpace(rec.CorrelationID) == "" {
		return fmt.Errorf("ledger: record without correlation id")
	}
	return nil
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	UserID        uint64
	BucketID      uint64
	Kind          models.LedgerKind
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
	Offset        int
}

// Recorder serves ledger reads and administrative purges.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder returns a Recorder backed by db.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// History returns matching records newest first plus the total match count.
func (r *Recorder) History(ctx context.Context, f Filter) ([]models.LedgerRecord, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.LedgerRecord{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.BucketID != 0 {
		q = q.Where("bucket_id = ?", f.BucketID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if cid := strings.TrimSpace(f.CorrelationID); cid != "" {
		q = q.Where("correlation_id = ?", cid)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("created_at < ?", f.Until.UTC())
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return nil, 0, errs.Transient("ledger history count", errCount)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []models.LedgerRecord
	if errFind := q.Order("id DESC").Limit(limit).Offset(offset).Find(&rows).Error; errFind != nil {
		return nil, 0, errs.Transient("ledger history", errFind)
	}
	return rows, total, nil
}

// ByCorrelation returns every record written by one operation in write order.
func (r *Recorder) ByCorrelation(ctx context.Context, correlationID string) ([]models.LedgerRecord, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, errs.Invalidf("empty correlation id")
	}
	var rows []models.LedgerRecord
	if errFind := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errs.Transient("ledger by correlation", errFind)
	}
	return rows, nil
}

// Purge deletes records created before cutoff in bounded batches. It is the
// only path that removes ledger rows.
func (r *Recorder) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errs.Invalidf("purge requires a cutoff")
	}
	cutoff = cutoff.UTC()
	deletedTotal := int64(0)
	for i := 0; i < maxPurgeBatches; i++ {
		if ctx.Err() != nil {
			return deletedTotal, ctx.Err()
		}
		res := r.db.WithContext(ctx).Exec(`
			DELETE FROM ledger_records
			WHERE id IN (
				SELECT id FROM ledger_records
				WHERE created_at < ?
				ORDER BY id ASC
				LIMIT ?
			)
		`, cutoff, purgeBatchSize)
		if res.Error != nil {
			return deletedTotal, errs.Transient("ledger purge", res.Error)
		}
		if res.RowsAffected <= 0 {
			break
		}
		deletedTotal += res.RowsAffected
	}
	return deletedTotal, nil
}
