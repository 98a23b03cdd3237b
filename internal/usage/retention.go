package usage

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	internalsettings "github.com/router-for-me/CLIProxyAPIMetering/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval   = 6 * time.Hour
	defaultCallDeleteBatchSize = 5000
	maxDeleteBatchesPerRun     = 2000
)

// RetentionCleaner deletes old rows from the call_records table. It runs on
// the scheduler every Interval(). Ledger records and authorizations are never
// touched.
type RetentionCleaner struct {
	db            *gorm.DB
	interval      time.Duration
	batchSize     int
	retentionDays int
	now           func() time.Time
	metrics       *metrics.Metrics
}

// NewRetentionCleaner returns a cleaner keeping retentionDays of call records
// unless overridden at runtime; 0 keeps everything.
func NewRetentionCleaner(db *gorm.DB, interval time.Duration, retentionDays int, m *metrics.Metrics) *RetentionCleaner {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	return &RetentionCleaner{
		db:            db,
		interval:      interval,
		batchSize:     defaultCallDeleteBatchSize,
		retentionDays: retentionDays,
		now:           time.Now,
		metrics:       m,
	}
}

// Interval is how often the cleaner should run.
func (c *RetentionCleaner) Interval() time.Duration {
	if c == nil {
		return defaultRetentionInterval
	}
	return c.interval
}

// CleanupOnce deletes expired call records in bounded batches and returns the
// number of rows removed.
func (c *RetentionCleaner) CleanupOnce(ctx context.Context) int64 {
	if c == nil || c.db == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}

	retentionDays := internalsettings.IntValue(internalsettings.CallRecordRetentionDaysKey, c.retentionDays)
	if retentionDays <= 0 {
		return 0
	}

	cutoff := c.now().UTC().AddDate(0, 0, -retentionDays)

	deletedTotal := int64(0)
	for i := 0; i < maxDeleteBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("call record retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		c.metrics.RecordRetentionDeleted(deletedTotal)
		log.Infof("call record retention cleaner: deleted %d rows (cutoff=%s retention_days=%d)", deletedTotal, cutoff.Format(time.RFC3339), retentionDays)
	}
	return deletedTotal
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	limit := c.batchSize
	if limit <= 0 {
		limit = defaultCallDeleteBatchSize
	}

	// Use a limited subquery to avoid long-running transactions and table locks.
	res := c.db.WithContext(ctx).Exec(`
		DELETE FROM call_records
		WHERE id IN (
			SELECT id FROM call_records
			WHERE reported_at < ?
			ORDER BY reported_at ASC
			LIMIT ?
		)
	`, cutoff, limit)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
