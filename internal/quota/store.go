// Package quota owns per-user quota buckets. Every balance mutation runs through
// Store.Do so bucket updates and their ledger rows commit together.
package quota

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/db"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PackageBucketKey returns the bucket key for a package grant.
func PackageBucketKey(packageID uint64) string {
	return fmt.Sprintf("pkg:%d", packageID)
}

// Store is the transactional entry point for quota mutations.
type Store struct {
	db    *gorm.DB
	locks *userLocks
	now   func() time.Time
}

// NewStore returns a Store backed by conn.
func NewStore(conn *gorm.DB) *Store {
	s := &Store{
		db:  conn,
		now: func() time.Time { return time.Now().UTC() },
	}
	if !db.SupportsRowLocks(conn) {
		s.locks = newUserLocks()
	}
	return s
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// DB returns the connection the store runs on, for reads outside Do.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Do runs fn inside one database transaction scoped to userID. All reads and
// writes inside fn must go through the Tx. Store failures come back wrapped as
// errs.ErrTransientStore; business errors returned by fn pass through unchanged.
func (s *Store) Do(ctx context.Context, userID uint64, fn func(tx *Tx) error) error {
	if userID == 0 {
		return errs.Invalidf("user id is required")
	}
	if fn == nil {
		return errs.Invalidf("nil quota func")
	}
	if s.locks != nil {
		unlock := s.locks.lock(userID)
		defer unlock()
	}
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx, userID: userID, now: s.Now(), correlation: uuid.NewString()})
	})
	if errTx != nil {
		return errs.Transient("quota tx", errTx)
	}
	return nil
}

// Balances returns the user's buckets in draw order.
func (s *Store) Balances(ctx context.Context, userID uint64) ([]models.QuotaBucket, error) {
	var rows []models.QuotaBucket
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errs.Transient("quota balances", errFind)
	}
	ptrs := make([]*models.QuotaBucket, len(rows))
	for i := range rows {
		ptrs[i] = &rows[i]
	}
	sortDrawOrder(ptrs)
	out := make([]models.QuotaBucket, len(ptrs))
	for i, b := range ptrs {
		out[i] = *b
	}
	return out, nil
}

// Summary totals a user's buckets.
type Summary struct {
	UserID    uint64          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Used      decimal.Decimal `json:"used"`
	Granted   decimal.Decimal `json:"granted"`
}

// Summarize totals buckets.
func Summarize(userID uint64, buckets []models.QuotaBucket) Summary {
	sum := Summary{UserID: userID, Available: decimal.Zero, Frozen: decimal.Zero, Used: decimal.Zero, Granted: decimal.Zero}
	for _, b := range buckets {
		sum.Available = sum.Available.Add(b.Available)
		sum.Frozen = sum.Frozen.Add(b.Frozen)
		sum.Used = sum.Used.Add(b.Used)
		sum.Granted = sum.Granted.Add(b.Granted)
	}
	return sum
}

// Adjustment is an administrative balance change. Positive amounts grant,
// negative amounts deduct from available into used.
type Adjustment struct {
	UserID        uint64
	BucketKey     string
	Amount        decimal.Decimal
	Reason        string
	CorrelationID string
}

// Adjust applies an administrative grant or deduction atomically.
func (s *Store) Adjust(ctx context.Context, adj Adjustment) ([]models.QuotaBucket, error) {
	if adj.Amount.IsZero() {
		return nil, errs.Invalidf("adjustment amount must be non-zero")
	}
	reason := strings.TrimSpace(adj.Reason)
	if reason == "" {
		reason = "admin adjustment"
	}
	op := Op{Reason: reason, CorrelationID: adj.CorrelationID}
	errDo := s.Do(ctx, adj.UserID, func(tx *Tx) error {
		if adj.Amount.IsPositive() {
			key := strings.TrimSpace(adj.BucketKey)
			if key == "" {
				key = models.DefaultBucketKey
			}
			spec := BucketSpec{Key: key}
			if key != models.DefaultBucketKey {
				existing, errFind := tx.bucketByKey(key)
				if errFind != nil {
					return errFind
				}
				if existing == nil {
					return errs.NotFoundf("bucket %s for user %d", key, adj.UserID)
				}
				spec = BucketSpec{Key: key, PackageID: existing.PackageID, Priority: existing.Priority, ExpiresAt: existing.ExpiresAt}
			}
			_, errGrant := tx.Grant(spec, adj.Amount, op)
			return errGrant
		}
		_, errDeduct := tx.Deduct(adj.BucketKey, adj.Amount.Neg(), op)
		return errDeduct
	})
	if errDo != nil {
		return nil, errDo
	}
	return s.Balances(ctx, adj.UserID)
}

// sortDrawOrder orders buckets by priority, then default first, then id.
func sortDrawOrder(buckets []*models.QuotaBucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.IsDefault() != b.IsDefault() {
			return a.IsDefault()
		}
		return a.ID < b.ID
	})
}
