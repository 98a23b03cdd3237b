// Package meteringtest provides database fixtures shared by package tests.
package meteringtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/db"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// OpenDB returns a migrated in-memory SQLite database unique to the test.
func OpenDB(t testing.TB, prefix string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d_%d?mode=memory&cache=shared", prefix, time.Now().UnixNano(), dbSeq.Add(1))
	conn, errOpen := db.Open(dsn, db.PoolConfig{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Dec parses a decimal literal.
func Dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// SeedUser inserts an enabled user.
func SeedUser(t testing.TB, conn *gorm.DB, username string) models.User {
	t.Helper()
	user := models.User{Username: username}
	if errCreate := conn.Create(&user).Error; errCreate != nil {
		t.Fatalf("seed user: %v", errCreate)
	}
	return user
}

// SeedModel inserts an active model.
func SeedModel(t testing.TB, conn *gorm.DB, name string) models.AIModel {
	t.Helper()
	model := models.AIModel{Name: name, Provider: "test", IsActive: true}
	if errCreate := conn.Create(&model).Error; errCreate != nil {
		t.Fatalf("seed model: %v", errCreate)
	}
	return model
}

// SeedTokenRule inserts a default per-token rule effective from from.
func SeedTokenRule(t testing.TB, conn *gorm.DB, model, input, output string, from time.Time) models.PriceRule {
	t.Helper()
	rule := models.PriceRule{
		Model:           model,
		PricingMode:     models.PricingPerToken,
		InputUnitPrice:  Dec(input),
		OutputUnitPrice: Dec(output),
		EffectiveFrom:   from,
		Enabled:         true,
	}
	if errCreate := conn.Create(&rule).Error; errCreate != nil {
		t.Fatalf("seed price rule: %v", errCreate)
	}
	return rule
}

// Grant credits the user's default bucket.
func Grant(t testing.TB, store *quota.Store, userID uint64, amount string) {
	t.Helper()
	errDo := store.Do(context.Background(), userID, func(tx *quota.Tx) error {
		_, errGrant := tx.Grant(quota.BucketSpec{Key: models.DefaultBucketKey}, Dec(amount), quota.Op{Reason: "test grant"})
		return errGrant
	})
	if errDo != nil {
		t.Fatalf("grant: %v", errDo)
	}
}

// Totals sums the user's buckets.
func Totals(t testing.TB, store *quota.Store, userID uint64) quota.Summary {
	t.Helper()
	rows, errBal := store.Balances(context.Background(), userID)
	if errBal != nil {
		t.Fatalf("balances: %v", errBal)
	}
	return quota.Summarize(userID, rows)
}

// AssertTotals checks the user's summed balances and conservation.
func AssertTotals(t testing.TB, store *quota.Store, userID uint64, available, frozen, used string) {
	t.Helper()
	sum := Totals(t, store, userID)
	if !sum.Available.Equal(Dec(available)) || !sum.Frozen.Equal(Dec(frozen)) || !sum.Used.Equal(Dec(used)) {
		t.Fatalf("totals = available %s frozen %s used %s, want %s/%s/%s",
			sum.Available, sum.Frozen, sum.Used, available, frozen, used)
	}
	if !sum.Available.Add(sum.Frozen).Add(sum.Used).Equal(sum.Granted) {
		t.Fatalf("conservation broken: %s + %s + %s != %s", sum.Available, sum.Frozen, sum.Used, sum.Granted)
	}
}
