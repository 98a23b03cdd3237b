package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/db"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(db.SQLiteDialector(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.LedgerRecord{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func record(userID, bucketID uint64, kind models.LedgerKind, amount int64, correlation string) *models.LedgerRecord {
	return &models.LedgerRecord{
		UserID:        userID,
		BucketID:      bucketID,
		BucketKey:     models.DefaultBucketKey,
		Kind:          kind,
		Amount:        decimal.NewFromInt(amount),
		Reason:        "test",
		CorrelationID: correlation,
	}
}

func TestAppendRejectsInvalidRecords(t *testing.T) {
	conn := openTestDB(t)

	cases := []*models.LedgerRecord{
		record(1, 1, "transfer", 1, "c"),
		record(1, 1, models.LedgerIncrease, 0, "c"),
		record(0, 1, models.LedgerIncrease, 1, "c"),
		record(1, 1, models.LedgerIncrease, 1, " "),
	}
	for i, rec := range cases {
		if err := Append(conn, rec); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	var count int64
	conn.Model(&models.LedgerRecord{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no rows, got %d", count)
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	conn := openTestDB(t)

	errBoom := errors.New("boom")
	errTx := conn.Transaction(func(tx *gorm.DB) error {
		if err := Append(tx, record(1, 1, models.LedgerFreeze, 5, "op-1")); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(errTx, errBoom) {
		t.Fatalf("unexpected tx error: %v", errTx)
	}

	var count int64
	conn.Model(&models.LedgerRecord{}).Count(&count)
	if count != 0 {
		t.Fatalf("ledger rows survived rollback: %d", count)
	}
}

func TestHistoryFiltersAndPaginates(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	if err := Append(conn,
		record(1, 10, models.LedgerIncrease, 100, "grant-1"),
		record(1, 10, models.LedgerFreeze, 20, "auth-1"),
		record(1, 11, models.LedgerFreeze, 5, "auth-1"),
		record(2, 20, models.LedgerIncrease, 50, "grant-2"),
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	r := NewRecorder(conn)
	rows, total, err := r.History(ctx, Filter{UserID: 1, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 3 || len(rows) != 2 {
		t.Fatalf("total=%d len=%d", total, len(rows))
	}
	if rows[0].ID < rows[1].ID {
		t.Fatalf("expected newest first")
	}

	rows, total, err = r.History(ctx, Filter{UserID: 1, Kind: models.LedgerFreeze})
	if err != nil {
		t.Fatalf("history by kind: %v", err)
	}
	if total != 2 || len(rows) != 2 {
		t.Fatalf("freeze rows total=%d len=%d", total, len(rows))
	}

	byCorrelation, err := r.ByCorrelation(ctx, "auth-1")
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if len(byCorrelation) != 2 || byCorrelation[0].BucketID != 10 || byCorrelation[1].BucketID != 11 {
		t.Fatalf("unexpected correlation rows: %+v", byCorrelation)
	}
	if _, err := r.ByCorrelation(ctx, ""); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestPurgeDeletesOnlyOlderRows(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()

	old := record(1, 1, models.LedgerIncrease, 1, "old")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := record(1, 1, models.LedgerIncrease, 1, "fresh")
	if err := Append(conn, old, fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	deleted, err := NewRecorder(conn).Purge(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d", deleted)
	}
	var rows []models.LedgerRecord
	conn.Find(&rows)
	if len(rows) != 1 || rows[0].CorrelationID != "fresh" {
		t.Fatalf("unexpected survivors: %+v", rows)
	}

	if _, err := NewRecorder(conn).Purge(ctx, time.Time{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for zero cutoff, got %v", err)
	}
}
