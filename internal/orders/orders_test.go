package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/meteringtest"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
)

type recordingInvalidator struct {
	users []uint64
}

func (r *recordingInvalidator) InvalidateUser(_ context.Context, userID uint64) error {
	r.users = append(r.users, userID)
	return nil
}

func TestGrantPackageIsIdempotentPerOrder(t *testing.T) {
	conn := meteringtest.OpenDB(t, "orders")
	clock := meteringtest.NewClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	store := quota.NewStore(conn)
	store.SetClock(clock.Now)
	user := meteringtest.SeedUser(t, conn, "alice")

	pkg := models.Package{Name: "pro", Quota: meteringtest.Dec("50"), ValidDays: 30, Priority: -1, IsEnabled: true}
	if errCreate := conn.Create(&pkg).Error; errCreate != nil {
		t.Fatalf("seed package: %v", errCreate)
	}
	invalidator := &recordingInvalidator{}
	svc := NewService(store, access.NewDBUsers(conn), invalidator)
	ctx := context.Background()

	res, errGrant := svc.GrantPackage(ctx, user.ID, pkg.ID, "order-1")
	if errGrant != nil {
		t.Fatalf("grant: %v", errGrant)
	}
	wantExpiry := clock.Now().AddDate(0, 0, 30)
	if res.Membership.ExpiresAt == nil || !res.Membership.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("membership expiry = %v, want %s", res.Membership.ExpiresAt, wantExpiry)
	}
	if res.Bucket.BucketKey != quota.PackageBucketKey(pkg.ID) || res.Bucket.Priority != -1 {
		t.Fatalf("unexpected bucket %+v", res.Bucket)
	}
	if len(invalidator.users) != 1 || invalidator.users[0] != user.ID {
		t.Fatalf("expected price cache invalidation for user, got %v", invalidator.users)
	}
	meteringtest.AssertTotals(t, store, user.ID, "50", "0", "0")

	if _, errAgain := svc.GrantPackage(ctx, user.ID, pkg.ID, "order-1"); !errors.Is(errAgain, errs.ErrConflict) {
		t.Fatalf("expected conflict on repeated order, got %v", errAgain)
	}
	meteringtest.AssertTotals(t, store, user.ID, "50", "0", "0")

	// A second purchase stacks the validity and the quota.
	clock.Advance(24 * time.Hour)
	res, errGrant = svc.GrantPackage(ctx, user.ID, pkg.ID, "order-2")
	if errGrant != nil {
		t.Fatalf("second grant: %v", errGrant)
	}
	wantExpiry = wantExpiry.AddDate(0, 0, 30)
	if res.Membership.ExpiresAt == nil || !res.Membership.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("extended expiry = %v, want %s", res.Membership.ExpiresAt, wantExpiry)
	}
	meteringtest.AssertTotals(t, store, user.ID, "100", "0", "0")

	var memberships, orders int64
	conn.Model(&models.PackageMembership{}).Count(&memberships)
	conn.Model(&models.PackageOrder{}).Count(&orders)
	if memberships != 1 || orders != 2 {
		t.Fatalf("memberships %d orders %d", memberships, orders)
	}

	var ledgerRows []models.LedgerRecord
	conn.Where("correlation_id = ?", "order-2").Find(&ledgerRows)
	if len(ledgerRows) != 1 || ledgerRows[0].Kind != models.LedgerIncrease {
		t.Fatalf("expected one increase row for order-2, got %+v", ledgerRows)
	}
}

func TestGrantPackageRejections(t *testing.T) {
	conn := meteringtest.OpenDB(t, "orders_reject")
	store := quota.NewStore(conn)
	user := meteringtest.SeedUser(t, conn, "alice")
	disabledPkg := models.Package{Name: "legacy", Quota: meteringtest.Dec("10"), IsEnabled: true}
	if errCreate := conn.Create(&disabledPkg).Error; errCreate != nil {
		t.Fatalf("seed package: %v", errCreate)
	}
	conn.Model(&disabledPkg).Update("is_enabled", false)

	svc := NewService(store, access.NewDBUsers(conn), nil)
	ctx := context.Background()
	if _, errGrant := svc.GrantPackage(ctx, user.ID, 999, "o-1"); !errors.Is(errGrant, errs.ErrNotFound) {
		t.Fatalf("unknown package: expected not found, got %v", errGrant)
	}
	if _, errGrant := svc.GrantPackage(ctx, user.ID, disabledPkg.ID, "o-2"); !errors.Is(errGrant, errs.ErrForbidden) {
		t.Fatalf("disabled package: expected forbidden, got %v", errGrant)
	}
	if _, errGrant := svc.GrantPackage(ctx, 999, disabledPkg.ID, "o-3"); !errors.Is(errGrant, errs.ErrNotFound) {
		t.Fatalf("unknown user: expected not found, got %v", errGrant)
	}
	if _, errGrant := svc.GrantPackage(ctx, user.ID, disabledPkg.ID, " "); !errors.Is(errGrant, errs.ErrInvalidArgument) {
		t.Fatalf("empty order: expected invalid argument, got %v", errGrant)
	}
}
