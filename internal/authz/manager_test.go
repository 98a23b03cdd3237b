package authz

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/ledger"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/meteringtest"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	clock   *meteringtest.Clock
	store   *quota.Store
	manager *Manager
	user    models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := meteringtest.OpenDB(t, "authz")
	clock := meteringtest.NewClock(time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC))
	store := quota.NewStore(conn)
	store.SetClock(clock.Now)
	resolver := billing.NewResolver(conn, billing.WithClock(clock.Now))

	meteringtest.SeedModel(t, conn, "gpt-4o")
	meteringtest.SeedTokenRule(t, conn, "gpt-4o", "0.01", "0.02", clock.Now().Add(-time.Hour))
	user := meteringtest.SeedUser(t, conn, "alice")
	meteringtest.Grant(t, store, user.ID, "100")

	return &fixture{
		db:      conn,
		clock:   clock,
		store:   store,
		manager: NewManager(store, resolver, access.NewDBUsers(conn), modelregistry.NewStore(conn)),
		user:    user,
	}
}

func (f *fixture) request(t *testing.T, input, output int64) *Grant {
	t.Helper()
	grant, errReq := f.manager.Request(context.Background(), Request{
		UserID:   f.user.ID,
		Model:    "gpt-4o",
		Estimate: &billing.Units{Input: input, Output: output},
	})
	if errReq != nil {
		t.Fatalf("request: %v", errReq)
	}
	return grant
}

func TestRequestFreezesEstimate(t *testing.T) {
	f := newFixture(t)
	grant := f.request(t, 100, 100)

	if !grant.FrozenAmount.Equal(meteringtest.Dec("3")) {
		t.Fatalf("frozen = %s, want 3", grant.FrozenAmount)
	}
	if !strings.HasPrefix(grant.CallToken, "cat_") {
		t.Fatalf("unexpected token %q", grant.CallToken)
	}
	if want := f.clock.Now().Add(DefaultTTL); !grant.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %s, want %s", grant.ExpiresAt, want)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "97", "3", "0")

	auth, errGet := f.manager.GetByToken(context.Background(), grant.CallToken)
	if errGet != nil {
		t.Fatalf("get by token: %v", errGet)
	}
	if auth.Status != models.AuthorizationActive || auth.ID != grant.AuthorizationID {
		t.Fatalf("unexpected authorization %+v", auth)
	}
	if len(auth.Allocations) != 1 || !auth.Allocations[0].Amount.Equal(meteringtest.Dec("3")) {
		t.Fatalf("unexpected allocations %+v", auth.Allocations)
	}

	rows, errLedger := ledger.NewRecorder(f.db).ByCorrelation(context.Background(), grant.AuthorizationID)
	if errLedger != nil {
		t.Fatalf("ledger: %v", errLedger)
	}
	if len(rows) != 1 || rows[0].Kind != models.LedgerFreeze {
		t.Fatalf("expected one freeze ledger row, got %+v", rows)
	}
	if rows[0].AuthorizationID == nil || *rows[0].AuthorizationID != grant.AuthorizationID {
		t.Fatalf("ledger row not linked to authorization")
	}
}

func TestRequestInsufficientWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, errReq := f.manager.Request(context.Background(), Request{
		UserID:   f.user.ID,
		Model:    "gpt-4o",
		Estimate: &billing.Units{Input: 5000, Output: 5000},
	})
	var quotaErr *errs.QuotaError
	if !errors.As(errReq, &quotaErr) || !errors.Is(errReq, errs.ErrInsufficientQuota) {
		t.Fatalf("expected insufficient quota, got %v", errReq)
	}
	if !quotaErr.Required.Equal(meteringtest.Dec("150")) || !quotaErr.Available.Equal(meteringtest.Dec("100")) {
		t.Fatalf("unexpected amounts %+v", quotaErr)
	}
	var count int64
	f.db.Model(&models.Authorization{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no authorizations, got %d", count)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

func TestRequestCollaboratorFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	disabled := models.User{Username: "bob", Disabled: true}
	if errCreate := f.db.Create(&disabled).Error; errCreate != nil {
		t.Fatalf("seed disabled user: %v", errCreate)
	}
	inactive := models.AIModel{Name: "old-model", IsActive: true}
	if errCreate := f.db.Create(&inactive).Error; errCreate != nil {
		t.Fatalf("seed model: %v", errCreate)
	}
	if errUpdate := f.db.Model(&inactive).Update("is_active", false).Error; errUpdate != nil {
		t.Fatalf("deactivate model: %v", errUpdate)
	}
	meteringtest.SeedModel(t, f.db, "unpriced")

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown user", Request{UserID: 999, Model: "gpt-4o"}, errs.ErrNotFound},
		{"disabled user", Request{UserID: disabled.ID, Model: "gpt-4o"}, errs.ErrForbidden},
		{"unknown model", Request{UserID: f.user.ID, Model: "nope"}, errs.ErrNotFound},
		{"inactive model", Request{UserID: f.user.ID, Model: "old-model"}, errs.ErrForbidden},
		{"no price rule", Request{UserID: f.user.ID, Model: "unpriced"}, errs.ErrNotFound},
		{"missing model", Request{UserID: f.user.ID}, errs.ErrInvalidArgument},
		{"negative estimate", Request{UserID: f.user.ID, Model: "gpt-4o", Estimate: &billing.Units{Input: -1}}, errs.ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, errReq := f.manager.Request(ctx, tc.req); !errors.Is(errReq, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, errReq)
			}
		})
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

func TestCancelReleasesOnce(t *testing.T) {
	f := newFixture(t)
	grant := f.request(t, 100, 100)

	auth, errCancel := f.manager.Cancel(context.Background(), grant.AuthorizationID, "operator request")
	if errCancel != nil {
		t.Fatalf("cancel: %v", errCancel)
	}
	if auth.Status != models.AuthorizationRevoked || auth.RevokeReason != "operator request" || auth.FinalizedAt == nil {
		t.Fatalf("unexpected revoked authorization %+v", auth)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")

	if _, errAgain := f.manager.Cancel(context.Background(), grant.AuthorizationID, ""); !errors.Is(errAgain, errs.ErrConflict) {
		t.Fatalf("expected conflict on second cancel, got %v", errAgain)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")

	if _, errMissing := f.manager.Cancel(context.Background(), "missing", ""); !errors.Is(errMissing, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", errMissing)
	}
}

func TestExpireOnlyAfterDeadline(t *testing.T) {
	f := newFixture(t)
	grant := f.request(t, 100, 100)

	if _, errEarly := f.manager.Expire(context.Background(), grant.AuthorizationID); !errors.Is(errEarly, errs.ErrConflict) {
		t.Fatalf("expected conflict before deadline, got %v", errEarly)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "97", "3", "0")

	f.clock.Advance(DefaultTTL + time.Second)
	auth, errExpire := f.manager.Expire(context.Background(), grant.AuthorizationID)
	if errExpire != nil {
		t.Fatalf("expire: %v", errExpire)
	}
	if auth.Status != models.AuthorizationExpired {
		t.Fatalf("status = %s, want expired", auth.Status)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

func TestListAndLookup(t *testing.T) {
	f := newFixture(t)
	first := f.request(t, 10, 10)
	f.clock.Advance(time.Second)
	second := f.request(t, 10, 10)
	if _, errCancel := f.manager.Cancel(context.Background(), first.AuthorizationID, ""); errCancel != nil {
		t.Fatalf("cancel: %v", errCancel)
	}

	rows, total, errList := f.manager.List(context.Background(), ListFilter{UserID: f.user.ID})
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if total != 2 || len(rows) != 2 || rows[0].ID != second.AuthorizationID {
		t.Fatalf("unexpected list total=%d rows=%+v", total, rows)
	}

	active, total, errList := f.manager.List(context.Background(), ListFilter{Status: models.AuthorizationActive})
	if errList != nil {
		t.Fatalf("list active: %v", errList)
	}
	if total != 1 || active[0].ID != second.AuthorizationID {
		t.Fatalf("unexpected active list %+v", active)
	}

	if _, errGet := f.manager.GetByToken(context.Background(), "cat_"+strings.Repeat("0", 64)); !errors.Is(errGet, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", errGet)
	}
	if _, errGet := f.manager.GetByToken(context.Background(), "garbage"); !errors.Is(errGet, errs.ErrNotFound) {
		t.Fatalf("expected not found for malformed token, got %v", errGet)
	}
}
