package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/CLIProxyAPIMetering/internal/access"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/authz"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/billing"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/meteringtest"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/metrics"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/modelregistry"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/models"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/quota"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/usage"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	clock   *meteringtest.Clock
	store   *quota.Store
	manager *authz.Manager
	engine  *usage.Engine
	user    models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := meteringtest.OpenDB(t, "reconciler")
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
		manager: authz.NewManager(store, resolver, access.NewDBUsers(conn), modelregistry.NewStore(conn)),
		engine:  usage.NewEngine(store, resolver, nil),
		user:    user,
	}
}

// authorize freezes 3.
func (f *fixture) authorize(t *testing.T) *authz.Grant {
	t.Helper()
	grant, errReq := f.manager.Request(context.Background(), authz.Request{
		UserID:   f.user.ID,
		Model:    "gpt-4o",
		Estimate: &billing.Units{Input: 100, Output: 100},
	})
	if errReq != nil {
		t.Fatalf("request authorization: %v", errReq)
	}
	return grant
}

func (f *fixture) status(t *testing.T, id string) models.AuthorizationStatus {
	t.Helper()
	auth, errGet := f.manager.Get(context.Background(), id)
	if errGet != nil {
		t.Fatalf("get authorization: %v", errGet)
	}
	return auth.Status
}

func TestSweepRefundsLapsedAuthorizationsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settled := f.authorize(t)
	lapsedA := f.authorize(t)
	lapsedB := f.authorize(t)
	if _, errReport := f.engine.ReportCall(ctx, usage.Report{
		CallToken: settled.CallToken,
		RequestID: "req-1",
		Outcome:   models.CallSuccess,
		Units:     billing.Units{Input: 100, Output: 100},
	}); errReport != nil {
		t.Fatalf("report: %v", errReport)
	}
	f.clock.Advance(authz.DefaultTTL / 2)
	fresh := f.authorize(t)
	meteringtest.AssertTotals(t, f.store, f.user.ID, "88", "9", "3")

	m := metrics.New()
	rec := New(f.store, f.manager, 1, m)

	// Nothing has lapsed yet.
	result, errSweep := rec.Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result != (SweepResult{}) {
		t.Fatalf("unexpected early sweep %+v", result)
	}

	f.clock.Advance(authz.DefaultTTL/2 + time.Second)
	result, errSweep = rec.Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result != (SweepResult{Scanned: 2, Expired: 2}) {
		t.Fatalf("unexpected sweep %+v", result)
	}
	for _, id := range []string{lapsedA.AuthorizationID, lapsedB.AuthorizationID} {
		if got := f.status(t, id); got != models.AuthorizationExpired {
			t.Fatalf("status of %s = %s, want expired", id, got)
		}
	}
	if got := f.status(t, fresh.AuthorizationID); got != models.AuthorizationActive {
		t.Fatalf("fresh authorization status = %s", got)
	}
	if got := f.status(t, settled.AuthorizationID); got != models.AuthorizationUsed {
		t.Fatalf("settled authorization status = %s", got)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "94", "3", "3")

	result, errSweep = rec.Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result.Scanned != 0 {
		t.Fatalf("second sweep must find nothing, got %+v", result)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "94", "3", "3")

	// A report arriving after the refund is rejected.
	if _, errLate := f.engine.ReportCall(ctx, usage.Report{
		CallToken: lapsedA.CallToken,
		RequestID: "req-late",
		Outcome:   models.CallSuccess,
		Units:     billing.Units{Input: 1, Output: 1},
	}); !errors.Is(errLate, errs.ErrExpired) {
		t.Fatalf("late report: expected expired, got %v", errLate)
	}
}

// racingExpirer finalizes the authorization through another path just before
// the sweep reaches it.
type racingExpirer struct {
	inner  *authz.Manager
	before func(id string)
}

func (r *racingExpirer) Expire(ctx context.Context, id string) (*models.Authorization, error) {
	r.before(id)
	return r.inner.Expire(ctx, id)
}

func TestSweepCountsLostRaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.authorize(t)
	second := f.authorize(t)
	f.clock.Advance(authz.DefaultTTL + time.Second)

	expirer := &racingExpirer{inner: f.manager, before: func(id string) {
		if id != first.AuthorizationID {
			return
		}
		if _, errCancel := f.manager.Cancel(ctx, id, "operator"); errCancel != nil {
			t.Errorf("cancel: %v", errCancel)
		}
	}}
	result, errSweep := New(f.store, expirer, 10, nil).Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result != (SweepResult{Scanned: 2, Expired: 1, RaceLost: 1}) {
		t.Fatalf("unexpected sweep %+v", result)
	}
	if got := f.status(t, first.AuthorizationID); got != models.AuthorizationRevoked {
		t.Fatalf("first status = %s, want revoked", got)
	}
	if got := f.status(t, second.AuthorizationID); got != models.AuthorizationExpired {
		t.Fatalf("second status = %s, want expired", got)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

type failingExpirer struct {
	inner *authz.Manager
	fail  string
}

func (e *failingExpirer) Expire(ctx context.Context, id string) (*models.Authorization, error) {
	if id == e.fail {
		return nil, errs.Transient("expire", errors.New("connection reset"))
	}
	return e.inner.Expire(ctx, id)
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	broken := f.authorize(t)
	f.authorize(t)
	f.authorize(t)
	f.clock.Advance(authz.DefaultTTL + time.Second)

	rec := New(f.store, &failingExpirer{inner: f.manager, fail: broken.AuthorizationID}, 1, nil)
	result, errSweep := rec.Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result != (SweepResult{Scanned: 3, Expired: 2, Failures: 1}) {
		t.Fatalf("unexpected sweep %+v", result)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "97", "3", "0")

	// The failed row is picked up again on the next sweep.
	result, errSweep = New(f.store, f.manager, 1, nil).Sweep(ctx)
	if errSweep != nil {
		t.Fatalf("sweep: %v", errSweep)
	}
	if result != (SweepResult{Scanned: 1, Expired: 1}) {
		t.Fatalf("unexpected retry sweep %+v", result)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

func TestSweepRacingCancelReleasesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grants := make([]*authz.Grant, 0, 8)
	for i := 0; i < 8; i++ {
		grants = append(grants, f.authorize(t))
	}
	f.clock.Advance(authz.DefaultTTL + time.Second)
	meteringtest.AssertTotals(t, f.store, f.user.ID, "76", "24", "0")

	var wg sync.WaitGroup
	var result SweepResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		var errSweep error
		result, errSweep = New(f.store, f.manager, 3, nil).Sweep(ctx)
		if errSweep != nil {
			t.Errorf("sweep: %v", errSweep)
		}
	}()
	cancelled := 0
	var mu sync.Mutex
	for _, g := range grants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, errCancel := f.manager.Cancel(ctx, id, "race")
			switch {
			case errCancel == nil:
				mu.Lock()
				cancelled++
				mu.Unlock()
			case errors.Is(errCancel, errs.ErrConflict):
			default:
				t.Errorf("cancel %s: %v", id, errCancel)
			}
		}(g.AuthorizationID)
	}
	wg.Wait()

	if result.Expired+cancelled != len(grants) {
		t.Fatalf("expired %d + cancelled %d != %d (sweep %+v)", result.Expired, cancelled, len(grants), result)
	}
	meteringtest.AssertTotals(t, f.store, f.user.ID, "100", "0", "0")
}

func TestSweepRacingReportAtDeadlineSettlesOrRefundsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grants := make([]*authz.Grant, 0, 6)
	for i := 0; i < 6; i++ {
		grants = append(grants, f.authorize(t))
	}
	// Reports are still accepted at the exact deadline.
	f.clock.Advance(authz.DefaultTTL)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var result SweepResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		f.clock.Advance(time.Nanosecond)
		var errSweep error
		result, errSweep = New(f.store, f.manager, 2, nil).Sweep(ctx)
		if errSweep != nil {
			t.Errorf("sweep: %v", errSweep)
		}
	}()
	var mu sync.Mutex
	reported := make(map[string]bool, len(grants))
	for i, g := range grants {
		wg.Add(1)
		go func(i int, g *authz.Grant) {
			defer wg.Done()
			<-start
			_, errReport := f.engine.ReportCall(ctx, usage.Report{
				CallToken: g.CallToken,
				RequestID: fmt.Sprintf("req-%d", i),
				Outcome:   models.CallSuccess,
				Units:     billing.Units{Input: 10, Output: 10},
			})
			switch {
			case errReport == nil:
				mu.Lock()
				reported[g.AuthorizationID] = true
				mu.Unlock()
			case errors.Is(errReport, errs.ErrExpired):
			default:
				t.Errorf("report %s: %v", g.AuthorizationID, errReport)
			}
		}(i, g)
	}
	close(start)
	wg.Wait()

	if result.Expired+len(reported) != len(grants) {
		t.Fatalf("expired %d + reported %d != %d (sweep %+v)", result.Expired, len(reported), len(grants), result)
	}
	for _, g := range grants {
		want := models.AuthorizationExpired
		if reported[g.AuthorizationID] {
			want = models.AuthorizationUsed
		}
		if got := f.status(t, g.AuthorizationID); got != want {
			t.Fatalf("authorization %s status = %s, want %s", g.AuthorizationID, got, want)
		}
		var releases int64
		if errCount := f.db.Model(&models.LedgerRecord{}).
			Where("authorization_id = ? AND kind = ?", g.AuthorizationID, models.LedgerUnfreeze).
			Count(&releases).Error; errCount != nil {
			t.Fatalf("count releases: %v", errCount)
		}
		if releases != 1 {
			t.Fatalf("authorization %s released %d times", g.AuthorizationID, releases)
		}
	}

	used := meteringtest.Dec("0.3").Mul(decimal.NewFromInt(int64(len(reported))))
	meteringtest.AssertTotals(t, f.store, f.user.ID, meteringtest.Dec("100").Sub(used).String(), "0", used.String())
}
