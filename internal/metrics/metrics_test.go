package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAuthorization("ok")
	m.RecordSettlement("success", "ok")
	m.RecordSweep(1, 1, 0, 0, time.Millisecond)
	m.RecordPriceCacheLookup("hit")
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestInstancesUseSeparateRegistries(t *testing.T) {
	a := New()
	b := New()
	a.RecordAuthorization("ok")
	a.RecordAuthorization("ok")
	b.RecordAuthorization("ok")

	if got := testutil.ToFloat64(a.authorizations.WithLabelValues("ok")); got != 2 {
		t.Fatalf("a = %v", got)
	}
	if got := testutil.ToFloat64(b.authorizations.WithLabelValues("ok")); got != 1 {
		t.Fatalf("b = %v", got)
	}
}

func TestHandlerExposesSweepMetrics(t *testing.T) {
	m := New()
	m.RecordSweep(5, 3, 1, 1, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"metering_reconciler_expired_total 3", "metering_reconciler_race_lost_total 1", "metering_reconciler_last_scanned 5"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}
