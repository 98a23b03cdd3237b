package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/errs"
	"github.com/shopspring/decimal"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.Invalidf("bad"), http.StatusBadRequest},
		{fmt.Errorf("user 1: %w", errs.ErrForbidden), http.StatusForbidden},
		{errs.NotFoundf("authorization x"), http.StatusNotFound},
		{errs.Insufficient(1, decimal.NewFromInt(5), decimal.NewFromInt(1)), http.StatusPaymentRequired},
		{errs.InsufficientForOverage(1, decimal.NewFromInt(3), decimal.NewFromInt(2), decimal.Zero), http.StatusPaymentRequired},
		{errs.Conflictf("already settled"), http.StatusConflict},
		{fmt.Errorf("late: %w", errs.ErrExpired), http.StatusGone},
		{errs.Transient("quota tx", errors.New("connection reset")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func serveError(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { WriteError(c, err) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode body: %v", errDecode)
	}
	return rec, body
}

func TestWriteErrorOverageCarriesAmounts(t *testing.T) {
	err := errs.InsufficientForOverage(7, decimal.NewFromInt(3), decimal.NewFromInt(2), decimal.NewFromInt(1))
	rec, body := serveError(t, err)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["error"] != "insufficient_quota_for_overage" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["overage"] != "2" || body["frozen"] != "3" || body["available"] != "1" {
		t.Fatalf("unexpected amounts: %v", body)
	}
}

func TestWriteErrorTransientSetsRetryAfter(t *testing.T) {
	rec, body := serveError(t, errs.Transient("quota tx", errors.New("deadlock")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if body["error"] != "transient_store" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestWriteErrorHidesInternalMessage(t *testing.T) {
	rec, body := serveError(t, errors.New("secret dsn leaked"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["message"] != "internal error" {
		t.Fatalf("message = %v", body["message"])
	}
}
