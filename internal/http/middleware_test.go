package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIMetering/internal/security"
)

func newProtectedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/p", mw, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestServiceAuthMiddleware(t *testing.T) {
	r := newProtectedRouter(ServiceAuthMiddleware("svc-token"))

	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer svc-token", http.StatusNoContent},
		{"x-api-key", "X-API-Key", "svc-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/p", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestServiceAuthMiddlewareUnconfigured(t *testing.T) {
	r := newProtectedRouter(ServiceAuthMiddleware(""))
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	hash, errHash := security.HashAdminKey("admin-secret")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	r := newProtectedRouter(AdminAuthMiddleware(hash))

	for key, want := range map[string]int{
		"":             http.StatusUnauthorized,
		"wrong":        http.StatusUnauthorized,
		"admin-secret": http.StatusNoContent,
	} {
		req := httptest.NewRequest(http.MethodGet, "/p", nil)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("key %q: status = %d, want %d", key, rec.Code, want)
		}
	}
}

func TestRequestLoggerEchoesRequestID(t *testing.T) {
	r := newProtectedRouter(func(c *gin.Context) { c.Next() })

	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("request id = %q", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}
