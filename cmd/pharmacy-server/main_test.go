package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/pharmacy/internal/config"
	"github.com/carelink/pharmacy/internal/platform/idempotency"
	"github.com/carelink/pharmacy/internal/platform/metrics"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:              env,
		DBSchema:         "public",
		CORSOrigins:      []string{"http://localhost:3000"},
		AuthSigningKey:   "test-signing-key",
		RequestTimeout:   5 * time.Second,
		BodyLimit:        "1M",
		PaymentCurrency:  "usd",
		OrderEventsTopic: "pharmacy.order-events",
	}
}

// The server is built without a pool; only routes that never reach the
// database are exercised here.
func testServer(env string) http.Handler {
	return newServer(testConfig(env), zerolog.Nop(), deps{
		metrics: metrics.New(),
		idem:    idempotency.NopStore{},
	})
}

func TestNewServer_RegistersRoutes(t *testing.T) {
	e := newServer(testConfig("development"), zerolog.Nop(), deps{
		metrics: metrics.New(),
		idem:    idempotency.NopStore{},
	})

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	want := []string{
		"GET /health",
		"GET /health/db",
		"GET /metrics",
		"GET /api/v1/products",
		"GET /api/v1/products/:id",
		"POST /api/v1/products",
		"POST /api/v1/products/:id/restock",
		"POST /api/v1/checkout",
		"POST /api/v1/webhooks/payment",
		"GET /api/v1/orders",
		"GET /api/v1/orders/track/:orderNumber",
		"GET /api/v1/orders/:id",
		"POST /api/v1/orders/:id/cancel",
		"POST /api/v1/orders/:id/payment-session",
		"PATCH /api/v1/orders/:id/status",
		"PATCH /api/v1/orders/:id/payment-status",
		"PATCH /api/v1/orders/:id/items/:productId/verify",
	}
	for _, route := range want {
		if !registered[route] {
			t.Errorf("route %q not registered", route)
		}
	}
}

func TestHealth(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		t.Run(env, func(t *testing.T) {
			rec := httptest.NewRecorder()
			testServer(env).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
				t.Errorf("unexpected body: %s", rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected X-Request-ID header")
			}
		})
	}
}

func TestMetrics_SkipsAuth(t *testing.T) {
	srv := testServer("production")

	// One request so the HTTP counters have a sample.
	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# TYPE") {
		t.Error("expected prometheus exposition format")
	}
}

func TestProduction_RequiresToken(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer("production").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestProduction_RejectsBadToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	testServer("production").ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestStaffRoutes_RequirePharmacist(t *testing.T) {
	// Dev auth without a token acts as admin; a customer token is decoded
	// without verification and must be refused by the role check.
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/orders/00000000-0000-0000-0000-000000000001/status",
		strings.NewReader(`{"status":"processing"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+customerToken)
	rec := httptest.NewRecorder()
	testServer("development").ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

// customerToken carries sub "cust-1" and roles ["customer"] with a dummy
// signature.
const customerToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJzdWIiOiJjdXN0LTEiLCJlbWFpbCI6ImN1c3RAZXhhbXBsZS5jb20iLCJyb2xlcyI6WyJjdXN0b21lciJdfQ." +
	"c2lnbmF0dXJl"
