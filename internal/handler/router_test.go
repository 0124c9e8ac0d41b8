package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/handler"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/cache"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/memstore"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/observability"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/resilience"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"
	"github.com/boddenberg/pj-reconciliation-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func newTestRouter(t *testing.T, secret string) http.Handler {
	t.Helper()
	metrics := observability.NewMetrics()
	c := cache.New[domain.PaymentCandidate](time.Minute)
	t.Cleanup(c.Close)

	payments := memstore.NewPayments(
		domain.PaymentCandidate{
			ID: "pay-1", Date: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			Amount: decimal.RequireFromString("150.00"), Method: domain.MethodCreditCard, ReferenceNumber: "123456",
		},
		domain.PaymentCandidate{
			ID: "pay-2", Date: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			Amount: decimal.RequireFromString("90.00"), Method: domain.MethodPix,
		},
	)
	svc := service.NewReconciliationService(
		memstore.New(), payments, matching.New(matching.DefaultConfig()), c,
		resilience.NewBulkhead(1), service.Config{}, metrics, zap.NewNop(),
	)
	return handler.NewRouter(svc, metrics, secret, zap.NewNop())
}

func do(t *testing.T, router http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func signToken(t *testing.T, tenant string) string {
	t.Helper()
	claims := handler.TenantClaims{
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

var batchBody = map[string]any{
	"name":        "cielo june",
	"source":      "cielo",
	"periodStart": "2024-06-01T00:00:00Z",
	"periodEnd":   "2024-06-30T00:00:00Z",
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, "")

	rec := do(t, router, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	health := decode[domain.HealthStatus](t, rec)
	if health.Status != "healthy" || len(health.Services) != 2 {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	router := handler.NewRouter(nil, observability.NewMetrics(), "", zap.NewNop())

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/ping"} {
		rec := do(t, router, http.MethodGet, path, nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := do(t, router, http.MethodGet, "/v1/batches", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a service, got %d", rec.Code)
	}
}

func TestReconciliationFlow(t *testing.T) {
	router := newTestRouter(t, "")

	rec := do(t, router, http.MethodPost, "/v1/batches", batchBody, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	batch := decode[domain.Batch](t, rec)

	rec = do(t, router, http.MethodPost, "/v1/batches/"+batch.ID+"/import", map[string]any{
		"rows": []domain.ImportRow{
			{ExternalDate: "2024-06-03", NSU: "123456", Amount: "150,00", CardBrand: "visa"},
			{ExternalDate: "2024-06-03", NSU: "777", Amount: "100.00"},
			{ExternalDate: "bad", NSU: "888", Amount: "1.00"},
		},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	imported := decode[domain.ImportResult](t, rec)
	if imported.Imported != 2 || imported.Rejected != 1 {
		t.Fatalf("unexpected import result: %+v", imported)
	}

	rec = do(t, router, http.MethodPost, "/v1/batches/"+batch.ID+"/automatch", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("automatch: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	report := decode[service.MatchReport](t, rec)
	if report.Matched != 1 || report.Status != domain.BatchReviewing {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec = do(t, router, http.MethodGet, "/v1/batches/"+batch.ID+"/items?status=unmatched", nil, "")
	page := decode[domain.ItemPage](t, rec)
	if rec.Code != http.StatusOK || page.Total != 1 {
		t.Fatalf("list items: %d %+v", rec.Code, page)
	}
	itemID := page.Items[0].ID

	rec = do(t, router, http.MethodPost, "/v1/items/"+itemID+"/resolve", domain.ResolveRequest{PaymentID: "pay-2"}, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing resolution type: expected 422, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodPost, "/v1/items/"+itemID+"/resolve", domain.ResolveRequest{PaymentID: "pay-1", ResolutionType: domain.ResolutionOther}, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("reused payment: expected 409, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodPost, "/v1/items/"+itemID+"/resolve", domain.ResolveRequest{PaymentID: "pay-2", ResolutionType: domain.ResolutionFeeAdjustment}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if item := decode[domain.Item](t, rec); item.Status != domain.ItemResolved {
		t.Errorf("expected RESOLVED, got %s", item.Status)
	}

	rec = do(t, router, http.MethodPost, "/v1/batches/"+batch.ID+"/close", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	closed := decode[domain.CloseResult](t, rec)
	if closed.Batch.Status != domain.BatchClosed || closed.Batch.MatchedCount != 2 {
		t.Errorf("unexpected close result: %+v", closed.Batch)
	}

	rec = do(t, router, http.MethodPost, "/v1/items/"+itemID+"/ignore", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("ignore on closed batch: expected 409, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/v1/metrics/reconciliation", nil, "")
	if m := decode[domain.MatchMetrics](t, rec); m.AutoMatched != 1 || m.ManualLinks != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestErrorMapping(t *testing.T) {
	router := newTestRouter(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown batch", http.MethodGet, "/v1/batches/nope", nil, http.StatusNotFound},
		{"unknown item", http.MethodGet, "/v1/items/nope", nil, http.StatusNotFound},
		{"invalid batch", http.MethodPost, "/v1/batches", map[string]any{"name": "x"}, http.StatusBadRequest},
		{"bad candidate date", http.MethodGet, "/v1/payments/candidates?from=yesterday", nil, http.StatusBadRequest},
		{"bad candidate amount", http.MethodGet, "/v1/payments/candidates?amount=abc", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body, "")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}
}

func TestTransitionAndDraftClose(t *testing.T) {
	router := newTestRouter(t, "")
	batch := decode[domain.Batch](t, do(t, router, http.MethodPost, "/v1/batches", batchBody, ""))

	rec := do(t, router, http.MethodPost, "/v1/batches/"+batch.ID+"/close", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("close DRAFT: expected 409, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodPost, "/v1/batches/"+batch.ID+"/transition", map[string]string{"status": "CANCELED"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel via transition: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := decode[domain.Batch](t, rec); got.Status != domain.BatchCanceled {
		t.Errorf("expected CANCELED, got %s", got.Status)
	}
}

func TestSearchCandidates(t *testing.T) {
	router := newTestRouter(t, "")

	rec := do(t, router, http.MethodGet, "/v1/payments/candidates?from=2024-06-03&to=2024-06-03&amount=150.00", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[struct {
		Payments []domain.PaymentCandidate `json:"payments"`
		Count    int                       `json:"count"`
	}](t, rec)
	if resp.Count != 1 || resp.Payments[0].ID != "pay-1" {
		t.Errorf("unexpected candidates: %+v", resp)
	}
}

func TestTenantAuth(t *testing.T) {
	router := newTestRouter(t, testSecret)

	rec := do(t, router, http.MethodGet, "/v1/batches", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/v1/batches", nil, "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("healthz must stay public, got %d", rec.Code)
	}

	acme := signToken(t, "acme")
	rec = do(t, router, http.MethodPost, "/v1/batches", batchBody, acme)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	batch := decode[domain.Batch](t, rec)
	if batch.TenantID != "acme" {
		t.Errorf("tenant from token not applied: %q", batch.TenantID)
	}

	rec = do(t, router, http.MethodGet, "/v1/batches/"+batch.ID, nil, acme)
	if rec.Code != http.StatusOK {
		t.Errorf("own batch: expected 200, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/v1/batches/"+batch.ID, nil, signToken(t, "globex"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign batch: expected 404, got %d", rec.Code)
	}
}

func TestValidateTenantToken(t *testing.T) {
	claims, err := handler.ValidateTenantToken(signToken(t, "acme"), []byte(testSecret))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.TenantID != "acme" {
		t.Errorf("expected acme, got %s", claims.TenantID)
	}

	if _, err := handler.ValidateTenantToken(signToken(t, "acme"), []byte("other")); err == nil {
		t.Error("expected error for wrong secret")
	}
	if _, err := handler.ValidateTenantToken(signToken(t, ""), []byte(testSecret)); err == nil {
		t.Error("expected error for token without tenant")
	}
}
