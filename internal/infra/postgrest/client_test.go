package postgrest_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/postgrest"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/resilience"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newClient(url string) *postgrest.Client {
	return postgrest.NewClient(
		&http.Client{Timeout: 2 * time.Second},
		url, "test-key",
		resilience.NewCircuitBreaker("postgrest-test"),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
}

func TestSearchPayments_PushesFilterDown(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/sale_payments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "test-key" {
			t.Errorf("missing api key header")
		}
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"p1","payment_date":"2024-06-03T10:00:00Z","amount":100.5,"method":"CREDIT_CARD","reference_number":"123","sale_id":"s1","customer_id":null},
			{"id":"p2","payment_date":"2024-06-04","amount":"20.00","method":"PIX","reference_number":null,"sale_id":null,"customer_id":null}
		]`))
	}))
	defer srv.Close()

	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)
	got, err := newClient(srv.URL).SearchPayments(context.Background(), domain.CandidateFilter{
		DateFrom: &from,
		DateTo:   &to,
		Methods:  domain.ElectronicMethods,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 payments, got %d", len(got))
	}
	if !got[0].Amount.Equal(decimal.RequireFromString("100.5")) || got[0].ReferenceNumber != "123" {
		t.Errorf("unexpected first payment: %+v", got[0])
	}
	if got[1].Date.Day() != 4 || got[1].ReferenceNumber != "" {
		t.Errorf("unexpected second payment: %+v", got[1])
	}

	for _, want := range []string{"payment_date=gte.2024-06-01", "payment_date=lte.2024-06-05", "method=in.%28CREDIT_CARD%2CDEBIT_CARD%2CPIX%29"} {
		if !strings.Contains(gotQuery, strings.ReplaceAll(want, ":", "%3A")) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestGetPayment_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).GetPayment(context.Background(), "missing")
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestSearchPayments_RetriesThenWrapsExternalError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).SearchPayments(context.Background(), domain.CandidateFilter{})
	var ext *domain.ErrExternalService
	if !errors.As(err, &ext) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestGetPayment_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "eq.p7" {
			t.Errorf("unexpected id filter %q", r.URL.Query().Get("id"))
		}
		_, _ = w.Write([]byte(`[{"id":"p7","payment_date":"2024-06-03 09:30:00","amount":42,"method":"DEBIT_CARD"}]`))
	}))
	defer srv.Close()

	p, err := newClient(srv.URL).GetPayment(context.Background(), "p7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Method != domain.MethodDebitCard || !p.Amount.Equal(decimal.NewFromInt(42)) {
		t.Errorf("unexpected payment: %+v", p)
	}
}

func TestGetPayment_KeepsLocalCalendarDay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"p8","payment_date":"2024-06-03T22:00:00-03:00","amount":150,"method":"CREDIT_CARD"}]`))
	}))
	defer srv.Close()

	p, err := newClient(srv.URL).GetPayment(context.Background(), "p8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if y, m, d := p.Date.Date(); y != 2024 || m != time.June || d != 3 {
		t.Errorf("expected local day 2024-06-03, got %s", p.Date)
	}

	it := domain.Item{
		ID:             "i1",
		ExternalDate:   time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		ExternalAmount: decimal.NewFromInt(150),
		Status:         domain.ItemPending,
	}
	c, ok := matching.New(matching.DefaultConfig()).Score(it, *p)
	if !ok || c.Score != matching.ScoreExactSameDay || c.DateDelta != 0 {
		t.Errorf("expected same-day exact score, got ok=%v score=%d delta=%d", ok, c.Score, c.DateDelta)
	}
}
