// Package postgrest reads sale payments from the sales database through its
// PostgREST API (PAYMENT_SOURCE=postgrest).
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/resilience"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgrest")

const paymentsTable = "sale_payments"

// Client wraps HTTP calls to the PostgREST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a PostgREST payment source.
func NewClient(httpClient *http.Client, baseURL, apiKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

var _ port.PaymentCandidateSource = (*Client)(nil)

// doGet executes an authenticated GET against table with query.
func (c *Client) doGet(ctx context.Context, table string, query url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s/rest/v1/%s?%s", c.baseURL, table, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("postgrest: request failed",
			zap.String("table", table),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("postgrest: non-2xx response",
			zap.String("table", table),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, fmt.Errorf("postgrest returned status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug("postgrest: request OK",
		zap.String("table", table),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

// paymentRecord maps sale_payments columns.
type paymentRecord struct {
	ID              string          `json:"id"`
	PaymentDate     string          `json:"payment_date"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber *string         `json:"reference_number"`
	SaleID          *string         `json:"sale_id"`
	CustomerID      *string         `json:"customer_id"`
}

func (r paymentRecord) toDomain() (domain.PaymentCandidate, error) {
	date, err := parseDate(r.PaymentDate)
	if err != nil {
		return domain.PaymentCandidate{}, fmt.Errorf("payment %s: %w", r.ID, err)
	}
	p := domain.PaymentCandidate{
		ID:         r.ID,
		Date:       date,
		Amount:     r.Amount,
		Method:     domain.PaymentMethod(r.Method),
		SaleID:     r.SaleID,
		CustomerID: r.CustomerID,
	}
	if r.ReferenceNumber != nil {
		p.ReferenceNumber = *r.ReferenceNumber
	}
	return p, nil
}

// SearchPayments pushes filter down as PostgREST operators.
func (c *Client) SearchPayments(ctx context.Context, filter domain.CandidateFilter) ([]domain.PaymentCandidate, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.SearchPayments")
	defer span.End()

	q := searchQuery(filter)
	var payments []domain.PaymentCandidate

	err := resilience.Call(ctx, c.cb, c.cfg, func() error {
		body, err := c.doGet(ctx, paymentsTable, q)
		if err != nil {
			return err
		}
		if body == nil {
			payments = []domain.PaymentCandidate{}
			return nil
		}

		var rows []paymentRecord
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode payments: %w", err)
		}

		payments = make([]domain.PaymentCandidate, 0, len(rows))
		for _, r := range rows {
			p, err := r.toDomain()
			if err != nil {
				return err
			}
			payments = append(payments, p)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "postgrest/payments", Err: err}
	}

	span.SetAttributes(attribute.Int("payments.count", len(payments)))
	return payments, nil
}

// GetPayment fetches one payment by id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*domain.PaymentCandidate, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	var payment *domain.PaymentCandidate

	err := resilience.Call(ctx, c.cb, c.cfg, func() error {
		q := url.Values{}
		q.Set("id", "eq."+paymentID)
		q.Set("limit", "1")
		body, err := c.doGet(ctx, paymentsTable, q)
		if err != nil {
			return err
		}
		if body == nil || string(body) == "[]" {
			return &domain.ErrNotFound{Resource: "payment", ID: paymentID}
		}

		var rows []paymentRecord
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("failed to decode payment: %w", err)
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "payment", ID: paymentID}
		}

		p, err := rows[0].toDomain()
		if err != nil {
			return err
		}
		payment = &p
		return nil
	})
	if err != nil {
		if resilience.Permanent(err) {
			return nil, err
		}
		return nil, &domain.ErrExternalService{Service: "postgrest/payments", Err: err}
	}
	return payment, nil
}

func searchQuery(f domain.CandidateFilter) url.Values {
	q := url.Values{}
	q.Set("select", "id,payment_date,amount,method,reference_number,sale_id,customer_id")
	if f.Amount != nil {
		q.Set("amount", "eq."+f.Amount.StringFixed(2))
	}
	if f.DateFrom != nil {
		q.Add("payment_date", "gte."+f.DateFrom.UTC().Format(time.RFC3339))
	}
	if f.DateTo != nil {
		q.Add("payment_date", "lte."+f.DateTo.UTC().Format(time.RFC3339))
	}
	if f.Reference != "" {
		q.Set("reference_number", "eq."+f.Reference)
	}
	if len(f.Methods) > 0 {
		methods := make([]string, 0, len(f.Methods))
		for _, m := range f.Methods {
			methods = append(methods, string(m))
		}
		q.Set("method", "in.("+strings.Join(methods, ",")+")")
	}
	q.Set("order", "payment_date.asc,id.asc")
	return q
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable payment_date %q", s)
}
