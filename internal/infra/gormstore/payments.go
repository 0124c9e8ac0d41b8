package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// PaymentSource reads sale payments straight from the sales database
// (PAYMENT_SOURCE=database).
type PaymentSource struct {
	db *gorm.DB
}

// NewPaymentSource wraps db.
func NewPaymentSource(db *gorm.DB) *PaymentSource {
	return &PaymentSource{db: db}
}

var _ port.PaymentCandidateSource = (*PaymentSource)(nil)

// SearchPayments returns payments matching filter ordered by (payment_date, id).
func (p *PaymentSource) SearchPayments(ctx context.Context, filter domain.CandidateFilter) ([]domain.PaymentCandidate, error) {
	ctx, span := tracer.Start(ctx, "PaymentSource.SearchPayments")
	defer span.End()

	q := p.db.WithContext(ctx).Model(&paymentRow{})
	if filter.Amount != nil {
		q = q.Where("amount = ?", *filter.Amount)
	}
	if filter.DateFrom != nil {
		q = q.Where("payment_date >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		q = q.Where("payment_date <= ?", *filter.DateTo)
	}
	if filter.Reference != "" {
		q = q.Where("reference_number = ?", filter.Reference)
	}
	if len(filter.Methods) > 0 {
		methods := make([]string, 0, len(filter.Methods))
		for _, m := range filter.Methods {
			methods = append(methods, string(m))
		}
		q = q.Where("method IN ?", methods)
	}

	var rows []paymentRow
	if err := q.Order("payment_date").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search payments: %w", err)
	}
	span.SetAttributes(attribute.Int("payments.count", len(rows)))

	out := make([]domain.PaymentCandidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// GetPayment returns one payment by id.
func (p *PaymentSource) GetPayment(ctx context.Context, paymentID string) (*domain.PaymentCandidate, error) {
	ctx, span := tracer.Start(ctx, "PaymentSource.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	var row paymentRow
	err := p.db.WithContext(ctx).Where("id = ?", paymentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: paymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	pay := row.toDomain()
	return &pay, nil
}

// SeedPayments inserts payments; used to populate local databases.
func SeedPayments(ctx context.Context, db *gorm.DB, payments []domain.PaymentCandidate) error {
	rows := make([]paymentRow, 0, len(payments))
	for _, pay := range payments {
		rows = append(rows, paymentRow{
			ID:              pay.ID,
			PaymentDate:     pay.Date,
			Amount:          pay.Amount,
			Method:          string(pay.Method),
			ReferenceNumber: pay.ReferenceNumber,
			SaleID:          pay.SaleID,
			CustomerID:      pay.CustomerID,
		})
	}
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&rows).Error
}
