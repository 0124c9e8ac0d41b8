package gormstore

import (
	"encoding/json"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type batchRow struct {
	ID          string    `gorm:"primaryKey;size:36"`
	TenantID    string    `gorm:"size:64;index"`
	Name        string    `gorm:"size:200;not null"`
	Source      string    `gorm:"size:100;not null"`
	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`
	Status      string    `gorm:"size:16;not null;index"`

	TotalItems          int
	MatchedCount        int
	UnmatchedCount      int
	DivergentCount      int
	PendingCount        int
	SuggestedCount      int
	IgnoredCount        int
	DisputedCount       int
	TotalExternalAmount decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TotalInternalAmount decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	TotalDifference     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
	ClosedAt  *time.Time
}

func (batchRow) TableName() string { return "reconciliation_batches" }

type itemRow struct {
	ID                string    `gorm:"primaryKey;size:36"`
	BatchID           string    `gorm:"size:36;not null;uniqueIndex:idx_items_batch_nsu,priority:1;index:idx_items_batch_row,priority:1"`
	Row               int       `gorm:"column:row_num;not null;index:idx_items_batch_row,priority:2"`
	ExternalDate      time.Time `gorm:"not null"`
	NSU               string    `gorm:"column:nsu;size:64;not null;uniqueIndex:idx_items_batch_nsu,priority:2"`
	AuthorizationCode string    `gorm:"size:64"`
	CardBrand         string    `gorm:"size:32"`

	ExternalAmount     decimal.Decimal     `gorm:"type:numeric(18,2);not null"`
	InternalAmount     decimal.NullDecimal `gorm:"type:numeric(18,2)"`
	DifferenceAmount   decimal.NullDecimal `gorm:"type:numeric(18,2)"`
	MatchedPaymentID   *string             `gorm:"size:64;index"`
	DivergentPaymentID *string             `gorm:"size:64"`
	MatchScore         int
	Suggestions        datatypes.JSON

	Status          string  `gorm:"size:16;not null;index"`
	ResolutionType  *string `gorm:"size:32"`
	ResolutionNotes string

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (itemRow) TableName() string { return "reconciliation_items" }

// paymentRow maps the sales database's payment table. It is read-only here.
type paymentRow struct {
	ID              string          `gorm:"primaryKey;size:64"`
	PaymentDate     time.Time       `gorm:"not null;index"`
	Amount          decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Method          string          `gorm:"size:32;not null"`
	ReferenceNumber string          `gorm:"size:64;index"`
	SaleID          *string         `gorm:"size:64"`
	CustomerID      *string         `gorm:"size:64"`
}

func (paymentRow) TableName() string { return "sale_payments" }

func toBatchRow(b *domain.Batch) batchRow {
	return batchRow{
		ID:                  b.ID,
		TenantID:            b.TenantID,
		Name:                b.Name,
		Source:              b.Source,
		PeriodStart:         b.Period.Start,
		PeriodEnd:           b.Period.End,
		Status:              string(b.Status),
		TotalItems:          b.TotalItems,
		MatchedCount:        b.MatchedCount,
		UnmatchedCount:      b.UnmatchedCount,
		DivergentCount:      b.DivergentCount,
		PendingCount:        b.PendingCount,
		SuggestedCount:      b.SuggestedCount,
		IgnoredCount:        b.IgnoredCount,
		DisputedCount:       b.DisputedCount,
		TotalExternalAmount: b.TotalExternalAmount,
		TotalInternalAmount: b.TotalInternalAmount,
		TotalDifference:     b.TotalDifference,
		Version:             b.Version,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
		ClosedAt:            b.ClosedAt,
	}
}

func (r batchRow) toDomain() domain.Batch {
	return domain.Batch{
		ID:       r.ID,
		TenantID: r.TenantID,
		Name:     r.Name,
		Source:   r.Source,
		Period:   domain.Period{Start: r.PeriodStart.UTC(), End: r.PeriodEnd.UTC()},
		Status:   domain.BatchStatus(r.Status),
		Aggregates: domain.Aggregates{
			TotalItems:          r.TotalItems,
			MatchedCount:        r.MatchedCount,
			UnmatchedCount:      r.UnmatchedCount,
			DivergentCount:      r.DivergentCount,
			PendingCount:        r.PendingCount,
			SuggestedCount:      r.SuggestedCount,
			IgnoredCount:        r.IgnoredCount,
			DisputedCount:       r.DisputedCount,
			TotalExternalAmount: r.TotalExternalAmount,
			TotalInternalAmount: r.TotalInternalAmount,
			TotalDifference:     r.TotalDifference,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ClosedAt:  r.ClosedAt,
	}
}

// batchColumns is the column set written by UpdateBatch.
func batchColumns(b *domain.Batch) map[string]any {
	r := toBatchRow(b)
	return map[string]any{
		"name":                  r.Name,
		"source":                r.Source,
		"status":                r.Status,
		"total_items":           r.TotalItems,
		"matched_count":         r.MatchedCount,
		"unmatched_count":       r.UnmatchedCount,
		"divergent_count":       r.DivergentCount,
		"pending_count":         r.PendingCount,
		"suggested_count":       r.SuggestedCount,
		"ignored_count":         r.IgnoredCount,
		"disputed_count":        r.DisputedCount,
		"total_external_amount": r.TotalExternalAmount,
		"total_internal_amount": r.TotalInternalAmount,
		"total_difference":      r.TotalDifference,
		"updated_at":            r.UpdatedAt,
		"closed_at":             r.ClosedAt,
		"version":               r.Version + 1,
	}
}

func toItemRow(it *domain.Item) (itemRow, error) {
	r := itemRow{
		ID:                 it.ID,
		BatchID:            it.BatchID,
		Row:                it.Row,
		ExternalDate:       it.ExternalDate,
		NSU:                it.NSU,
		AuthorizationCode:  it.AuthorizationCode,
		CardBrand:          it.CardBrand,
		ExternalAmount:     it.ExternalAmount,
		InternalAmount:     nullDecimal(it.InternalAmount),
		DifferenceAmount:   nullDecimal(it.DifferenceAmount),
		MatchedPaymentID:   it.MatchedPaymentID,
		DivergentPaymentID: it.DivergentPaymentID,
		MatchScore:         it.MatchScore,
		Status:             string(it.Status),
		ResolutionNotes:    it.ResolutionNotes,
		Version:            it.Version,
		CreatedAt:          it.CreatedAt,
		UpdatedAt:          it.UpdatedAt,
	}
	if it.ResolutionType != nil {
		rt := string(*it.ResolutionType)
		r.ResolutionType = &rt
	}
	if len(it.Suggestions) > 0 {
		raw, err := json.Marshal(it.Suggestions)
		if err != nil {
			return itemRow{}, err
		}
		r.Suggestions = datatypes.JSON(raw)
	}
	return r, nil
}

func (r itemRow) toDomain() (domain.Item, error) {
	it := domain.Item{
		ID:                 r.ID,
		BatchID:            r.BatchID,
		Row:                r.Row,
		ExternalDate:       r.ExternalDate.UTC(),
		NSU:                r.NSU,
		AuthorizationCode:  r.AuthorizationCode,
		CardBrand:          r.CardBrand,
		ExternalAmount:     r.ExternalAmount,
		InternalAmount:     decimalPtr(r.InternalAmount),
		DifferenceAmount:   decimalPtr(r.DifferenceAmount),
		MatchedPaymentID:   r.MatchedPaymentID,
		DivergentPaymentID: r.DivergentPaymentID,
		MatchScore:         r.MatchScore,
		Status:             domain.ItemStatus(r.Status),
		ResolutionNotes:    r.ResolutionNotes,
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ResolutionType != nil {
		rt := domain.ResolutionType(*r.ResolutionType)
		it.ResolutionType = &rt
	}
	if len(r.Suggestions) > 0 && string(r.Suggestions) != "null" {
		if err := json.Unmarshal(r.Suggestions, &it.Suggestions); err != nil {
			return domain.Item{}, err
		}
	}
	return it, nil
}

// itemColumns is the column set written by UpdateItem. Identity and import
// fields never change after creation.
func itemColumns(r itemRow) map[string]any {
	var suggestions any
	if len(r.Suggestions) > 0 {
		suggestions = r.Suggestions
	}
	return map[string]any{
		"internal_amount":      r.InternalAmount,
		"difference_amount":    r.DifferenceAmount,
		"matched_payment_id":   r.MatchedPaymentID,
		"divergent_payment_id": r.DivergentPaymentID,
		"match_score":          r.MatchScore,
		"suggestions":          suggestions,
		"status":               r.Status,
		"resolution_type":      r.ResolutionType,
		"resolution_notes":     r.ResolutionNotes,
		"updated_at":           r.UpdatedAt,
		"version":              r.Version + 1,
	}
}

func (r paymentRow) toDomain() domain.PaymentCandidate {
	return domain.PaymentCandidate{
		ID:              r.ID,
		Date:            r.PaymentDate,
		Amount:          r.Amount,
		Method:          domain.PaymentMethod(r.Method),
		ReferenceNumber: r.ReferenceNumber,
		SaleID:          r.SaleID,
		CustomerID:      r.CustomerID,
	}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
