package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"
)

// Payments is an in-memory PaymentCandidateSource.
type Payments struct {
	mu       sync.RWMutex
	payments map[string]domain.PaymentCandidate
}

// NewPayments creates a source seeded with payments.
func NewPayments(payments ...domain.PaymentCandidate) *Payments {
	p := &Payments{payments: make(map[string]domain.PaymentCandidate, len(payments))}
	p.Add(payments...)
	return p
}

var _ port.PaymentCandidateSource = (*Payments)(nil)

// Add inserts or replaces payments.
func (p *Payments) Add(payments ...domain.PaymentCandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pay := range payments {
		p.payments[pay.ID] = pay
	}
}

// SearchPayments returns the payments matching filter ordered by (date, id).
func (p *Payments) SearchPayments(ctx context.Context, filter domain.CandidateFilter) ([]domain.PaymentCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.PaymentCandidate, 0)
	for _, pay := range p.payments {
		if filter.Matches(pay) {
			out = append(out, pay)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetPayment returns one payment by id.
func (p *Payments) GetPayment(ctx context.Context, paymentID string) (*domain.PaymentCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	pay, ok := p.payments[paymentID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "payment", ID: paymentID}
	}
	return &pay, nil
}
