// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the reconciliation
// services from concrete persistence and payment-source implementations.
package port

import (
	"context"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
)

// BatchStore owns ReconciliationBatch records.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *domain.Batch) error
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Batch, error)
	// UpdateBatch persists batch if its stored version still equals batch.Version,
	// then increments the version. A stale version fails with ErrConcurrentModification.
	UpdateBatch(ctx context.Context, batch *domain.Batch) error
}

// ItemStore owns ReconciliationItem records. Items never move between batches.
type ItemStore interface {
	CreateItems(ctx context.Context, items []domain.Item) error
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)
	// ListItems returns items of one batch ordered by (row, id), plus the unpaged total.
	ListItems(ctx context.Context, batchID string, filter domain.ItemFilter) ([]domain.Item, int, error)
	// UpdateItem follows the same optimistic-version contract as UpdateBatch.
	UpdateItem(ctx context.Context, item *domain.Item) error
	// FindItemByPayment returns the item of batchID holding paymentID as its
	// matchedPaymentId, or ErrNotFound.
	FindItemByPayment(ctx context.Context, batchID, paymentID string) (*domain.Item, error)
	// NSUsInBatch returns the set of NSUs already imported into batchID.
	NSUsInBatch(ctx context.Context, batchID string) (map[string]struct{}, error)
}

// ReconciliationStore is the unit-of-work boundary over batches and items.
type ReconciliationStore interface {
	BatchStore
	ItemStore
	// InTx runs fn against a transactional view of the store. Nothing fn wrote
	// is visible if it returns an error.
	InTx(ctx context.Context, fn func(ctx context.Context, tx ReconciliationStore) error) error
	Ping(ctx context.Context) error
}

// PaymentCandidateSource searches internally recorded sale payments.
// Reconciliation only reads from it.
type PaymentCandidateSource interface {
	SearchPayments(ctx context.Context, filter domain.CandidateFilter) ([]domain.PaymentCandidate, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.PaymentCandidate, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
