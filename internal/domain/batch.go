package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchStatus is the lifecycle state of a ReconciliationBatch.
type BatchStatus string

const (
	BatchDraft     BatchStatus = "DRAFT"
	BatchImported  BatchStatus = "IMPORTED"
	BatchMatching  BatchStatus = "MATCHING"
	BatchReviewing BatchStatus = "REVIEWING"
	BatchClosed    BatchStatus = "CLOSED"
	BatchCanceled  BatchStatus = "CANCELED"
)

// batchTransitions is the complete table of legal batch edges.
// Anything absent is rejected with ErrInvalidTransition.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:     {BatchImported, BatchCanceled},
	BatchImported:  {BatchMatching, BatchClosed, BatchCanceled},
	BatchMatching:  {BatchReviewing, BatchClosed, BatchCanceled},
	BatchReviewing: {BatchMatching, BatchClosed, BatchCanceled},
	BatchClosed:    nil,
	BatchCanceled:  nil,
}

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	_, ok := batchTransitions[s]
	return ok
}

// Terminal reports whether no further transition or item mutation is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchClosed || s == BatchCanceled
}

// CanTransitionTo reports whether s -> target is a legal edge.
func (s BatchStatus) CanTransitionTo(target BatchStatus) bool {
	for _, t := range batchTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Period is the settlement period covered by a batch.
type Period struct {
	Start time.Time `json:"periodStart"`
	End   time.Time `json:"periodEnd"`
}

// Aggregates is the cached projection of a batch's items. It is always
// produced by ComputeAggregates and never edited by hand.
type Aggregates struct {
	TotalItems          int             `json:"totalItems"`
	MatchedCount        int             `json:"matchedCount"`
	UnmatchedCount      int             `json:"unmatchedCount"`
	DivergentCount      int             `json:"divergentCount"`
	PendingCount        int             `json:"pendingCount"`
	SuggestedCount      int             `json:"suggestedCount"`
	IgnoredCount        int             `json:"ignoredCount"`
	DisputedCount       int             `json:"disputedCount"`
	TotalExternalAmount decimal.Decimal `json:"totalExternalAmount"`
	TotalInternalAmount decimal.Decimal `json:"totalInternalAmount"`
	TotalDifference     decimal.Decimal `json:"totalDifference"`
}

// Equal compares two projections, treating amounts by value.
func (a Aggregates) Equal(b Aggregates) bool {
	return a.TotalItems == b.TotalItems &&
		a.MatchedCount == b.MatchedCount &&
		a.UnmatchedCount == b.UnmatchedCount &&
		a.DivergentCount == b.DivergentCount &&
		a.PendingCount == b.PendingCount &&
		a.SuggestedCount == b.SuggestedCount &&
		a.IgnoredCount == b.IgnoredCount &&
		a.DisputedCount == b.DisputedCount &&
		a.TotalExternalAmount.Equal(b.TotalExternalAmount) &&
		a.TotalInternalAmount.Equal(b.TotalInternalAmount) &&
		a.TotalDifference.Equal(b.TotalDifference)
}

// Batch is the root aggregate of one reconciliation cycle.
type Batch struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	Name      string      `json:"name"`
	Source    string      `json:"source"`
	Period    Period      `json:"period"`
	Status    BatchStatus `json:"status"`
	Aggregates
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// TransitionTo moves the batch to target if the edge is legal.
func (b *Batch) TransitionTo(target BatchStatus) error {
	if !b.Status.CanTransitionTo(target) {
		return &ErrInvalidTransition{Entity: "batch", From: string(b.Status), To: string(target)}
	}
	b.Status = target
	return nil
}

// EnsureMutable fails with ErrBatchClosed for terminal batches.
func (b *Batch) EnsureMutable() error {
	if b.Status.Terminal() {
		return &ErrBatchClosed{BatchID: b.ID, Status: b.Status}
	}
	return nil
}

// CreateBatchRequest is the input of CreateBatch.
type CreateBatchRequest struct {
	TenantID    string    `json:"tenantId,omitempty"`
	Name        string    `json:"name"`
	Source      string    `json:"source"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// Validate checks the request fields.
func (r *CreateBatchRequest) Validate() error {
	if r.Name == "" {
		return &ErrValidation{Field: "name", Message: "required"}
	}
	if r.Source == "" {
		return &ErrValidation{Field: "source", Message: "required"}
	}
	if r.PeriodStart.IsZero() || r.PeriodEnd.IsZero() {
		return &ErrValidation{Field: "period", Message: "start and end are required"}
	}
	if r.PeriodEnd.Before(r.PeriodStart) {
		return &ErrValidation{Field: "period", Message: "end before start"}
	}
	return nil
}

// CloseResult reports the outcome of CloseBatch / CancelBatch.
type CloseResult struct {
	Batch           *Batch `json:"batch"`
	ForcedUnmatched int    `json:"forcedUnmatched"`
}
