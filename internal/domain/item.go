package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus is the reconciliation state of one external transaction line.
type ItemStatus string

const (
	ItemPending        ItemStatus = "PENDING"
	ItemAutoMatched    ItemStatus = "AUTO_MATCHED"
	ItemSuggestedMatch ItemStatus = "SUGGESTED_MATCH"
	ItemManualMatched  ItemStatus = "MANUAL_MATCHED"
	ItemUnmatched      ItemStatus = "UNMATCHED"
	ItemIgnored        ItemStatus = "IGNORED"
	ItemResolved       ItemStatus = "RESOLVED"
	ItemDisputed       ItemStatus = "DISPUTED"
	ItemDivergent      ItemStatus = "DIVERGENT"
)

// AllItemStatuses lists every item status in declaration order.
var AllItemStatuses = []ItemStatus{
	ItemPending, ItemAutoMatched, ItemSuggestedMatch, ItemManualMatched,
	ItemUnmatched, ItemIgnored, ItemResolved, ItemDisputed, ItemDivergent,
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	for _, v := range AllItemStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Linked reports whether items in this status hold a matchedPaymentId.
func (s ItemStatus) Linked() bool {
	return s == ItemAutoMatched || s == ItemManualMatched || s == ItemResolved
}

// Final reports whether an operator has closed the item for good.
func (s ItemStatus) Final() bool {
	return s == ItemManualMatched || s == ItemResolved || s == ItemIgnored
}

// Reevaluable reports whether the matching engine may (re)decide this item.
func (s ItemStatus) Reevaluable() bool {
	return s == ItemPending || s == ItemSuggestedMatch || s == ItemUnmatched
}

// NeedsAttention reports whether the item keeps the batch in review.
func (s ItemStatus) NeedsAttention() bool {
	switch s {
	case ItemPending, ItemSuggestedMatch, ItemUnmatched, ItemDivergent, ItemDisputed:
		return true
	}
	return false
}

// Operator actions and the statuses they may start from.
const (
	ActionLink    = "link"
	ActionIgnore  = "ignore"
	ActionDispute = "dispute"
	ActionForce   = "force_unmatched"
)

var itemActionSources = map[string][]ItemStatus{
	ActionLink:    {ItemPending, ItemAutoMatched, ItemSuggestedMatch, ItemUnmatched, ItemDivergent, ItemDisputed},
	ActionIgnore:  {ItemPending, ItemSuggestedMatch, ItemUnmatched},
	ActionDispute: {ItemPending, ItemAutoMatched, ItemSuggestedMatch, ItemManualMatched, ItemUnmatched, ItemResolved, ItemDivergent},
	ActionForce:   {ItemPending, ItemSuggestedMatch},
}

// Allows reports whether action may be applied to an item in status s.
func (s ItemStatus) Allows(action string) bool {
	for _, from := range itemActionSources[action] {
		if from == s {
			return true
		}
	}
	return false
}

// ResolutionType classifies how an operator settled an item.
type ResolutionType string

const (
	ResolutionExactMatch    ResolutionType = "EXACT_MATCH"
	ResolutionAdjusted      ResolutionType = "ADJUSTED"
	ResolutionFeeAdjustment ResolutionType = "FEE_ADJUSTMENT"
	ResolutionPartialMatch  ResolutionType = "PARTIAL_MATCH"
	ResolutionChargeback    ResolutionType = "CHARGEBACK"
	ResolutionDuplicate     ResolutionType = "DUPLICATE"
	ResolutionNotFound      ResolutionType = "NOT_FOUND"
	ResolutionOther         ResolutionType = "OTHER"
)

// Valid reports whether r is a known resolution type.
func (r ResolutionType) Valid() bool {
	switch r {
	case ResolutionExactMatch, ResolutionAdjusted, ResolutionFeeAdjustment, ResolutionPartialMatch,
		ResolutionChargeback, ResolutionDuplicate, ResolutionNotFound, ResolutionOther:
		return true
	}
	return false
}

// Corrective reports whether the type explains an accepted non-zero difference.
func (r ResolutionType) Corrective() bool {
	return r == ResolutionAdjusted || r == ResolutionFeeAdjustment || r == ResolutionPartialMatch
}

// Suggestion is a ranked candidate persisted on an item for operator review.
type Suggestion struct {
	PaymentID   string          `json:"paymentId"`
	Score       int             `json:"score"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	DateDelta   int             `json:"dateDeltaDays"`
	AmountDelta decimal.Decimal `json:"amountDelta"`
}

// Item is one externally reported transaction line of a batch.
type Item struct {
	ID      string `json:"id"`
	BatchID string `json:"batchId"`
	// Row is the 1-based position of the line within its batch, in import order.
	Row int `json:"row"`

	ExternalDate      time.Time       `json:"externalDate"`
	NSU               string          `json:"nsu"`
	AuthorizationCode string          `json:"authorizationCode,omitempty"`
	CardBrand         string          `json:"cardBrand,omitempty"`
	ExternalAmount    decimal.Decimal `json:"externalAmount"`

	InternalAmount     *decimal.Decimal `json:"internalAmount,omitempty"`
	DifferenceAmount   *decimal.Decimal `json:"differenceAmount,omitempty"`
	MatchedPaymentID   *string          `json:"matchedPaymentId,omitempty"`
	DivergentPaymentID *string          `json:"divergentPaymentId,omitempty"`
	MatchScore         int              `json:"matchScore"`
	Suggestions        []Suggestion     `json:"suggestions,omitempty"`

	Status          ItemStatus      `json:"status"`
	ResolutionType  *ResolutionType `json:"resolutionType,omitempty"`
	ResolutionNotes string          `json:"resolutionNotes,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Link records paymentID as the item's match and derives the amounts.
func (it *Item) Link(paymentID string, internal decimal.Decimal, status ItemStatus) {
	diff := internal.Sub(it.ExternalAmount)
	it.MatchedPaymentID = &paymentID
	it.DivergentPaymentID = nil
	it.InternalAmount = &internal
	it.DifferenceAmount = &diff
	it.Suggestions = nil
	it.Status = status
}

// ClearMatch removes any link and derived amounts.
func (it *Item) ClearMatch() {
	it.MatchedPaymentID = nil
	it.DivergentPaymentID = nil
	it.InternalAmount = nil
	it.DifferenceAmount = nil
	it.MatchScore = 0
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (it Item) Clone() Item {
	c := it
	if it.InternalAmount != nil {
		v := *it.InternalAmount
		c.InternalAmount = &v
	}
	if it.DifferenceAmount != nil {
		v := *it.DifferenceAmount
		c.DifferenceAmount = &v
	}
	if it.MatchedPaymentID != nil {
		v := *it.MatchedPaymentID
		c.MatchedPaymentID = &v
	}
	if it.DivergentPaymentID != nil {
		v := *it.DivergentPaymentID
		c.DivergentPaymentID = &v
	}
	if it.ResolutionType != nil {
		v := *it.ResolutionType
		c.ResolutionType = &v
	}
	if it.Suggestions != nil {
		c.Suggestions = append([]Suggestion(nil), it.Suggestions...)
	}
	return c
}

// ItemFilter selects items of one batch for listing.
type ItemFilter struct {
	Statuses []ItemStatus
	Page     int
	PageSize int // 0 means no paging
}

// ItemPage is one page of ListItems.
type ItemPage struct {
	Items    []Item `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// ResolveRequest is the operator input of ResolveItem.
type ResolveRequest struct {
	PaymentID      string         `json:"paymentId"`
	ResolutionType ResolutionType `json:"resolutionType"`
	Notes          string         `json:"notes,omitempty"`
}

// ComputeAggregates folds items into a batch projection. It is the single
// source for every counter and amount stored on a batch.
func ComputeAggregates(items []Item) Aggregates {
	agg := Aggregates{
		TotalExternalAmount: decimal.Zero,
		TotalInternalAmount: decimal.Zero,
		TotalDifference:     decimal.Zero,
	}
	for _, it := range items {
		agg.TotalItems++
		agg.TotalExternalAmount = agg.TotalExternalAmount.Add(it.ExternalAmount)

		switch it.Status {
		case ItemAutoMatched, ItemManualMatched, ItemResolved:
			agg.MatchedCount++
		case ItemUnmatched:
			agg.UnmatchedCount++
		case ItemDivergent:
			agg.DivergentCount++
		case ItemIgnored:
			agg.IgnoredCount++
		case ItemPending:
			agg.PendingCount++
		case ItemSuggestedMatch:
			agg.PendingCount++
			agg.SuggestedCount++
		case ItemDisputed:
			agg.PendingCount++
			agg.DisputedCount++
		}

		if it.Status.Linked() && it.MatchedPaymentID != nil {
			if it.InternalAmount != nil {
				agg.TotalInternalAmount = agg.TotalInternalAmount.Add(*it.InternalAmount)
			}
			if it.DifferenceAmount != nil {
				agg.TotalDifference = agg.TotalDifference.Add(*it.DifferenceAmount)
			}
		}
	}
	return agg
}
