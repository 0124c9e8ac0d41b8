package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MatchReport summarizes one RunAutoMatch call.
type MatchReport struct {
	BatchID   string             `json:"batchId"`
	Matched   int                `json:"matched"`
	Suggested int                `json:"suggested"`
	Unmatched int                `json:"unmatched"`
	Skipped   int                `json:"skipped"`
	Updated   int                `json:"updated"`
	Status    domain.BatchStatus `json:"status"`
	Batch     *domain.Batch      `json:"batch"`
}

// RunAutoMatch decides every re-evaluable item of a batch against the
// payments in its date window. Items an operator settled or disputed, and
// auto-matched items, are left as they are; their payments stay out of the
// pool. Only items whose outcome changed are written, so a second run over
// unchanged data writes nothing.
func (s *ReconciliationService) RunAutoMatch(ctx context.Context, batchID string) (*MatchReport, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.RunAutoMatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))
	defer s.observe("automatch", time.Now())

	if err := s.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.bulkhead.Release()

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := batch.EnsureMutable(); err != nil {
		return nil, err
	}
	if batch.Status == domain.BatchDraft {
		return nil, &domain.ErrInvalidTransition{Entity: "batch", From: string(batch.Status), To: string(domain.BatchMatching)}
	}

	items, _, err := s.store.ListItems(ctx, batchID, domain.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	var (
		open   []domain.Item
		linked []string
	)
	for _, it := range items {
		if it.Status.Reevaluable() {
			open = append(open, it)
		} else if it.MatchedPaymentID != nil {
			linked = append(linked, *it.MatchedPaymentID)
		}
	}

	report := &MatchReport{BatchID: batchID, Skipped: len(items) - len(open)}

	var decisions []matching.Decision
	if len(open) > 0 {
		payments, err := s.windowPayments(ctx, open)
		if err != nil {
			return nil, err
		}
		decisions, err = s.engine.Run(ctx, open, matching.NewPool(payments, linked))
		if err != nil {
			return nil, err
		}
	}

	byID := make(map[string]domain.Item, len(open))
	for _, it := range open {
		byID[it.ID] = it
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		current, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if current.Version != batch.Version {
			return &domain.ErrConcurrentModification{Resource: "batch", ID: batchID}
		}

		report.Updated = 0
		now := s.now()
		for _, d := range decisions {
			before := byID[d.ItemID]
			after := before.Clone()
			applyDecision(&after, d)
			if sameOutcome(before, after) {
				continue
			}
			after.UpdatedAt = now
			if err := tx.UpdateItem(ctx, &after); err != nil {
				return err
			}
			report.Updated++
		}

		status, agg := current.Status, current.Aggregates
		if current.Status != domain.BatchMatching {
			if err := current.TransitionTo(domain.BatchMatching); err != nil {
				return err
			}
		}
		all, _, err := tx.ListItems(ctx, batchID, domain.ItemFilter{})
		if err != nil {
			return err
		}
		for _, it := range all {
			if it.Status.NeedsAttention() {
				if err := current.TransitionTo(domain.BatchReviewing); err != nil {
					return err
				}
				break
			}
		}
		current.Aggregates = domain.ComputeAggregates(all)
		batch = current
		if current.Status == status && current.Aggregates.Equal(agg) {
			return nil
		}
		current.UpdatedAt = now
		return tx.UpdateBatch(ctx, current)
	})
	if err != nil {
		return nil, s.conflict(err)
	}

	for _, d := range decisions {
		s.metrics.IncrMatchOutcome(d.Status)
		switch d.Status {
		case domain.ItemAutoMatched:
			report.Matched++
		case domain.ItemSuggestedMatch:
			report.Suggested++
		default:
			report.Unmatched++
		}
	}
	report.Status = batch.Status
	report.Batch = batch

	s.logger.Info("auto-match run finished",
		zap.String("batch_id", batchID),
		zap.Int("matched", report.Matched),
		zap.Int("suggested", report.Suggested),
		zap.Int("unmatched", report.Unmatched),
		zap.Int("skipped", report.Skipped),
		zap.Int("updated", report.Updated),
		zap.String("status", string(report.Status)),
	)
	return report, nil
}

// windowPayments fetches electronic payments covering every item's window
// with one search.
func (s *ReconciliationService) windowPayments(ctx context.Context, items []domain.Item) ([]domain.PaymentCandidate, error) {
	from, to := items[0].ExternalDate, items[0].ExternalDate
	for _, it := range items[1:] {
		if it.ExternalDate.Before(from) {
			from = it.ExternalDate
		}
		if it.ExternalDate.After(to) {
			to = it.ExternalDate
		}
	}
	start, end := s.engine.Window(from, to)

	payments, err := s.source.SearchPayments(ctx, domain.CandidateFilter{
		DateFrom: &start,
		DateTo:   &end,
		Methods:  domain.ElectronicMethods,
	})
	if err != nil {
		s.metrics.IncrExternalError("payments")
		s.logger.Error("payment search failed", zap.Error(err))
		return nil, fmt.Errorf("payment search: %w", err)
	}
	return payments, nil
}

// applyDecision writes the engine's verdict onto it.
func applyDecision(it *domain.Item, d matching.Decision) {
	switch d.Status {
	case domain.ItemAutoMatched:
		it.Link(d.Match.Payment.ID, d.Match.Payment.Amount, domain.ItemAutoMatched)
		it.MatchScore = d.Match.Score
	case domain.ItemSuggestedMatch:
		it.ClearMatch()
		it.Status = domain.ItemSuggestedMatch
		it.MatchScore = d.TopScore()
		it.Suggestions = make([]domain.Suggestion, 0, len(d.Suggestions))
		for _, c := range d.Suggestions {
			it.Suggestions = append(it.Suggestions, c.Suggestion())
		}
	default:
		it.ClearMatch()
		it.Status = domain.ItemUnmatched
		it.Suggestions = nil
	}
}

// sameOutcome reports whether a and b carry the same matching result.
func sameOutcome(a, b domain.Item) bool {
	if a.Status != b.Status || a.MatchScore != b.MatchScore {
		return false
	}
	if !sameString(a.MatchedPaymentID, b.MatchedPaymentID) {
		return false
	}
	if len(a.Suggestions) != len(b.Suggestions) {
		return false
	}
	for i := range a.Suggestions {
		x, y := a.Suggestions[i], b.Suggestions[i]
		if x.PaymentID != y.PaymentID || x.Score != y.Score || x.DateDelta != y.DateDelta || !x.AmountDelta.Equal(y.AmountDelta) {
			return false
		}
	}
	return true
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SearchPaymentCandidates queries the payment source directly. Results are
// cached by id for later link lookups.
func (s *ReconciliationService) SearchPaymentCandidates(ctx context.Context, filter domain.CandidateFilter) ([]domain.PaymentCandidate, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.SearchPaymentCandidates")
	defer span.End()

	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateTo.Before(*filter.DateFrom) {
		return nil, &domain.ErrValidation{Field: "to", Message: "must not be before from"}
	}

	payments, err := s.source.SearchPayments(ctx, filter)
	if err != nil {
		s.metrics.IncrExternalError("payments")
		return nil, fmt.Errorf("payment search: %w", err)
	}
	for _, p := range payments {
		s.cache.Set(paymentKey(p.ID), p)
	}
	span.SetAttributes(attribute.Int("payments.count", len(payments)))
	return payments, nil
}
