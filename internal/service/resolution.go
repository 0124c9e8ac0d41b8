package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// itemMutation changes item in place inside the transaction. batch is the
// owning batch as read in the same transaction.
type itemMutation func(ctx context.Context, tx port.ReconciliationStore, batch *domain.Batch, item *domain.Item) error

// ResolveItem links an item to a payment chosen by the operator. The outcome
// depends on the resolution type and the amount difference: MANUAL_MATCHED
// for an exact match, RESOLVED for corrective types or a difference within
// tolerance, DIVERGENT otherwise. A DIVERGENT item keeps the amounts and the
// payment reference but holds no link.
func (s *ReconciliationService) ResolveItem(ctx context.Context, itemID string, req domain.ResolveRequest) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.ResolveItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID), attribute.String("payment.id", req.PaymentID))
	defer s.observe("resolve_item", time.Now())

	if !req.ResolutionType.Valid() {
		return nil, &domain.ErrInvalidResolutionType{Value: string(req.ResolutionType)}
	}
	if req.PaymentID == "" {
		return nil, &domain.ErrValidation{Field: "paymentId", Message: "required"}
	}

	item, release, err := s.claimItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer release()

	payment, err := s.lookupPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}

	out, err := s.commitItem(ctx, item, func(ctx context.Context, tx port.ReconciliationStore, batch *domain.Batch, it *domain.Item) error {
		if !it.Status.Allows(domain.ActionLink) {
			return &domain.ErrInvalidTransition{Entity: "item", From: string(it.Status), To: string(s.linkOutcome(it, payment, req.ResolutionType))}
		}

		holder, err := tx.FindItemByPayment(ctx, batch.ID, payment.ID)
		var notFound *domain.ErrNotFound
		switch {
		case err == nil && holder.ID != it.ID:
			return &domain.ErrPaymentAlreadyLinked{PaymentID: payment.ID, ItemID: holder.ID}
		case err != nil && !errors.As(err, &notFound):
			return err
		}

		status := s.linkOutcome(it, payment, req.ResolutionType)
		if status == domain.ItemDivergent {
			internal := payment.Amount
			diff := internal.Sub(it.ExternalAmount)
			pid := payment.ID
			it.ClearMatch()
			it.InternalAmount = &internal
			it.DifferenceAmount = &diff
			it.DivergentPaymentID = &pid
			it.Suggestions = nil
			it.Status = domain.ItemDivergent
		} else {
			it.Link(payment.ID, payment.Amount, status)
		}

		rt := req.ResolutionType
		it.ResolutionType = &rt
		it.ResolutionNotes = req.Notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrResolution(domain.ActionLink)
	s.logger.Info("item resolved",
		zap.String("item_id", out.ID),
		zap.String("batch_id", out.BatchID),
		zap.String("payment_id", payment.ID),
		zap.String("resolution_type", string(req.ResolutionType)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

// linkOutcome decides the status a manual link to payment produces.
func (s *ReconciliationService) linkOutcome(it *domain.Item, payment *domain.PaymentCandidate, rt domain.ResolutionType) domain.ItemStatus {
	diff := payment.Amount.Sub(it.ExternalAmount).Abs()
	exact := diff.LessThanOrEqual(s.engine.Config().CentTolerance)

	switch {
	case rt == domain.ResolutionExactMatch && diff.IsZero():
		return domain.ItemManualMatched
	case rt.Corrective():
		return domain.ItemResolved
	case exact || diff.LessThanOrEqual(it.ExternalAmount.Abs().Mul(s.cfg.DivergenceTolerance)):
		return domain.ItemResolved
	default:
		return domain.ItemDivergent
	}
}

// IgnoreItem excludes an item from reconciliation.
func (s *ReconciliationService) IgnoreItem(ctx context.Context, itemID, notes string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.IgnoreItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))
	defer s.observe("ignore_item", time.Now())

	item, release, err := s.claimItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := s.commitItem(ctx, item, func(_ context.Context, _ port.ReconciliationStore, _ *domain.Batch, it *domain.Item) error {
		if !it.Status.Allows(domain.ActionIgnore) {
			return &domain.ErrInvalidTransition{Entity: "item", From: string(it.Status), To: string(domain.ItemIgnored)}
		}
		it.ClearMatch()
		it.Suggestions = nil
		it.Status = domain.ItemIgnored
		it.ResolutionNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrResolution(domain.ActionIgnore)
	s.logger.Info("item ignored", zap.String("item_id", out.ID), zap.String("batch_id", out.BatchID))
	return out, nil
}

// DisputeItem flags an item for follow-up with the acquirer. A held link is
// released and remembered as the divergent payment; amounts stay for reference.
func (s *ReconciliationService) DisputeItem(ctx context.Context, itemID, notes string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.DisputeItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))
	defer s.observe("dispute_item", time.Now())

	item, release, err := s.claimItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer release()

	out, err := s.commitItem(ctx, item, func(_ context.Context, _ port.ReconciliationStore, _ *domain.Batch, it *domain.Item) error {
		if !it.Status.Allows(domain.ActionDispute) {
			return &domain.ErrInvalidTransition{Entity: "item", From: string(it.Status), To: string(domain.ItemDisputed)}
		}
		if it.MatchedPaymentID != nil {
			it.DivergentPaymentID = it.MatchedPaymentID
			it.MatchedPaymentID = nil
		}
		it.Status = domain.ItemDisputed
		it.ResolutionNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrResolution(domain.ActionDispute)
	s.logger.Info("item disputed", zap.String("item_id", out.ID), zap.String("batch_id", out.BatchID))
	return out, nil
}

// claimItem loads an item and reserves it for the caller. A second caller on
// the same item fails fast with ErrConcurrentModification.
func (s *ReconciliationService) claimItem(ctx context.Context, itemID string) (*domain.Item, func(), error) {
	release, ok := s.locks.tryItem(itemID)
	if !ok {
		return nil, nil, s.conflict(&domain.ErrConcurrentModification{Resource: "item", ID: itemID})
	}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		release()
		return nil, nil, err
	}
	batch, err := s.store.GetBatch(ctx, item.BatchID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if err := batch.EnsureMutable(); err != nil {
		release()
		return nil, nil, err
	}
	return item, release, nil
}

// commitItem applies mutate to the stored item under the batch lock and
// recomputes the batch in the same transaction. The item must still be at
// the version claimItem read.
func (s *ReconciliationService) commitItem(ctx context.Context, item *domain.Item, mutate itemMutation) (*domain.Item, error) {
	unlock := s.locks.lockBatch(item.BatchID)
	defer unlock()

	var out *domain.Item
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, item.BatchID)
		if err != nil {
			return err
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}

		cur, err := tx.GetItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if cur.Version != item.Version {
			return &domain.ErrConcurrentModification{Resource: "item", ID: item.ID}
		}

		if err := mutate(ctx, tx, batch, cur); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdateItem(ctx, cur); err != nil {
			return err
		}

		if batch.Status == domain.BatchMatching {
			if err := batch.TransitionTo(domain.BatchReviewing); err != nil {
				return err
			}
		}
		if err := s.recompute(ctx, tx, batch); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, s.conflict(err)
	}
	return out, nil
}

func paymentKey(id string) string {
	return fmt.Sprintf("payment:%s", id)
}

// lookupPayment resolves a payment id through the cache.
func (s *ReconciliationService) lookupPayment(ctx context.Context, paymentID string) (*domain.PaymentCandidate, error) {
	key := paymentKey(paymentID)
	if p, ok := s.cache.Get(key); ok {
		s.metrics.IncrCacheHit("payment")
		return &p, nil
	}
	s.metrics.IncrCacheMiss("payment")

	p, err := s.source.GetPayment(ctx, paymentID)
	if err != nil {
		var notFound *domain.ErrNotFound
		if !errors.As(err, &notFound) {
			s.metrics.IncrExternalError("payments")
			s.logger.Error("payment lookup failed",
				zap.String("payment_id", paymentID),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("payment lookup: %w", err)
	}
	s.cache.Set(key, *p)
	return p, nil
}
