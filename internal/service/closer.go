package service

import (
	"context"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CloseBatch finalizes a batch. PENDING and SUGGESTED_MATCH items are forced
// to UNMATCHED, aggregates are refolded and the batch becomes CLOSED. Every
// later mutation of the batch or its items fails with ErrBatchClosed.
func (s *ReconciliationService) CloseBatch(ctx context.Context, batchID string) (*domain.CloseResult, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.CloseBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))
	defer s.observe("close_batch", time.Now())

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	result := &domain.CloseResult{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}
		if !batch.Status.CanTransitionTo(domain.BatchClosed) {
			return &domain.ErrInvalidTransition{Entity: "batch", From: string(batch.Status), To: string(domain.BatchClosed)}
		}

		items, _, err := tx.ListItems(ctx, batchID, domain.ItemFilter{})
		if err != nil {
			return err
		}
		now := s.now()
		for i := range items {
			it := &items[i]
			if !it.Status.Allows(domain.ActionForce) {
				continue
			}
			it.ClearMatch()
			it.Suggestions = nil
			it.Status = domain.ItemUnmatched
			it.UpdatedAt = now
			if err := tx.UpdateItem(ctx, it); err != nil {
				return err
			}
			result.ForcedUnmatched++
		}

		if err := batch.TransitionTo(domain.BatchClosed); err != nil {
			return err
		}
		batch.ClosedAt = &now
		batch.Aggregates = domain.ComputeAggregates(items)
		batch.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		result.Batch = batch
		return nil
	})
	if err != nil {
		return nil, s.conflict(err)
	}

	s.metrics.AddForcedUnmatched(result.ForcedUnmatched)
	s.metrics.IncrBatchFinished(domain.BatchClosed)
	s.logger.Info("batch closed",
		zap.String("batch_id", batchID),
		zap.Int("forced_unmatched", result.ForcedUnmatched),
		zap.Int("matched", result.Batch.MatchedCount),
		zap.Int("unmatched", result.Batch.UnmatchedCount),
		zap.String("total_difference", result.Batch.TotalDifference.StringFixed(2)),
	)
	return result, nil
}

// CancelBatch discards a batch from any non-terminal status. Items are left
// as they are.
func (s *ReconciliationService) CancelBatch(ctx context.Context, batchID string) (*domain.CloseResult, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.CancelBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	result := &domain.CloseResult{}
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}
		if err := batch.TransitionTo(domain.BatchCanceled); err != nil {
			return err
		}
		now := s.now()
		batch.ClosedAt = &now
		if err := s.recompute(ctx, tx, batch); err != nil {
			return err
		}
		result.Batch = batch
		return nil
	})
	if err != nil {
		return nil, s.conflict(err)
	}

	s.metrics.IncrBatchFinished(domain.BatchCanceled)
	s.logger.Info("batch canceled", zap.String("batch_id", batchID))
	return result, nil
}
