package service

import (
	"context"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ImportBatchItems appends parsed settlement rows to a batch as PENDING items.
// Bad rows are reported in the result and never abort the import; accepted
// rows are written in one transaction. A DRAFT batch becomes IMPORTED with
// its first item.
func (s *ReconciliationService) ImportBatchItems(ctx context.Context, batchID string, rows []domain.ImportRow) (*domain.ImportResult, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.ImportBatchItems")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.Int("rows.count", len(rows)))
	defer s.observe("import", time.Now())

	if len(rows) == 0 {
		return nil, &domain.ErrValidation{Field: "rows", Message: "at least one row is required"}
	}

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	result := &domain.ImportResult{BatchID: batchID}
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}

		seen, err := tx.NSUsInBatch(ctx, batchID)
		if err != nil {
			return err
		}
		offset := len(seen)
		now := s.now()

		items := make([]domain.Item, 0, len(rows))
		for i, row := range rows {
			item, rowErr := domain.NewItemFromRow(batchID, i+1, row)
			if rowErr == nil {
				if _, dup := seen[item.NSU]; dup {
					rowErr = &domain.ErrMalformedImportRow{Row: i + 1, Field: "nsu", Reason: "duplicate nsu " + item.NSU}
				}
			}
			if rowErr != nil {
				result.Errors = append(result.Errors, *rowErr)
				continue
			}

			seen[item.NSU] = struct{}{}
			item.ID = uuid.NewString()
			item.Row = offset + len(items) + 1
			item.CreatedAt = now
			item.UpdatedAt = now
			items = append(items, *item)
		}

		result.Imported = len(items)
		result.Rejected = len(result.Errors)
		result.Status = batch.Status
		if len(items) == 0 {
			return nil
		}

		if err := tx.CreateItems(ctx, items); err != nil {
			return err
		}
		if batch.Status == domain.BatchDraft {
			if err := batch.TransitionTo(domain.BatchImported); err != nil {
				return err
			}
		}
		if err := s.recompute(ctx, tx, batch); err != nil {
			return err
		}

		result.Status = batch.Status
		result.ItemIDs = make([]string, 0, len(items))
		for _, it := range items {
			result.ItemIDs = append(result.ItemIDs, it.ID)
		}
		return nil
	})
	if err != nil {
		return nil, s.conflict(err)
	}

	result.Processed = s.now()
	s.metrics.AddImportedRows(result.Imported, result.Rejected)
	s.logger.Info("items imported",
		zap.String("batch_id", batchID),
		zap.Int("imported", result.Imported),
		zap.Int("rejected", result.Rejected),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}
