// Package service provides the business logic layer (use cases).
// ReconciliationService drives settlement batches from import through
// automatic matching and operator review to close.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/observability"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/resilience"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/reconciliation")

// Config holds service-level policy not owned by the matching engine.
type Config struct {
	// DivergenceTolerance is the relative difference a manual link may carry
	// without a corrective resolution type before the item turns DIVERGENT.
	DivergenceTolerance decimal.Decimal
}

// ReconciliationService orchestrates batches, items and the matching engine.
type ReconciliationService struct {
	store    port.ReconciliationStore
	source   port.PaymentCandidateSource
	engine   *matching.Engine
	cache    port.Cache[domain.PaymentCandidate]
	bulkhead *resilience.Bulkhead
	locks    *keyedLocks
	cfg      Config
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciliationService creates the service with all dependencies injected.
func NewReconciliationService(
	store port.ReconciliationStore,
	source port.PaymentCandidateSource,
	engine *matching.Engine,
	cache port.Cache[domain.PaymentCandidate],
	bulkhead *resilience.Bulkhead,
	cfg Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ReconciliationService {
	if cfg.DivergenceTolerance.IsZero() {
		cfg.DivergenceTolerance = decimal.NewFromFloat(0.01)
	}
	return &ReconciliationService{
		store:    store,
		source:   source,
		engine:   engine,
		cache:    cache,
		bulkhead: bulkhead,
		locks:    newKeyedLocks(),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ============================================================
// Batches
// ============================================================

// CreateBatch opens a new DRAFT batch.
func (s *ReconciliationService) CreateBatch(ctx context.Context, req domain.CreateBatchRequest) (*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.CreateBatch")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &domain.Batch{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Name:       req.Name,
		Source:     req.Source,
		Period:     domain.Period{Start: req.PeriodStart.UTC(), End: req.PeriodEnd.UTC()},
		Status:     domain.BatchDraft,
		Aggregates: domain.ComputeAggregates(nil),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	span.SetAttributes(attribute.String("batch.id", batch.ID))
	s.logger.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("tenant_id", batch.TenantID),
		zap.String("source", batch.Source),
	)
	return batch, nil
}

func (s *ReconciliationService) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.GetBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	return s.store.GetBatch(ctx, batchID)
}

func (s *ReconciliationService) ListBatches(ctx context.Context, tenantID string, page, pageSize int) ([]domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.ListBatches")
	defer span.End()

	return s.store.ListBatches(ctx, tenantID, page, pageSize)
}

// TransitionBatch applies one edge of the batch state machine. Closing and
// canceling go through CloseBatch and CancelBatch so their item rules apply.
func (s *ReconciliationService) TransitionBatch(ctx context.Context, batchID string, target domain.BatchStatus) (*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.TransitionBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID), attribute.String("batch.target", string(target)))

	if !target.Valid() {
		return nil, &domain.ErrValidation{Field: "status", Message: fmt.Sprintf("unknown batch status %q", target)}
	}
	switch target {
	case domain.BatchClosed:
		res, err := s.CloseBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return res.Batch, nil
	case domain.BatchCanceled:
		res, err := s.CancelBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		return res.Batch, nil
	}

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	var out *domain.Batch
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}
		if target == domain.BatchImported && batch.TotalItems == 0 {
			return &domain.ErrInvalidTransition{Entity: "batch", From: string(batch.Status), To: string(target)}
		}
		if err := batch.TransitionTo(target); err != nil {
			return err
		}
		batch.UpdatedAt = s.now()
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, s.conflict(err)
	}
	return out, nil
}

// RecomputeAggregates refolds the batch's items. It writes only when the
// stored projection is stale.
func (s *ReconciliationService) RecomputeAggregates(ctx context.Context, batchID string) (*domain.Batch, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.RecomputeAggregates")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	unlock := s.locks.lockBatch(batchID)
	defer unlock()

	var out *domain.Batch
	err := s.store.InTx(ctx, func(ctx context.Context, tx port.ReconciliationStore) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		items, _, err := tx.ListItems(ctx, batchID, domain.ItemFilter{})
		if err != nil {
			return err
		}
		agg := domain.ComputeAggregates(items)
		out = batch
		if agg.Equal(batch.Aggregates) {
			return nil
		}
		if err := batch.EnsureMutable(); err != nil {
			return err
		}
		batch.Aggregates = agg
		batch.UpdatedAt = s.now()
		return tx.UpdateBatch(ctx, batch)
	})
	if err != nil {
		return nil, s.conflict(err)
	}
	return out, nil
}

// recompute refolds items into batch and persists it inside tx.
func (s *ReconciliationService) recompute(ctx context.Context, tx port.ReconciliationStore, batch *domain.Batch) error {
	items, _, err := tx.ListItems(ctx, batch.ID, domain.ItemFilter{})
	if err != nil {
		return err
	}
	batch.Aggregates = domain.ComputeAggregates(items)
	batch.UpdatedAt = s.now()
	return tx.UpdateBatch(ctx, batch)
}

// ============================================================
// Items
// ============================================================

// ListItems returns one page of a batch's items, optionally filtered by status.
func (s *ReconciliationService) ListItems(ctx context.Context, batchID string, filter domain.ItemFilter) (*domain.ItemPage, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.ListItems")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, &domain.ErrValidation{Field: "status", Message: fmt.Sprintf("unknown item status %q", st)}
		}
	}
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	items, total, err := s.store.ListItems(ctx, batchID, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return &domain.ItemPage{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (s *ReconciliationService) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	ctx, span := tracer.Start(ctx, "ReconciliationService.GetItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	return s.store.GetItem(ctx, itemID)
}

// Metrics returns the cumulative matching and resolution counters.
func (s *ReconciliationService) Metrics() *domain.MatchMetrics {
	return s.metrics.Snapshot()
}

// Ping reports whether the store is reachable.
func (s *ReconciliationService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// conflict counts lost optimistic races and passes err through.
func (s *ReconciliationService) conflict(err error) error {
	var cm *domain.ErrConcurrentModification
	if errors.As(err, &cm) {
		s.metrics.IncrConflict()
		s.logger.Warn("concurrent modification",
			zap.String("resource", cm.Resource),
			zap.String("id", cm.ID),
		)
	}
	return err
}

func (s *ReconciliationService) observe(operation string, start time.Time) {
	s.metrics.RecordDuration(operation, time.Since(start))
}
