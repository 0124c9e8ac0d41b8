package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Batches
// ============================================================

// authorizeBatch loads the batch and hides it from other tenants.
func authorizeBatch(ctx context.Context, svc *service.ReconciliationService, batchID string) (*domain.Batch, error) {
	batch, err := svc.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if tenant := TenantIDFromContext(ctx); tenant != "" && batch.TenantID != tenant {
		return nil, &domain.ErrNotFound{Resource: "batch", ID: batchID}
	}
	return batch, nil
}

func createBatchHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches")
		defer span.End()

		var req domain.CreateBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if tenant := TenantIDFromContext(ctx); tenant != "" {
			req.TenantID = tenant
		}

		batch, err := svc.CreateBatch(ctx, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, batch)
	}
}

func listBatchesHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/batches")
		defer span.End()

		tenant := TenantIDFromContext(ctx)
		if tenant == "" {
			tenant = r.URL.Query().Get("tenant_id")
		}
		page, pageSize := parsePagination(r)

		batches, err := svc.ListBatches(ctx, tenant, page, pageSize)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if batches == nil {
			batches = []domain.Batch{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batches":  batches,
			"page":     page,
			"pageSize": pageSize,
		})
	}
}

func getBatchHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/batches/{batchId}")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		span.SetAttributes(attribute.String("batch.id", batchID))

		batch, err := authorizeBatch(ctx, svc, batchID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func importItemsHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/import")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		span.SetAttributes(attribute.String("batch.id", batchID))

		var req struct {
			Rows []domain.ImportRow `json:"rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := svc.ImportBatchItems(ctx, batchID, req.Rows)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func autoMatchHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/automatch")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		span.SetAttributes(attribute.String("batch.id", batchID))

		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		report, err := svc.RunAutoMatch(ctx, batchID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func recomputeHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/recompute")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		batch, err := svc.RecomputeAggregates(ctx, batchID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func transitionHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/transition")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		var req struct {
			Status domain.BatchStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		span.SetAttributes(attribute.String("batch.id", batchID), attribute.String("batch.target", string(req.Status)))

		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		batch, err := svc.TransitionBatch(ctx, batchID, req.Status)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func closeBatchHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/close")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		result, err := svc.CloseBatch(ctx, batchID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func cancelBatchHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/batches/{batchId}/cancel")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		result, err := svc.CancelBatch(ctx, batchID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listItemsHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/batches/{batchId}/items")
		defer span.End()

		batchID := chi.URLParam(r, "batchId")
		if _, err := authorizeBatch(ctx, svc, batchID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		page, pageSize := parsePagination(r)
		result, err := svc.ListItems(ctx, batchID, domain.ItemFilter{
			Statuses: parseStatuses(r.URL.Query().Get("status")),
			Page:     page,
			PageSize: pageSize,
		})
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if result.Items == nil {
			result.Items = []domain.Item{}
		}
		writeJSON(w, http.StatusOK, result)
	}
}
