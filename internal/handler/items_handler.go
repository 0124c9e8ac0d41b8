package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Items
// ============================================================

// authorizeItem checks that the item's batch belongs to the caller's tenant.
func authorizeItem(ctx context.Context, svc *service.ReconciliationService, itemID string) (*domain.Item, error) {
	item, err := svc.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if TenantIDFromContext(ctx) == "" {
		return item, nil
	}
	if _, err := authorizeBatch(ctx, svc, item.BatchID); err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, &domain.ErrNotFound{Resource: "item", ID: itemID}
		}
		return nil, err
	}
	return item, nil
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// decodeNotes reads an optional {"notes": ...} body.
func decodeNotes(r *http.Request) (string, error) {
	var req notesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Notes, nil
}

func getItemHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/items/{itemId}")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		item, err := authorizeItem(ctx, svc, itemID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func resolveItemHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items/{itemId}/resolve")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		var req domain.ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, err := authorizeItem(ctx, svc, itemID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		item, err := svc.ResolveItem(ctx, itemID, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func ignoreItemHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items/{itemId}/ignore")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		notes, err := decodeNotes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, err := authorizeItem(ctx, svc, itemID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		item, err := svc.IgnoreItem(ctx, itemID, notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func disputeItemHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/items/{itemId}/dispute")
		defer span.End()

		itemID := chi.URLParam(r, "itemId")
		span.SetAttributes(attribute.String("item.id", itemID))

		notes, err := decodeNotes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, err := authorizeItem(ctx, svc, itemID); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		item, err := svc.DisputeItem(ctx, itemID, notes)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// ============================================================
// Payments
// ============================================================

func searchCandidatesHandler(svc *service.ReconciliationService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments/candidates")
		defer span.End()

		filter, err := parseCandidateFilter(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		payments, err := svc.SearchPaymentCandidates(ctx, filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if payments == nil {
			payments = []domain.PaymentCandidate{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
	}
}
