package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func parsePagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v := r.URL.Query().Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 500 {
			pageSize = ps
		}
	}
	return
}

// parseStatuses splits a comma separated status list.
func parseStatuses(raw string) []domain.ItemStatus {
	if raw == "" {
		return nil
	}
	var out []domain.ItemStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.ItemStatus(strings.ToUpper(s)))
		}
	}
	return out
}

// parseCandidateFilter reads amount, from, to, reference and method query params.
func parseCandidateFilter(r *http.Request) (domain.CandidateFilter, error) {
	q := r.URL.Query()
	var f domain.CandidateFilter

	if v := q.Get("amount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, &domain.ErrValidation{Field: "amount", Message: "not a decimal"}
		}
		f.Amount = &d
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.DateFrom}, {"to", &f.DateTo}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, ok := domain.ParseImportDate(v)
		if !ok {
			return f, &domain.ErrValidation{Field: p.name, Message: "unparseable date"}
		}
		if p.name == "to" {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		*p.dst = &t
	}
	f.Reference = q.Get("reference")
	if v := q.Get("method"); v != "" {
		for _, m := range strings.Split(v, ",") {
			f.Methods = append(f.Methods, domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(m))))
		}
	}
	return f, nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var notFound *domain.ErrNotFound
	var invalidTransition *domain.ErrInvalidTransition
	var batchClosed *domain.ErrBatchClosed
	var alreadyLinked *domain.ErrPaymentAlreadyLinked
	var concurrent *domain.ErrConcurrentModification
	var invalidResolution *domain.ErrInvalidResolutionType
	var validation *domain.ErrValidation
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var unauthorized *domain.ErrUnauthorized

	switch {
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidTransition):
		logger.Debug("invalid transition", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &batchClosed):
		logger.Debug("batch closed", zap.String("batch_id", batchClosed.BatchID))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &alreadyLinked):
		logger.Debug("payment already linked",
			zap.String("payment_id", alreadyLinked.PaymentID),
			zap.String("item_id", alreadyLinked.ItemID),
		)
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &concurrent):
		logger.Warn("concurrent modification", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalidResolution):
		logger.Debug("invalid resolution type", zap.String("value", invalidResolution.Value))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &external):
		logger.Error("external service error", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
