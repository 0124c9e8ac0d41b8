package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/observability"
	"github.com/boddenberg/pj-reconciliation-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
// When jwtSecret is empty the /v1 routes are served without authentication.
func NewRouter(svc *service.ReconciliationService, metrics *observability.Metrics, jwtSecret string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if svc == nil {
			r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "reconciliation service unavailable")
			}))
			return
		}
		if jwtSecret != "" {
			r.Use(TenantAuthMiddleware([]byte(jwtSecret), logger))
		}

		// =============================================
		// Batches
		// =============================================
		r.Post("/batches", createBatchHandler(svc, logger))
		r.Get("/batches", listBatchesHandler(svc, logger))
		r.Route("/batches/{batchId}", func(r chi.Router) {
			r.Get("/", getBatchHandler(svc, logger))
			r.Post("/import", importItemsHandler(svc, logger))
			r.Post("/automatch", autoMatchHandler(svc, logger))
			r.Post("/recompute", recomputeHandler(svc, logger))
			r.Post("/transition", transitionHandler(svc, logger))
			r.Post("/close", closeBatchHandler(svc, logger))
			r.Post("/cancel", cancelBatchHandler(svc, logger))
			r.Get("/items", listItemsHandler(svc, logger))
		})

		// =============================================
		// Items
		// =============================================
		r.Get("/items/{itemId}", getItemHandler(svc, logger))
		r.Post("/items/{itemId}/resolve", resolveItemHandler(svc, logger))
		r.Post("/items/{itemId}/ignore", ignoreItemHandler(svc, logger))
		r.Post("/items/{itemId}/dispute", disputeItemHandler(svc, logger))

		// =============================================
		// Payments & metrics
		// =============================================
		r.Get("/payments/candidates", searchCandidatesHandler(svc, logger))
		r.Get("/metrics/reconciliation", reconciliationMetricsHandler(svc))
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(svc *service.ReconciliationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "reconciler-api", Status: "healthy", LastChecked: now},
		}

		if svc != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			start := time.Now()
			err := svc.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "unhealthy"
			}
			services = append(services, domain.ServiceHealth{
				Name: "store", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overall, code := "healthy", http.StatusOK
		for _, s := range services {
			if s.Status != "healthy" {
				overall, code = "unhealthy", http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func reconciliationMetricsHandler(svc *service.ReconciliationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Metrics())
	}
}
