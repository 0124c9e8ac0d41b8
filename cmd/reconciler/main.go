package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/config"
	"github.com/boddenberg/pj-reconciliation-go/internal/domain"
	"github.com/boddenberg/pj-reconciliation-go/internal/handler"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/cache"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/gormstore"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/memstore"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/observability"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/postgrest"
	"github.com/boddenberg/pj-reconciliation-go/internal/infra/resilience"
	"github.com/boddenberg/pj-reconciliation-go/internal/matching"
	"github.com/boddenberg/pj-reconciliation-go/internal/port"
	"github.com/boddenberg/pj-reconciliation-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv()

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("payment_source", cfg.PaymentSource),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("match_window_days", cfg.MatchDateWindowDays),
		zap.String("business_timezone", cfg.BusinessTimezone),
		zap.Bool("auth_enabled", cfg.JWTSecret != ""),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "pj-reconciler")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	var (
		store port.ReconciliationStore
		db    *gorm.DB
	)
	switch cfg.DBDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		store = memstore.New()
	case "postgres", "sqlite":
		db, err = gormstore.Open(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		if err := gormstore.Migrate(db); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}
		store = gormstore.NewStore(db)
		logger.Info("database store ready", zap.String("driver", cfg.DBDriver))
	default:
		logger.Fatal("unknown DB_DRIVER", zap.String("driver", cfg.DBDriver))
	}

	// --- Payment source ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	var source port.PaymentCandidateSource
	switch cfg.PaymentSource {
	case "postgrest":
		if cfg.PaymentsAPIURL == "" {
			logger.Fatal("PAYMENTS_API_URL is required for the postgrest payment source")
		}
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		cb := resilience.NewCircuitBreaker("payments-api")
		source = postgrest.NewClient(httpClient, cfg.PaymentsAPIURL, cfg.PaymentsAPIKey, cb, resilienceCfg, logger)
		logger.Info("using PostgREST payment source", zap.String("url", cfg.PaymentsAPIURL))
	case "database":
		if db == nil {
			logger.Fatal("PAYMENT_SOURCE=database needs DB_DRIVER postgres or sqlite")
		}
		if cfg.DBDriver == "sqlite" {
			if err := gormstore.MigratePayments(db); err != nil {
				logger.Fatal("failed to migrate payments", zap.Error(err))
			}
		}
		source = gormstore.NewPaymentSource(db)
		logger.Info("using database payment source")
	case "memory":
		logger.Warn("using empty in-memory payment source")
		source = memstore.NewPayments()
	default:
		logger.Fatal("unknown PAYMENT_SOURCE", zap.String("source", cfg.PaymentSource))
	}

	// --- Cache ---
	paymentCache := cache.New[domain.PaymentCandidate](cfg.CacheTTL)
	defer paymentCache.Close()

	// --- Matching engine ---
	var location *time.Location
	if cfg.BusinessTimezone != "" {
		location, err = time.LoadLocation(cfg.BusinessTimezone)
		if err != nil {
			logger.Fatal("invalid BUSINESS_TIMEZONE", zap.String("timezone", cfg.BusinessTimezone), zap.Error(err))
		}
	}
	engine := matching.New(matching.Config{
		DateWindowDays:  cfg.MatchDateWindowDays,
		AmountTolerance: decimal.NewFromFloat(cfg.MatchAmountTol),
		MinScore:        cfg.MatchMinScore,
		Workers:         cfg.MatchWorkers,
		Location:        location,
	})

	// --- Services ---
	svc := service.NewReconciliationService(
		store,
		source,
		engine,
		paymentCache,
		resilience.NewBulkhead(cfg.MaxConcurrency),
		service.Config{DivergenceTolerance: decimal.NewFromFloat(cfg.DivergenceTolerance)},
		metrics,
		logger,
	)

	// --- Router ---
	router := handler.NewRouter(svc, metrics, cfg.JWTSecret, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
