package observability

import (
	"time"

	"github.com/boddenberg/pj-reconciliation-go/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the reconciliation service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	matchOutcomes     *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	forcedUnmatched   prometheus.Counter
	batchesFinished   *prometheus.CounterVec
	importedRows      *prometheus.CounterVec
	conflicts         prometheus.Counter
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recon_operation_duration_seconds",
				Help:    "Duration of reconciliation operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		matchOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_automatch_outcomes_total",
				Help: "Items decided by the matching engine, by outcome.",
			},
			[]string{"outcome"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_resolutions_total",
				Help: "Operator actions applied to items.",
			},
			[]string{"action"},
		),
		forcedUnmatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "recon_forced_unmatched_total",
				Help: "Items forced to UNMATCHED when closing a batch.",
			},
		),
		batchesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_batches_finished_total",
				Help: "Batches that reached a terminal status.",
			},
			[]string{"status"},
		),
		importedRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_import_rows_total",
				Help: "Imported settlement rows by result.",
			},
			[]string{"result"},
		),
		conflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "recon_concurrent_modifications_total",
				Help: "Mutations rejected because another writer got there first.",
			},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recon_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrMatchOutcome counts one engine decision.
func (m *Metrics) IncrMatchOutcome(status domain.ItemStatus) {
	m.matchOutcomes.WithLabelValues(string(status)).Inc()
}

// IncrResolution counts one operator action.
func (m *Metrics) IncrResolution(action string) {
	m.resolutions.WithLabelValues(action).Inc()
}

// AddForcedUnmatched counts items forced at close time.
func (m *Metrics) AddForcedUnmatched(n int) {
	m.forcedUnmatched.Add(float64(n))
}

// IncrBatchFinished counts a batch reaching a terminal status.
func (m *Metrics) IncrBatchFinished(status domain.BatchStatus) {
	m.batchesFinished.WithLabelValues(string(status)).Inc()
}

// AddImportedRows counts accepted and rejected import rows.
func (m *Metrics) AddImportedRows(accepted, rejected int) {
	m.importedRows.WithLabelValues("accepted").Add(float64(accepted))
	m.importedRows.WithLabelValues("rejected").Add(float64(rejected))
}

// IncrConflict counts a lost optimistic-lock race.
func (m *Metrics) IncrConflict() {
	m.conflicts.Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// Snapshot returns the cumulative counters served by GET /v1/metrics/reconciliation.
func (m *Metrics) Snapshot() *domain.MatchMetrics {
	auto := getCounterValue(m.matchOutcomes, string(domain.ItemAutoMatched))
	suggested := getCounterValue(m.matchOutcomes, string(domain.ItemSuggestedMatch))
	unmatched := getCounterValue(m.matchOutcomes, string(domain.ItemUnmatched))
	hits := getCounterValue(m.cacheHits, "payment")
	misses := getCounterValue(m.cacheMisses, "payment")

	autoRate := float64(0)
	if decided := auto + suggested + unmatched; decided > 0 {
		autoRate = auto / decided
	}
	cacheRate := float64(0)
	if hits+misses > 0 {
		cacheRate = hits / (hits + misses)
	}

	return &domain.MatchMetrics{
		AutoMatched:      int64(auto),
		Suggested:        int64(suggested),
		Unmatched:        int64(unmatched),
		AutoMatchRate:    autoRate,
		ManualLinks:      int64(getCounterValue(m.resolutions, domain.ActionLink)),
		Ignored:          int64(getCounterValue(m.resolutions, domain.ActionIgnore)),
		Disputed:         int64(getCounterValue(m.resolutions, domain.ActionDispute)),
		ForcedUnmatched:  int64(readCounter(m.forcedUnmatched)),
		Conflicts:        int64(readCounter(m.conflicts)),
		PaymentCacheRate: cacheRate,
		Period:           "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return readCounter(cv.WithLabelValues(label))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
