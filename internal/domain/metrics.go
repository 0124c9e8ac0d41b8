package domain

// MatchMetrics is the JSON snapshot served at /v1/metrics/reconciliation.
type MatchMetrics struct {
	AutoMatched      int64   `json:"autoMatched"`
	Suggested        int64   `json:"suggested"`
	Unmatched        int64   `json:"unmatched"`
	AutoMatchRate    float64 `json:"autoMatchRate"`
	ManualLinks      int64   `json:"manualLinks"`
	Ignored          int64   `json:"ignored"`
	Disputed         int64   `json:"disputed"`
	ForcedUnmatched  int64   `json:"forcedUnmatched"`
	Conflicts        int64   `json:"concurrentModifications"`
	PaymentCacheRate float64 `json:"paymentCacheHitRate"`
	Period           string  `json:"period"`
}

// ServiceHealth represents the health of a single dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// HealthStatus is the response of /healthz.
type HealthStatus struct {
	Status   string          `json:"status"`
	Services []ServiceHealth `json:"services"`
}
