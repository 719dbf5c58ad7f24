package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// ProviderLatency tracks outbound provider call latency by operation
	ProviderLatency *prometheus.HistogramVec
	// ProviderAttempts counts provider call attempts by operation and outcome
	ProviderAttempts *prometheus.CounterVec
	// RateLimitHits counts rate-limit responses by operation
	RateLimitHits *prometheus.CounterVec
	// TokenRefreshes counts token refresh results
	TokenRefreshes *prometheus.CounterVec
	// QuotaUsagePercent tracks the storage quota usage percentage
	QuotaUsagePercent *prometheus.GaugeVec
	// QuotaWarningLevel tracks the current warning level rank per credential
	QuotaWarningLevel *prometheus.GaugeVec
	// MonitorChecks counts monitor passes by outcome
	MonitorChecks *prometheus.CounterVec
	// AlertsSent counts dispatched quota alerts by level
	AlertsSent *prometheus.CounterVec
	// CredentialActive tracks whether a credential is active (1) or not (0)
	CredentialActive *prometheus.GaugeVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Outbound provider call latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation", "outcome"},
		),
		ProviderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Total number of provider call attempts",
			},
			[]string{"operation", "outcome"},
		),
		RateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate-limit responses from the provider",
			},
			[]string{"operation"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of token refresh operations",
			},
			[]string{"outcome"},
		),
		QuotaUsagePercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_usage_percent",
				Help:      "Current storage quota usage percentage",
			},
			[]string{"session_id"},
		),
		QuotaWarningLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_warning_level",
				Help:      "Current quota warning level rank (0=none..4=critical)",
			},
			[]string{"session_id"},
		),
		MonitorChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_checks_total",
				Help:      "Total number of monitor quota checks",
			},
			[]string{"outcome"},
		),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Total number of quota alerts dispatched",
			},
			[]string{"level"},
		),
		CredentialActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_active",
				Help:      "Whether the credential is active (1) or deactivated (0)",
			},
			[]string{"session_id"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint", "method", "status"},
		),
	}

	registry.MustRegister(
		m.ProviderLatency,
		m.ProviderAttempts,
		m.RateLimitHits,
		m.TokenRefreshes,
		m.QuotaUsagePercent,
		m.QuotaWarningLevel,
		m.MonitorChecks,
		m.AlertsSent,
		m.CredentialActive,
		m.HTTPRequestsTotal,
		m.RequestLatency,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, used by tests to gather samples
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordProviderCall records one provider call attempt with its latency
func (m *Metrics) RecordProviderCall(operation, outcome string, duration time.Duration) {
	m.ProviderAttempts.WithLabelValues(operation, outcome).Inc()
	m.ProviderLatency.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordRateLimit records a rate-limit response for an operation
func (m *Metrics) RecordRateLimit(operation string) {
	m.RateLimitHits.WithLabelValues(operation).Inc()
}

// RecordTokenRefresh records the outcome of a token refresh
func (m *Metrics) RecordTokenRefresh(outcome string) {
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordQuota records the latest quota reading for a credential
func (m *Metrics) RecordQuota(sessionID string, usagePct float64, levelRank int) {
	m.QuotaUsagePercent.WithLabelValues(sessionID).Set(usagePct)
	m.QuotaWarningLevel.WithLabelValues(sessionID).Set(float64(levelRank))
}

// RecordMonitorCheck records the outcome of one monitor pass
func (m *Metrics) RecordMonitorCheck(outcome string) {
	m.MonitorChecks.WithLabelValues(outcome).Inc()
}

// RecordAlert records a dispatched alert
func (m *Metrics) RecordAlert(level string) {
	m.AlertsSent.WithLabelValues(level).Inc()
}

// RecordCredentialActive records whether a credential is active
func (m *Metrics) RecordCredentialActive(sessionID string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.CredentialActive.WithLabelValues(sessionID).Set(v)
}
