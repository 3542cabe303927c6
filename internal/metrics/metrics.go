package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the rentdesk server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Auth metrics.
	AuthAttemptsTotal   *prometheus.CounterVec
	GuardDecisionsTotal *prometheus.CounterVec
	MailFailuresTotal   *prometheus.CounterVec

	// Rate limiting.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Audit collector.
	AuditFlushesTotal *prometheus.CounterVec
	AuditEventsTotal  prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_auth_attempts_total",
			Help: "Total number of sign-in, callback and reset attempts by result.",
		}, []string{"kind", "result"}),

		GuardDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_guard_decisions_total",
			Help: "Total number of route guard decisions by role and outcome.",
		}, []string{"role", "outcome"}),

		MailFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_mail_failures_total",
			Help: "Total number of outbound mail failures.",
		}, []string{"kind"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		AuditFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentdesk_audit_flushes_total",
			Help: "Total number of audit collector flushes.",
		}, []string{"status"}),

		AuditEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rentdesk_audit_events_total",
			Help: "Total number of audit events flushed.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rentdesk_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.GuardDecisionsTotal,
		m.MailFailuresTotal,
		m.RateLimitRejectionsTotal,
		m.AuditFlushesTotal,
		m.AuditEventsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, pathPattern string, statusCode int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, fmt.Sprintf("%d", statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(d.Seconds())
}

// AuthAttempt counts a sign-in, callback or reset attempt.
func (m *Metrics) AuthAttempt(kind string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.AuthAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// GuardOutcome counts a route guard decision.
func (m *Metrics) GuardOutcome(role, outcome string) {
	m.GuardDecisionsTotal.WithLabelValues(role, outcome).Inc()
}

// MailFailure counts a failed outbound message.
func (m *Metrics) MailFailure(kind string) {
	m.MailFailuresTotal.WithLabelValues(kind).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// ObserveAuditFlush records an audit collector flush of n events.
func (m *Metrics) ObserveAuditFlush(n int, err error) {
	if err != nil {
		m.AuditFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.AuditFlushesTotal.WithLabelValues("ok").Inc()
	m.AuditEventsTotal.Add(float64(n))
}
