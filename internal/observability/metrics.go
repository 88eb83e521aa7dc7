package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "push_fanout"

// Metrics stores Prometheus collectors used by the API, workers and auditor.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	notificationsTotal     *prometheus.CounterVec
	targetSendsTotal       *prometheus.CounterVec
	targetSendDuration     prometheus.Histogram
	targetsPerNotification prometheus.Histogram
	claimConflictsTotal    *prometheus.CounterVec
	workerInflight         prometheus.Gauge
	sweptTotal             prometheus.Counter
	invalidTokensTotal     prometheus.Counter
	auditUsersWithDups     prometheus.Gauge
	auditRedundantTargets  prometheus.Gauge
	auditUserFailuresTotal prometheus.Counter
	auditRunsTotal         *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_finalized_total",
				Help:      "Notifications that reached a terminal status, by status and failure reason.",
			},
			[]string{"status", "reason"},
		),
		targetSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_sends_total",
				Help:      "Per-token provider sends by outcome.",
			},
			[]string{"outcome"},
		),
		targetSendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "target_send_duration_seconds",
				Help:      "Provider send duration in seconds for a single token.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		targetsPerNotification: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "targets_per_notification",
				Help:      "Unique eligible tokens resolved per delivery attempt.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		claimConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_conflicts_total",
				Help:      "Conditional status updates that lost to a concurrent writer, by stage.",
			},
			[]string{"stage"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight delivery attempts.",
			},
		),
		sweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_swept_total",
				Help:      "Stale pending notifications re-published to the delivery queue.",
			},
		),
		invalidTokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_tokens_reported_total",
				Help:      "Tokens permanently rejected by the provider and reported for cleanup.",
			},
		),
		auditUsersWithDups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_users_with_duplicate_tokens",
				Help:      "Users whose devices share push tokens, as of the last audit run.",
			},
		),
		auditRedundantTargets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_redundant_tokens",
				Help:      "Sum of eligible minus unique tokens across users, as of the last audit run.",
			},
		),
		auditUserFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_user_failures_total",
				Help:      "Per-user audit reads that failed and were skipped.",
			},
		),
		auditRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_runs_total",
				Help:      "Duplicate audit runs by result.",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsTotal,
		m.targetSendsTotal,
		m.targetSendDuration,
		m.targetsPerNotification,
		m.claimConflictsTotal,
		m.workerInflight,
		m.sweptTotal,
		m.invalidTokensTotal,
		m.auditUsersWithDups,
		m.auditRedundantTargets,
		m.auditUserFailuresTotal,
		m.auditRunsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncNotificationSent() {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues("sent", "none").Inc()
}

func (m *Metrics) IncNotificationFailed(reason string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues("failed", normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveTargetSend(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.targetSendsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.targetSendDuration.Observe(seconds)
}

func (m *Metrics) ObserveTargets(count int) {
	if m == nil {
		return
	}
	m.targetsPerNotification.Observe(float64(count))
}

// IncClaimConflict counts a lost conditional update; stage is "claim" or "finalize".
func (m *Metrics) IncClaimConflict(stage string) {
	if m == nil {
		return
	}
	m.claimConflictsTotal.WithLabelValues(normalizeLabel(stage)).Inc()
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) AddSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweptTotal.Add(float64(count))
}

func (m *Metrics) IncInvalidTokenReported() {
	if m == nil {
		return
	}
	m.invalidTokensTotal.Inc()
}

// SetAuditResult publishes the totals of a completed audit run.
func (m *Metrics) SetAuditResult(usersWithDuplicates int, redundantTokens int, userFailures int) {
	if m == nil {
		return
	}
	m.auditUsersWithDups.Set(float64(usersWithDuplicates))
	m.auditRedundantTargets.Set(float64(redundantTokens))
	if userFailures > 0 {
		m.auditUserFailuresTotal.Add(float64(userFailures))
	}
	m.auditRunsTotal.WithLabelValues("completed").Inc()
}

func (m *Metrics) IncAuditAborted() {
	if m == nil {
		return
	}
	m.auditRunsTotal.WithLabelValues("aborted").Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
