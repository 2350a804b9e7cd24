// Package metrics exposes Prometheus collectors for HTTP traffic and the
// storefront's domain events.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	orders          *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	waitlistSignups prometheus.Counter
	outboxDropped   prometheus.Counter
	healthStatus    *prometheus.GaugeVec
	healthScore     prometheus.Gauge
	collabTasks     *prometheus.CounterVec
	backups         *prometheus.CounterVec
}

// New creates and registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "anoint"
	}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),

		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order status changes by gateway.",
		}, []string{"gateway", "status"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download validation outcomes.",
		}, []string{"result"}),
		waitlistSignups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_signups_total",
			Help:      "VIP waitlist signups.",
		}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dropped_total",
			Help:      "Emails dropped because the outbox queue was full.",
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current overall health status, 0 otherwise.",
		}, []string{"status"}),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Latest overall health score (0-100).",
		}),
		collabTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collab_tasks_total",
			Help:      "AI collaboration task transitions by resulting status.",
		}, []string{"status"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup and restore runs by result.",
		}, []string{"result"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.orders,
		m.downloads,
		m.waitlistSignups,
		m.outboxDropped,
		m.healthStatus,
		m.healthScore,
		m.collabTasks,
		m.backups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	method = strings.ToUpper(method)
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOrder counts an order reaching status through gateway.
func (m *Metrics) RecordOrder(gateway, status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(gateway, status).Inc()
}

// RecordDownload counts a download validation result.
func (m *Metrics) RecordDownload(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWaitlistSignup() {
	if m == nil {
		return
	}
	m.waitlistSignups.Inc()
}

// RecordOutboxDrop counts an email rejected by a full outbox.
func (m *Metrics) RecordOutboxDrop() {
	if m == nil {
		return
	}
	m.outboxDropped.Inc()
}

// SetHealth publishes the latest overall status and score.
func (m *Metrics) SetHealth(status string, score float64) {
	if m == nil {
		return
	}
	for _, s := range []string{"healthy", "degraded", "critical"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.healthStatus.WithLabelValues(s).Set(v)
	}
	m.healthScore.Set(score)
}

func (m *Metrics) RecordCollabTask(status string) {
	if m == nil {
		return
	}
	m.collabTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBackup(result string) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(result).Inc()
}

// CanonicalPath collapses raw paths with IDs into stable label values when
// no route template is available.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "/" + strings.Join(parts, "/")
}
