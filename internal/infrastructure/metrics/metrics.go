package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream check outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeTimedOut = "timed_out"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

// Metrics groups the collectors of the service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	UpstreamChecks   *prometheus.CounterVec
	UpstreamPolls    prometheus.Counter
	StatusChanges    *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	ProxyRequests    *prometheus.CounterVec
	ReconcileRuns    *prometheus.CounterVec
	ReconcileSeconds prometheus.Histogram
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UpstreamChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visatracker_upstream_checks_total",
			Help: "Visa API status checks by outcome",
		}, []string{"outcome"}),
		UpstreamPolls: factory.NewCounter(prometheus.CounterOpts{
			Name: "visatracker_upstream_polls_total",
			Help: "Follow-up polls issued for pending upstream tasks",
		}),
		StatusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visatracker_status_changes_total",
			Help: "Detected visa status changes by new category",
		}, []string{"category"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visatracker_notifications_total",
			Help: "Telegram notifications by outcome",
		}, []string{"outcome"}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visatracker_proxy_requests_total",
			Help: "Proxied visa API requests by method and status code",
		}, []string{"method", "code"}),
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visatracker_reconcile_runs_total",
			Help: "Reconcile batch runs by outcome",
		}, []string{"outcome"}),
		ReconcileSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "visatracker_reconcile_duration_seconds",
			Help:    "Duration of reconcile batch runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveCheck(outcome string, polls int) {
	if m == nil {
		return
	}
	m.UpstreamChecks.WithLabelValues(outcome).Inc()
	m.UpstreamPolls.Add(float64(polls))
}

func (m *Metrics) ObserveStatusChange(category string) {
	if m == nil {
		return
	}
	m.StatusChanges.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProxy(method string, code int) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveRun(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(outcome).Inc()
	m.ReconcileSeconds.Observe(took.Seconds())
}
