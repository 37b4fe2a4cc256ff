// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the account service counters. A nil *Metrics is a no-op.
type Metrics struct {
	AuthEvents    *prometheus.CounterVec
	MailDelivery  *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_auth_events_total",
			Help: "Authentication and account lifecycle events by outcome",
		}, []string{"event", "outcome"}),
		MailDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_mail_deliveries_total",
			Help: "Outgoing mail attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_rate_limited_total",
			Help: "Requests rejected by the rate limiter by route",
		}, []string{"route"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "account_http_requests_total",
			Help: "HTTP requests by method and status",
		}, []string{"method", "status"}),
		HTTPDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "account_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(m.AuthEvents, m.MailDelivery, m.RateLimited, m.HTTPRequests, m.HTTPDurations)
	return m
}

// NewRegistry returns a registry with the Go and process collectors plus the service metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, New(reg)
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) Auth(event, outcome string) {
	if m == nil {
		return
	}
	m.AuthEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Mail(kind, outcome string) {
	if m == nil {
		return
	}
	m.MailDelivery.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Limited(route string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) Request(method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, status).Inc()
	m.HTTPDurations.WithLabelValues(method).Observe(seconds)
}
