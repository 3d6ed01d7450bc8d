package main

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pulseauth/internal/apperr"
	"github.com/example/pulseauth/internal/ratelimit"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	AuthRequestsTotal        *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec
	HTTPRequestDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AuthRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseauth_auth_requests_total",
				Help: "Authentication flow outcomes",
			},
			[]string{"flow", "outcome"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulseauth_ratelimit_rejections_total",
				Help: "Requests rejected by the authentication rate limiter",
			},
			[]string{"action", "layer"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulseauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.AuthRequestsTotal,
		m.RateLimitRejectionsTotal,
		m.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveFlow records the outcome of an auth flow: "success" or the
// lower-cased error kind.
func (m *Metrics) ObserveFlow(flow string, err error) {
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(apperr.KindOf(err).String())
	}
	m.AuthRequestsTotal.WithLabelValues(flow, outcome).Inc()
}

// ObserveRejection is the rate limiter's reject hook.
func (m *Metrics) ObserveRejection(action string, layer ratelimit.Layer) {
	m.RateLimitRejectionsTotal.WithLabelValues(action, string(layer)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
