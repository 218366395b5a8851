// Package metrics exposes the Prometheus instrumentation of the box.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// SyncDuration observes full world-model rebuild passes.
	SyncDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "prezel_sync_duration_seconds",
		Help:    "Duration of world model rebuild passes.",
		Buckets: prometheus.DefBuckets,
	})

	// BuildsTotal counts finished deployment builds by outcome.
	BuildsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "prezel_builds_total",
		Help: "Finished deployment builds by result.",
	}, []string{"result"})

	// ProxyRequestsTotal counts proxied requests by response class.
	ProxyRequestsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "prezel_proxy_requests_total",
		Help: "Requests handled by the reverse proxy, by status class.",
	}, []string{"class"})

	// CertDomains tracks certificate entries by state.
	CertDomains = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "prezel_cert_domains",
		Help: "Certificate store entries by state.",
	}, []string{"state"})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code for the proxy counter.
func StatusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
