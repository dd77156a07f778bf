// Package metrics exposes Prometheus instrumentation for the sync cache.
// Every method is safe to call on a nil *Registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	Passes             prometheus.Counter
	PassesDiscarded    prometheus.Counter
	EnrichmentFailures prometheus.Counter
	Subscriptions      prometheus.Counter
	LiveSubscriptions  prometheus.Gauge
	Records            prometheus.Gauge
	PassSeconds        prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	passes := prometheus.NewCounter(prometheus.CounterOpts{Name: "intel_cache_passes_total", Help: "Normalization passes published."})
	discarded := prometheus.NewCounter(prometheus.CounterOpts{Name: "intel_cache_passes_discarded_total", Help: "Normalization passes superseded before publication."})
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "intel_cache_enrichment_failures_total", Help: "Per-entity metadata reads that failed."})
	subs := prometheus.NewCounter(prometheus.CounterOpts{Name: "intel_cache_subscriptions_total", Help: "Collection subscriptions established."})
	live := prometheus.NewGauge(prometheus.GaugeOpts{Name: "intel_cache_live_subscriptions", Help: "Subscriptions currently held."})
	records := prometheus.NewGauge(prometheus.GaugeOpts{Name: "intel_cache_records", Help: "Records in the last published snapshot."})
	passSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "intel_cache_pass_seconds",
		Help:    "Time from collection push to settled normalization pass.",
		Buckets: prometheus.DefBuckets,
	})

	r.MustRegister(passes, discarded, failures, subs, live, records, passSeconds)
	return &Registry{
		reg:                r,
		Passes:             passes,
		PassesDiscarded:    discarded,
		EnrichmentFailures: failures,
		Subscriptions:      subs,
		LiveSubscriptions:  live,
		Records:            records,
		PassSeconds:        passSeconds,
	}
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) PassPublished(records int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Passes.Inc()
	r.Records.Set(float64(records))
	r.PassSeconds.Observe(elapsed.Seconds())
}

func (r *Registry) PassDiscarded() {
	if r == nil {
		return
	}
	r.PassesDiscarded.Inc()
}

func (r *Registry) EnrichmentFailed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.EnrichmentFailures.Add(float64(n))
}

func (r *Registry) Subscribed() {
	if r == nil {
		return
	}
	r.Subscriptions.Inc()
	r.LiveSubscriptions.Inc()
}

func (r *Registry) Unsubscribed() {
	if r == nil {
		return
	}
	r.LiveSubscriptions.Dec()
}
