// Package metrics registers the counters the monitoring publisher (§4.N)
// updates alongside its event-bus traffic, plus a WorkflowDuration histogram
// that no caller observes, on a dedicated
// prometheus.Registry exposed via a /metrics handler mounted on the Gin
// router (AM-4).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the orchestration core updates.
type Registry struct {
	reg *prometheus.Registry

	EventsPublished  *prometheus.CounterVec
	StepOutcomes     *prometheus.CounterVec
	WorkflowDuration prometheus.Histogram
	ZombieChecks     *prometheus.CounterVec
}

// New registers every metric on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_events_published_total",
			Help: "Count of monitoring events published, by topic.",
		}, []string{"topic"}),
		StepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_step_outcomes_total",
			Help: "Count of step dispatch outcomes, by system and status.",
		}, []string{"system", "status"}),
		WorkflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "erasure_workflow_duration_seconds",
			Help:    "Wall-clock duration from intake to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // ~1s .. ~2h15m
		}),
		ZombieChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erasure_zombie_checks_total",
			Help: "Count of zombie re-checks, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(r.EventsPublished, r.StepOutcomes, r.WorkflowDuration, r.ZombieChecks)
	return r
}

// Handler returns the http.Handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
