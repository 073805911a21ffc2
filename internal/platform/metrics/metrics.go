package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the live-plan engine.
type Metrics struct {
	TriggersIngested  *prometheus.CounterVec
	ProposalsResolved *prometheus.CounterVec
	VersionsActivated prometheus.Counter
	AnchorSubmissions *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
	RequestLatency    *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TriggersIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_triggers_ingested_total",
			Help: "Triggers accepted by the ingestor, by kind.",
		}, []string{"kind"}),
		ProposalsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_proposals_resolved_total",
			Help: "Proposals leaving the pending state, by outcome.",
		}, []string{"outcome"}),
		VersionsActivated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "heirloom_versions_activated_total",
			Help: "Plan versions promoted to current.",
		}),
		AnchorSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "heirloom_anchor_submissions_total",
			Help: "Anchor submissions, by result.",
		}, []string{"result"}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heirloom_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps, by sweep name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heirloom_http_request_duration_seconds",
			Help:    "HTTP request latency, by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
