// Package metrics registers the prometheus collectors shared by the job
// scheduler/worker and the search engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsQueueDepth is the number of pending jobs per (tier, job_type).
	JobsQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fortemi_jobs_queue_depth",
		Help: "Number of pending jobs, by tier and job type.",
	}, []string{"tier", "job_type"})

	// JobsClaimLatency observes the time between enqueue and claim.
	JobsClaimLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fortemi_jobs_claim_latency_seconds",
		Help:    "Seconds between a job being enqueued and claimed by a worker.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier", "job_type"})

	// JobsRunDuration observes handler run time.
	JobsRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fortemi_jobs_run_duration_seconds",
		Help:    "Seconds spent running a job handler.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type", "outcome"})

	// SearchQueryLatency observes hybrid search latency.
	SearchQueryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fortemi_search_query_latency_seconds",
		Help:    "Seconds spent servicing a search query.",
		Buckets: prometheus.DefBuckets,
	}, []string{"archive"})
)

// MustRegister registers every collector in this package against reg. Call
// once at startup; tests may use a fresh prometheus.Registry to avoid
// duplicate-registration panics across test binaries.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(JobsQueueDepth, JobsClaimLatency, JobsRunDuration, SearchQueryLatency)
}

var registerOnce sync.Once

// RegisterOnce registers against the default registerer, tolerating
// repeated calls (tests and embedded uses construct the app more than
// once per process).
func RegisterOnce() {
	registerOnce.Do(func() { MustRegister(prometheus.DefaultRegisterer) })
}
