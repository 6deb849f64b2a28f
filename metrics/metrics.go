// Package metrics holds the Prometheus collectors for generation jobs.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register is called by init() to enqueue collectors.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers ALL enqueued collectors with the default registry exactly once.
func MustRegister() {
	once.Do(func() {
		if len(collectors) > 0 {
			prometheus.MustRegister(collectors...)
		}
	})
}

func init() {
	register(jobsTotal, jobDuration, pollCycles, imagesTotal, jobsInFlight)
}

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfypanel_jobs_total",
			Help: "Generation jobs by model family and outcome.",
		},
		[]string{"family", "outcome"}, // succeeded|failed|timed_out|rejected|submit_failed
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfypanel_job_duration_seconds",
			Help:    "Wall time from submission to a terminal state.",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		},
		[]string{"family", "outcome"},
	)

	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfypanel_poll_cycles_total",
			Help: "Poll cycles run against the backend, by read result.",
		},
		[]string{"result"}, // pending|complete|read_error
	)

	imagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfypanel_images_total",
			Help: "Images added to the result list.",
		},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfypanel_jobs_in_flight",
			Help: "Jobs currently submitted and not yet finished.",
		},
	)
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ObserveJob records a job that reached a terminal state.
func ObserveJob(family, outcome string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(norm(family), norm(outcome)).Inc()
	if elapsed > 0 {
		jobDuration.WithLabelValues(norm(family), norm(outcome)).Observe(elapsed.Seconds())
	}
}

func IncPollCycle(result string) {
	pollCycles.WithLabelValues(norm(result)).Inc()
}

func AddImages(n int) {
	imagesTotal.Add(float64(n))
}

func JobStarted()  { jobsInFlight.Inc() }
func JobFinished() { jobsInFlight.Dec() }
