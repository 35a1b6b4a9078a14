package engine

import "github.com/prometheus/client_golang/prometheus"

// Container lifecycle event label values.
const (
	eventCreated   = "created"
	eventStarted   = "started"
	eventCleanedUp = "cleaned_up"
)

var (
	containerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_latex_container_events_total",
			Help: "Total number of compiler container lifecycle events.",
		},
		[]string{"event"},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_latex_jobs_total",
			Help: "Total number of finished compilation jobs by outcome.",
		},
		[]string{"outcome"},
	)

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cvix_latex_retries_total",
		Help: "Total number of compilation attempts retried after a transient failure.",
	})

	compileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cvix_latex_compile_duration_seconds",
		Help:    "Wall-clock duration of successful compilation jobs, in seconds.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	permitsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvix_latex_permits_in_use",
		Help: "Number of admission permits currently held by compilation jobs.",
	})

	permitsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cvix_latex_permits_available",
		Help: "Number of admission permits currently free.",
	})

	imagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_latex_image_pulls_total",
			Help: "Total number of compiler image pulls by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(containerEvents)
	prometheus.MustRegister(jobOutcomes)
	prometheus.MustRegister(retriesTotal)
	prometheus.MustRegister(compileDuration)
	prometheus.MustRegister(permitsInUse)
	prometheus.MustRegister(permitsAvailable)
	prometheus.MustRegister(imagePulls)

	// Pre-initialize label combinations so they appear in /metrics at zero.
	for _, ev := range []string{eventCreated, eventStarted, eventCleanedUp} {
		containerEvents.WithLabelValues(ev)
	}
	for _, o := range []string{"completed", "failed", "timed_out", "rejected"} {
		jobOutcomes.WithLabelValues(o)
	}
	imagePulls.WithLabelValues("success")
	imagePulls.WithLabelValues("failure")
}
