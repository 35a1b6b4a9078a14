package docker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Docker API operation label values.
const (
	opImageInspect     = "image_inspect"
	opImagePull        = "image_pull"
	opContainerCreate  = "container_create"
	opContainerStart   = "container_start"
	opContainerInspect = "container_inspect"
	opContainerStop    = "container_stop"
	opContainerRemove  = "container_remove"
	opContainerLogs    = "container_logs"
	opPing             = "ping"
	opVersion          = "version"
)

var allOps = []string{
	opImageInspect, opImagePull, opContainerCreate, opContainerStart, opContainerInspect,
	opContainerStop, opContainerRemove, opContainerLogs, opPing, opVersion,
}

var (
	apiCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvix_docker_api_call_seconds",
			Help:    "Duration of Docker Engine API calls made by the compiler runtime, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	apiCallErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvix_docker_api_errors_total",
			Help: "Total number of failed Docker Engine API calls.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(apiCallDuration)
	prometheus.MustRegister(apiCallErrors)

	for _, op := range allOps {
		apiCallErrors.WithLabelValues(op)
	}
}

// observe records the duration and outcome of one API call. It is meant to
// be deferred with a pointer to the caller's named error result.
func observe(op string, start time.Time, err *error) {
	apiCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		apiCallErrors.WithLabelValues(op).Inc()
	}
}
