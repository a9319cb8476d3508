package comfy

import "github.com/prometheus/client_golang/prometheus"

// Operation label values.
const (
	opSubmit     = "submit"
	opHistory    = "history"
	opQueue      = "queue"
	opObjectInfo = "object_info"
	opView       = "view"
	opCancel     = "cancel"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_backend_request_duration_seconds",
			Help:    "Duration of HTTP calls to the rendering backend, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_backend_requests_total",
			Help: "Total HTTP calls to the rendering backend by operation and status code.",
		},
		[]string{"op", "code"},
	)
)

func init() {
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(requestsTotal)
}
