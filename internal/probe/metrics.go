package probe

import "github.com/prometheus/client_golang/prometheus"

var probeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "kiln_probe_failures_total",
	Help: "Capability probes that could not introspect the backend.",
})

func init() {
	prometheus.MustRegister(probeFailures)
}
