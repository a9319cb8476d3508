package resolver

import "github.com/prometheus/client_golang/prometheus"

var visibilityTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kiln_resolver_visibility_total",
		Help: "Adapters made visible from a durable tier, by method.",
	},
	[]string{"method"},
)

func init() {
	prometheus.MustRegister(visibilityTotal)

	visibilityTotal.WithLabelValues(string(MethodLink))
	visibilityTotal.WithLabelValues(string(MethodCopy))
}
