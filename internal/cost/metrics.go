package cost

import "github.com/prometheus/client_golang/prometheus"

var costTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kiln_cost_usd_total",
		Help: "Attributed generation cost in USD, by GPU type.",
	},
	[]string{"gpu_type"},
)

func init() {
	prometheus.MustRegister(costTotal)
}

// Observe adds r's total to the cost counter.
func Observe(r Record) {
	costTotal.WithLabelValues(r.gpuType).Add(r.total)
}
