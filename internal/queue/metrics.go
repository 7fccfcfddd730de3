package queue

import "github.com/prometheus/client_golang/prometheus"

// queueDepth gauges the number of messages per lane.
var queueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "settlement_queue_depth",
		Help: "Number of dispatch messages per queue lane.",
	},
	[]string{"lane"},
)

func init() {
	prometheus.MustRegister(queueDepth)
}
