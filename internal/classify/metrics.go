package classify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClassificationsTotal counts produced classifications.
// Labels: classification, category
var ClassificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "operatord",
		Subsystem: "classify",
		Name:      "classifications_total",
		Help:      "Total number of incident classifications produced",
	},
	[]string{"classification", "category"},
)
