package orchestrate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts state machine transitions.
	// Labels: from, to
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "orchestrate",
			Name:      "transitions_total",
			Help:      "Total number of trace state transitions",
		},
		[]string{"from", "to"},
	)

	// GateFailuresTotal counts safety gate refusals.
	// Labels: gate
	GateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "orchestrate",
			Name:      "gate_failures_total",
			Help:      "Total number of safety gate failures",
		},
		[]string{"gate"},
	)

	// PlantTimeoutsTotal counts plant calls that exceeded their budget.
	// Labels: op (run, validate)
	PlantTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "orchestrate",
			Name:      "plant_timeouts_total",
			Help:      "Total number of plant calls that exceeded their timeout budget",
		},
		[]string{"op"},
	)

	// StaleDecisionsTotal counts classifications discarded by epoch fencing.
	StaleDecisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "orchestrate",
			Name:      "stale_decisions_total",
			Help:      "Total number of classifications discarded as stale",
		},
	)
)
