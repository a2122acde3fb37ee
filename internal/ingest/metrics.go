package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events accepted into the store.
	// Labels: signal_type
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events accepted into the store",
		},
		[]string{"signal_type"},
	)

	// EventsRejected counts rejected submissions.
	// Labels: reason (validation, rate_limit, not_found, conflict, internal)
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Total number of rejected event submissions",
		},
		[]string{"reason"},
	)

	// NATSDropped counts NATS messages dropped before submission.
	NATSDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "ingest",
			Name:      "nats_dropped_total",
			Help:      "Total number of undecodable NATS messages dropped",
		},
	)
)
