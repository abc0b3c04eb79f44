package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ydcourse"

var (
	PurchaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "transitions_total",
			Help:      "Purchase workflow status transitions by entered step",
		},
		[]string{"step"},
	)

	PurchaseOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchase",
			Name:      "outcomes_total",
			Help:      "Terminal purchase outcomes by failure kind (success for completed purchases)",
		},
		[]string{"kind"},
	)

	TxSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "tx_submitted_total",
			Help:      "Transactions submitted by contract method",
		},
		[]string{"method"},
	)

	RPCFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_failovers_total",
			Help:      "Times the client rotated to the next RPC endpoint",
		},
	)

	WatcherPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "poll_errors_total",
			Help:      "Failed passive account reads by query",
		},
		[]string{"query"},
	)
)
