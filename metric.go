package piecesync

import (
	"github.com/Durchex/piecesync/schema"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameSpace = "piecesync"
)

var (
	listenerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "listener_events_total",
			Help:      "contract events handled by the listener, by outcome",
		},
		[]string{"network", "kind", "outcome"},
	)
	listenerQueueLen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricNameSpace,
			Name:      "listener_queue_length",
			Help:      "events waiting in the listener queue",
		},
		[]string{"network"},
	)
	reconcileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "reconcile_results_total",
			Help:      "pending transfer reconciliation attempts, by resulting status",
		},
		[]string{"network", "status"},
	)
	backfillPairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "backfill_pairs_total",
			Help:      "wallet/piece balance reads done by the backfill",
		},
		[]string{"network", "outcome"},
	)
	backfillCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: MetricNameSpace,
			Name:      "backfill_cursor_block",
			Help:      "last block fully scanned by the backfill",
		},
		[]string{"network", "contract"},
	)
)

func init() {
	prometheus.MustRegister(
		listenerEvents,
		listenerQueueLen,
		reconcileResults,
		backfillPairs,
		backfillCursor,
	)
}

func metricListenerEvent(network string, kind schema.EventKind, outcome string) {
	listenerEvents.WithLabelValues(network, string(kind), outcome).Inc()
}

func metricQueueLen(network string, n int) {
	listenerQueueLen.WithLabelValues(network).Set(float64(n))
}

func metricReconcile(network string, status schema.TransferStatus) {
	reconcileResults.WithLabelValues(network, string(status)).Inc()
}

func metricBackfillPair(network, outcome string) {
	backfillPairs.WithLabelValues(network, outcome).Inc()
}

func metricBackfillCursor(network, contract string, block uint64) {
	backfillCursor.WithLabelValues(network, contract).Set(float64(block))
}
