package sigmatrade

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "sigmatrade"

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	cacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "persistent_write_failures_total",
			Help:      "Background writes to the persistent tier that failed or were dropped",
		},
	)

	rpcBatchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "batches_total",
			Help:      "Batched JSON-RPC round trips by outcome",
		},
		[]string{"outcome"},
	)

	rpcBatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rpc",
			Name:      "batch_items_total",
			Help:      "JSON-RPC calls submitted inside batches by method",
		},
		[]string{"method"},
	)

	explorerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "explorer",
			Name:      "requests_total",
			Help:      "Explorer API requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	externalResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "external_http_responses_total",
			Help:      "Upstream HTTP responses by host and status code",
		},
		[]string{"host", "code"},
	)

	appResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "app_http_responses_total",
			Help:      "Dashboard HTTP responses by route and status code",
		},
		[]string{"route", "code"},
	)

	headReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "heads",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts of the new-heads stream",
		},
	)

	aggregatorCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "aggregator",
			Name:      "cycles_total",
			Help:      "Transaction fetch cycles by outcome",
		},
		[]string{"outcome"},
	)
)

func incrementResponseCount(counter *prometheus.CounterVec, label string, code int) {
	if counter == nil {
		return
	}
	counter.WithLabelValues(label, strconv.Itoa(code)).Inc()
}
