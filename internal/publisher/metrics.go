// internal/publisher/metrics.go
package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lattice-cqrs/partition-publisher/common"
)

var serviceLabel = "unknown"

// SetServiceLabel sets the service label used on every metric emitted by
// this package. Registered with common.RegisterServiceLabelSetter so
// common.InitServiceName reaches it without an import cycle.
func SetServiceLabel(name string) { serviceLabel = name }

func init() {
	common.RegisterServiceLabelSetter(SetServiceLabel)
}

var metrics = struct {
	StateGauge        *prometheus.GaugeVec
	InFlightGauge     *prometheus.GaugeVec
	PendingWriteGauge *prometheus.GaugeVec
	PendingInitGauge  *prometheus.GaugeVec
	ReadinessTimeouts *prometheus.CounterVec
	AskTimeouts       *prometheus.CounterVec
}{
	StateGauge: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "publisher", Subsystem: "machine", Name: "state",
			Help: "Current machine state as a one-hot gauge, labeled by state name",
		},
		[]string{"service", "state"},
	),
	InFlightGauge: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "publisher", Subsystem: "machine", Name: "in_flight_aggregates",
			Help: "Aggregates with a committed offset not yet confirmed by the KTable",
		},
		[]string{"service"},
	),
	PendingWriteGauge: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "publisher", Subsystem: "machine", Name: "pending_writes",
			Help: "Writes queued for the next flush",
		},
		[]string{"service"},
	),
	PendingInitGauge: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "publisher", Subsystem: "machine", Name: "pending_readiness_queries",
			Help: "Readiness queries awaiting KTable catch-up or expiry",
		},
		[]string{"service"},
	),
	ReadinessTimeouts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "machine", Name: "readiness_timeouts_total",
			Help: "is_aggregate_state_current queries that expired before the KTable caught up",
		},
		[]string{"service"},
	),
	AskTimeouts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "facade", Name: "ask_timeouts_total",
			Help: "Facade requests that timed out waiting for a machine reply",
		},
		[]string{"service", "op"},
	),
}
