// internal/ktable/metrics.go
package ktable

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
	PollErrors *prometheus.CounterVec
	Lag        *prometheus.GaugeVec
}{
	PollErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "ktable", Name: "poll_errors_total",
			Help: "KTable lag poll failures",
		},
		[]string{"service", "topic", "partition"},
	),
	Lag: promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "publisher", Subsystem: "ktable", Name: "lag_records",
			Help: "End offset minus current offset for the polled changelog partition",
		},
		[]string{"service", "topic", "partition"},
	),
}
