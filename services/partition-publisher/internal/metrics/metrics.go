// services/partition-publisher/internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BuildInfo is a one-hot gauge carrying the running service's name and
// version as labels, the way Prometheus exporters conventionally expose
// build metadata for alerting/dashboards.
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "publisher",
		Name:      "build_info",
		Help:      "Always 1; labels carry the running build's identity",
	},
	[]string{"service", "version"},
)

// SetBuildInfo publishes the running service's identity. Call once at
// startup after the service name and version are known.
func SetBuildInfo(service, version string) {
	BuildInfo.WithLabelValues(service, version).Set(1)
}
