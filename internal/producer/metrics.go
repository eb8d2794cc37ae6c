// internal/producer/metrics.go
package producer

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
	InitAttempts   *prometheus.CounterVec
	InitErrors     *prometheus.CounterVec
	BeginErrors    *prometheus.CounterVec
	CommitTotal    *prometheus.CounterVec
	AbortTotal     *prometheus.CounterVec
	FencedTotal    *prometheus.CounterVec
	RecordsAcked   *prometheus.CounterVec
	RecordsFailed  *prometheus.CounterVec
	PutRecordsTime *prometheus.HistogramVec
}{
	InitAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "init_attempts_total",
			Help: "InitTransactions attempts",
		},
		[]string{"service", "partition"},
	),
	InitErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "init_errors_total",
			Help: "InitTransactions failures",
		},
		[]string{"service", "partition"},
	),
	BeginErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "begin_errors_total",
			Help: "Begin failures",
		},
		[]string{"service", "partition"},
	),
	CommitTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "commits_total",
			Help: "Successful commits",
		},
		[]string{"service", "partition"},
	),
	AbortTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "aborts_total",
			Help: "Transaction aborts",
		},
		[]string{"service", "partition"},
	),
	FencedTotal: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "fenced_total",
			Help: "Fenced-producer terminations",
		},
		[]string{"service", "partition"},
	),
	RecordsAcked: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "records_acked_total",
			Help: "Records successfully acked",
		},
		[]string{"service", "partition"},
	),
	RecordsFailed: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "records_failed_total",
			Help: "Records that failed to ack",
		},
		[]string{"service", "partition"},
	),
	PutRecordsTime: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "publisher", Subsystem: "producer", Name: "put_records_seconds",
			Help:    "Time spent awaiting a PutRecords batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "partition"},
	),
}
