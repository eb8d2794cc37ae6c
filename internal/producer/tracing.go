// internal/producer/tracing.go
package producer

import (
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("partition-publisher/producer")
