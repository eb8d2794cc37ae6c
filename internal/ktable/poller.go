// internal/ktable/poller.go
package ktable

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/internal/publisher"
)

// ProgressSink accepts KTable progress snapshots. publisher.Machine
// implements it; tests substitute a recording fake.
type ProgressSink interface {
	KTableProgressUpdate(publisher.KTableProgress)
}

// Poller periodically polls a Source and forwards snapshots to a sink.
// A failed poll never reaches the sink and never tears anything down: it
// is logged, counted, and the previous snapshot simply stands until the
// next tick succeeds (spec.md §4.5 — "poll failure never transitions the
// state machine").
type Poller struct {
	src      Source
	sink     ProgressSink
	interval time.Duration
	topic    string
	partition int32
	log      *logger.Logger
}

// NewPoller builds a Poller. interval must be positive.
func NewPoller(src Source, sink ProgressSink, topic string, partition int32, interval time.Duration, log *logger.Logger) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("ktable: poll interval must be positive")
	}
	return &Poller{
		src:       src,
		sink:      sink,
		interval:  interval,
		topic:     topic,
		partition: partition,
		log:       log.Named("ktable-poller"),
	}, nil
}

// Run polls on a fixed ticker until ctx is cancelled. It never returns a
// non-nil error except ctx.Err() on cancellation, matching the
// Run(ctx) error convention of the goroutines internal/app supervises
// with common/safe.Group.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	partitionLabel := fmt.Sprintf("%d", p.partition)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			progress, err := p.src.Poll(ctx)
			if err != nil {
				metrics.PollErrors.WithLabelValues(serviceLabel, p.topic, partitionLabel).Inc()
				p.log.Warn("ktable poll failed, retaining previous snapshot",
					zap.String("topic", p.topic), zap.Int32("partition", p.partition), zap.Error(err))
				continue
			}
			metrics.Lag.WithLabelValues(serviceLabel, p.topic, partitionLabel).Set(float64(progress.End - progress.Current))
			p.sink.KTableProgressUpdate(progress)
		}
	}
}
