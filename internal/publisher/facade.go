// internal/publisher/facade.go
package publisher

import (
	"context"
)

// Facade is the caller-facing handle onto a running Machine (spec.md
// §4.6). Every method is an ask/reply round trip bounded by the
// machine's configured AskTimeout, further bounded by ctx if the caller
// passes a shorter deadline.
type Facade struct {
	m *Machine
}

// NewFacade wraps m. m.Run must be started separately by the caller.
func NewFacade(m *Machine) *Facade { return &Facade{m: m} }

func (f *Facade) askDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.m.cfg.AskTimeout)
}

// Publish enqueues req for the next flush and blocks until its
// transaction commits or is aborted, or until the ask times out.
func (f *Facade) Publish(ctx context.Context, req PublishRequest) (PublishSuccess, error) {
	ctx, cancel := f.askDeadline(ctx)
	defer cancel()

	reply := make(chan publishReply, 1)
	select {
	case f.m.mailbox <- cmdPublish{req: req, reply: reply}:
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "publish").Inc()
		return PublishSuccess{}, &TimeoutError{Op: "publish"}
	}

	select {
	case r := <-reply:
		if r.failure != nil {
			return PublishSuccess{}, r.failure.Err
		}
		return *r.success, nil
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "publish").Inc()
		return PublishSuccess{}, &TimeoutError{Op: "publish"}
	}
}

// IsAggregateStateCurrent reports whether the KTable has caught up to
// the last write committed for aggregateID. Once the machine is Ready, an
// aggregate with no in-flight write gets true immediately; a query that
// arrives before initialization completes is held and answered on a later
// KTable progress update or at its deadline.
func (f *Facade) IsAggregateStateCurrent(ctx context.Context, aggregateID string) (bool, error) {
	ctx, cancel := f.askDeadline(ctx)
	defer cancel()

	reply := make(chan bool, 1)
	select {
	case f.m.mailbox <- cmdIsCurrent{aggregateID: aggregateID, reply: reply}:
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "is_aggregate_state_current").Inc()
		return false, &TimeoutError{Op: "is_aggregate_state_current"}
	}

	select {
	case current := <-reply:
		return current, nil
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "is_aggregate_state_current").Inc()
		return false, &TimeoutError{Op: "is_aggregate_state_current"}
	}
}

// downHealth is the DOWN snapshot HealthCheck reports when it cannot reach
// the machine at all — spec.md §4.4: "any error yields a DOWN result
// rather than a failed future."
func downHealth() HealthStatus {
	return HealthStatus{Up: false, State: "down"}
}

// HealthCheck returns a snapshot of the machine's current health. Unlike
// Publish and IsAggregateStateCurrent, a timed-out ask is itself reported
// as DOWN rather than surfaced as an error, per spec.md §4.4.
func (f *Facade) HealthCheck(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := f.askDeadline(ctx)
	defer cancel()

	reply := make(chan HealthStatus, 1)
	select {
	case f.m.mailbox <- cmdHealthCheck{reply: reply}:
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "health_check").Inc()
		return downHealth(), nil
	}

	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		metrics.AskTimeouts.WithLabelValues(serviceLabel, "health_check").Inc()
		return downHealth(), nil
	}
}

// Terminate asks the machine to fail everything outstanding, close its
// producer, and stop accepting new work. It waits up to AskTimeout for
// the machine to acknowledge.
func (f *Facade) Terminate(ctx context.Context) error {
	ctx, cancel := f.askDeadline(ctx)
	defer cancel()

	done := make(chan struct{})
	select {
	case f.m.mailbox <- cmdTerminate{done: done}:
	case <-ctx.Done():
		return &TimeoutError{Op: "terminate"}
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &TimeoutError{Op: "terminate"}
	}
}
