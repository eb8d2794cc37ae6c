// internal/publisher/facade_test.go
package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lattice-cqrs/partition-publisher/common/logger"
)

// idleMachine builds a Machine that is never run, so any ask through its
// Facade can only ever time out. Exercises the Facade's own timeout path
// independent of actor behavior.
func idleMachine(t *testing.T) *Facade {
	t.Helper()
	cfg := testConfig()
	cfg.AskTimeout = 20 * time.Millisecond
	m, err := NewMachine(cfg, &fakeHandle{}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return NewFacade(m)
}

func TestFacade_PublishTimesOutWithNoRunningMachine(t *testing.T) {
	f := idleMachine(t)
	_, err := f.Publish(context.Background(), samplePublish("agg-1", "t"))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Op != "publish" {
		t.Fatalf("expected op=publish, got %q", te.Op)
	}
}

func TestFacade_HealthCheckTimesOutWithNoRunningMachine(t *testing.T) {
	f := idleMachine(t)
	h, err := f.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("expected a timed-out health check to report DOWN, not an error, got %v", err)
	}
	if h.Up || h.State != "down" {
		t.Fatalf("expected DOWN health on ask timeout, got %+v", h)
	}
}

func TestFacade_CallerDeadlineShorterThanAskTimeoutWins(t *testing.T) {
	cfg := testConfig()
	cfg.AskTimeout = time.Hour
	m, err := NewMachine(cfg, &fakeHandle{}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	f := NewFacade(m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = f.Publish(ctx, samplePublish("agg-1", "t"))
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected the caller's shorter deadline to win, took %s", time.Since(start))
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}
