// internal/ktable/poller_test.go
package ktable

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/internal/publisher"
)

type fakeSource struct {
	mu       sync.Mutex
	progress publisher.KTableProgress
	err      error
	calls    int
}

func (f *fakeSource) Poll(ctx context.Context) (publisher.KTableProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return publisher.KTableProgress{}, f.err
	}
	return f.progress, nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) setProgress(p publisher.KTableProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress, f.err = p, nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingSink struct {
	mu      sync.Mutex
	updates []publisher.KTableProgress
}

func (r *recordingSink) KTableProgressUpdate(p publisher.KTableProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPoller_ForwardsSuccessfulPolls(t *testing.T) {
	src := &fakeSource{progress: publisher.KTableProgress{Topic: "orders-state", Partition: 3, Current: 10, End: 12}}
	sink := &recordingSink{}
	p, err := NewPoller(src, sink, "orders-state", 3, 5*time.Millisecond, logger.NewNop())
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, time.Second, func() bool { return sink.count() >= 2 })
}

func TestPoller_RetainsPreviousSnapshotOnFailure(t *testing.T) {
	src := &fakeSource{}
	sink := &recordingSink{}
	p, err := NewPoller(src, sink, "orders-state", 0, 5*time.Millisecond, logger.NewNop())
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	src.setProgress(publisher.KTableProgress{Topic: "orders-state", Partition: 0, Current: 5, End: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, time.Second, func() bool { return sink.count() >= 1 })

	src.setErr(errors.New("broker unreachable"))
	before := sink.count()
	time.Sleep(30 * time.Millisecond)

	sink.mu.Lock()
	after := len(sink.updates)
	sink.mu.Unlock()
	if after != before {
		t.Fatalf("expected no new updates while poll fails, got %d new", after-before)
	}
}

func TestNewPoller_RejectsNonPositiveInterval(t *testing.T) {
	src := &fakeSource{}
	sink := &recordingSink{}
	if _, err := NewPoller(src, sink, "t", 0, 0, logger.NewNop()); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
