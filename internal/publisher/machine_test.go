// internal/publisher/machine_test.go
package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-cqrs/partition-publisher/common/backoff"
	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/internal/producer"
)

var _ producer.Handle = (*fakeHandle)(nil)

func testConfig() Config {
	return Config{
		EventsTopic:              "orders-events",
		StateTopic:               "orders-state",
		Partition:                3,
		FlushInterval:            10 * time.Millisecond,
		MaxRecordsPerTransaction: 100,
		AskTimeout:               2 * time.Second,
		ReadinessTimeout:         200 * time.Millisecond,
		MailboxSize:              64,
		InitBackoff: backoff.Config{
			InitialInterval: 2 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
		},
	}
}

func startMachine(t *testing.T, cfg Config, prod producer.Handle) (*Facade, context.CancelFunc) {
	t.Helper()
	m, err := NewMachine(cfg, prod, logger.NewNop())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return NewFacade(m), cancel
}

func samplePublish(id, traceCtx string) PublishRequest {
	return PublishRequest{
		AggregateID: id,
		State:       MessageToPublish{Key: id, Value: []byte("state-" + id)},
		Events:      []MessageToPublish{{Key: id, Value: []byte("event-" + id)}},
		TraceCtx:    traceCtx,
	}
}

func TestMachine_HappyPath(t *testing.T) {
	prod := &fakeHandle{}
	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	success, err := f.Publish(context.Background(), samplePublish("agg-1", "trace-1"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if success.TraceCtx != "trace-1" {
		t.Fatalf("expected trace-1, got %q", success.TraceCtx)
	}
	if success.StateAck.AggregateID != "agg-1" {
		t.Fatalf("expected state ack for agg-1, got %+v", success.StateAck)
	}
	if len(success.EventAcks) != 1 {
		t.Fatalf("expected 1 event ack, got %d", len(success.EventAcks))
	}

	health, err := f.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if health.TransactionsCommitted != 1 {
		t.Fatalf("expected 1 commit, got %d", health.TransactionsCommitted)
	}
	if health.State != "ready" {
		t.Fatalf("expected ready, got %s", health.State)
	}
}

func TestMachine_BeginTransientFailureThenRecovers(t *testing.T) {
	prod := &fakeHandle{}
	prod.queueBegin(func() error {
		return &producer.IllegalStateError{Op: "begin", Err: context.DeadlineExceeded}
	})

	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	_, err := f.Publish(context.Background(), samplePublish("agg-2", "trace-2"))
	if err == nil {
		t.Fatal("expected first publish to fail")
	}

	success, err := f.Publish(context.Background(), samplePublish("agg-2", "trace-3"))
	if err != nil {
		t.Fatalf("expected retry to succeed after recovery, got %v", err)
	}
	if success.TraceCtx != "trace-3" {
		t.Fatalf("expected trace-3, got %q", success.TraceCtx)
	}

	prod.mu.Lock()
	closed := prod.closeCalls
	prod.mu.Unlock()
	if closed < 1 {
		t.Fatalf("expected producer Close before rebuilding on recovery, got %d calls", closed)
	}
}

func TestMachine_AbortThenCommitFailureRecovers(t *testing.T) {
	prod := &fakeHandle{}
	prod.queueCommit(func() error {
		return &producer.IllegalStateError{Op: "commit", Err: context.DeadlineExceeded}
	})

	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	_, err := f.Publish(context.Background(), samplePublish("agg-3", "trace-4"))
	if err == nil {
		t.Fatal("expected commit failure to fail the publish")
	}

	prod.mu.Lock()
	aborts := prod.abortCalls
	prod.mu.Unlock()
	if aborts < 1 {
		t.Fatalf("expected at least one Abort call after commit failure, got %d", aborts)
	}

	success, err := f.Publish(context.Background(), samplePublish("agg-3", "trace-5"))
	if err != nil {
		t.Fatalf("expected retry to succeed after recovery, got %v", err)
	}
	if success.TraceCtx != "trace-5" {
		t.Fatalf("expected trace-5, got %q", success.TraceCtx)
	}

	prod.mu.Lock()
	closed := prod.closeCalls
	prod.mu.Unlock()
	if closed < 1 {
		t.Fatalf("expected producer Close before rebuilding on recovery, got %d calls", closed)
	}
}

func TestMachine_InitRetriesUntilSuccess(t *testing.T) {
	prod := &fakeHandle{}
	attempt := 0
	prod.queueInit(func(ctx context.Context) error {
		attempt++
		return context.DeadlineExceeded
	})
	prod.queueInit(func(ctx context.Context) error {
		attempt++
		return context.DeadlineExceeded
	})

	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	success, err := f.Publish(context.Background(), samplePublish("agg-4", "trace-6"))
	if err != nil {
		t.Fatalf("expected publish to eventually succeed once init retries succeed, got %v", err)
	}
	if success.TraceCtx != "trace-6" {
		t.Fatalf("expected trace-6, got %q", success.TraceCtx)
	}
	if attempt < 2 {
		t.Fatalf("expected at least 2 failed init attempts before success, got %d", attempt)
	}
}

func TestMachine_FencedOnCommitStopsAcceptingWork(t *testing.T) {
	prod := &fakeHandle{}
	prod.queueCommit(func() error {
		return &producer.FencedError{Op: "commit", Err: context.DeadlineExceeded}
	})

	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	_, err := f.Publish(context.Background(), samplePublish("agg-5", "trace-7"))
	if err == nil {
		t.Fatal("expected fenced commit to fail the publish")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h, herr := f.HealthCheck(context.Background())
		if herr == nil && h.State == "fenced" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h, err := f.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if h.State != "fenced" || h.Up {
		t.Fatalf("expected fenced/down health, got %+v", h)
	}

	if _, err := f.Publish(context.Background(), samplePublish("agg-6", "trace-8")); err == nil {
		t.Fatal("expected publish after fencing to fail")
	}

	prod.mu.Lock()
	closed := prod.closeCalls
	prod.mu.Unlock()
	if closed < 1 {
		t.Fatalf("expected producer Close after fencing, got %d calls", closed)
	}
}

func TestMachine_ReadinessQueryJoinsInFlightThenResolves(t *testing.T) {
	prod := &fakeHandle{}
	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	success, err := f.Publish(context.Background(), samplePublish("agg-7", "trace-9"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	current, err := f.IsAggregateStateCurrent(context.Background(), "agg-7")
	if err != nil {
		t.Fatalf("IsAggregateStateCurrent: %v", err)
	}
	if current {
		t.Fatal("expected false while KTable has not caught up")
	}

	notCurrentYet, err := f.IsAggregateStateCurrent(context.Background(), "agg-8")
	if err != nil {
		t.Fatalf("IsAggregateStateCurrent: %v", err)
	}
	if !notCurrentYet {
		t.Fatal("expected true for an aggregate with no outstanding write")
	}

	// A second readiness query for the same still-in-flight aggregate
	// (the first one expired to false above) waits, and resolves true
	// once progress catches up.
	resultCh := make(chan bool, 1)
	go func() {
		c, _ := f.IsAggregateStateCurrent(context.Background(), "agg-7")
		resultCh <- c
	}()
	time.Sleep(20 * time.Millisecond)

	// Simulate the KTable catching up to the committed state offset.
	kt := KTableProgress{Topic: "orders-state", Partition: 3, Current: success.StateAck.Offset, End: success.StateAck.Offset}
	deliverProgress(f, kt)

	select {
	case c := <-resultCh:
		if !c {
			t.Fatal("expected readiness query to resolve true once KTable catches up")
		}
	case <-time.After(time.Second):
		t.Fatal("readiness query never resolved")
	}
}

// deliverProgress reaches into the Facade's machine mailbox the same way
// a ktable.Poller would via ProgressSink.KTableProgressUpdate.
func deliverProgress(f *Facade, p KTableProgress) {
	f.m.KTableProgressUpdate(p)
}

func TestMachine_ReadinessQueryStashedWhileUninitializedJoinsInFlight(t *testing.T) {
	prod := &fakeHandle{}
	prod.queueInit(func(ctx context.Context) error {
		return context.DeadlineExceeded
	})

	f, cancel := startMachine(t, testConfig(), prod)
	defer cancel()

	queryCh := make(chan bool, 1)
	go func() {
		c, _ := f.IsAggregateStateCurrent(context.Background(), "agg-9")
		queryCh <- c
	}()

	// Give the query time to reach the mailbox and stash against the
	// still-uninitialized machine, well before the queued init failure
	// resolves and the retry succeeds.
	time.Sleep(5 * time.Millisecond)

	select {
	case c := <-queryCh:
		t.Fatalf("expected readiness query to stay stashed while uninitialized, got %v", c)
	default:
	}

	success, err := f.Publish(context.Background(), samplePublish("agg-9", "trace-10"))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case c := <-queryCh:
		t.Fatalf("expected readiness query to remain pending until KTable catches up, got %v", c)
	case <-time.After(20 * time.Millisecond):
	}

	kt := KTableProgress{Topic: "orders-state", Partition: 3, Current: success.StateAck.Offset, End: success.StateAck.Offset}
	deliverProgress(f, kt)

	select {
	case c := <-queryCh:
		if !c {
			t.Fatal("expected readiness query to resolve true once KTable catches up")
		}
	case <-time.After(time.Second):
		t.Fatal("readiness query never resolved")
	}
}
