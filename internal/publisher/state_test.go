// internal/publisher/state_test.go
package publisher

import (
	"testing"
	"time"
)

func TestState_AddInFlightThenProcessedUpToRoundTrip(t *testing.T) {
	s := New()
	ack := RecordAck{AggregateID: "agg-1", Topic: "orders-state", Partition: 0, Offset: 5}
	s = s.AddInFlight([]RecordAck{ack})

	if s.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight entry, got %d", s.InFlightCount())
	}

	reply := make(chan bool, 1)
	s = s.AddPendingInit(reply, "agg-1", time.Now().Add(time.Minute))

	next, decisions := s.ProcessedUpTo(KTableProgress{Topic: "orders-state", Partition: 0, Current: 5, End: 5}, time.Now())
	if len(decisions) != 1 || !decisions[0].decision {
		t.Fatalf("expected a single true decision, got %+v", decisions)
	}
	if next.InFlightCount() != 0 {
		t.Fatalf("expected in-flight index to clear once caught up, got %d", next.InFlightCount())
	}
	if next.PendingInitCount() != 0 {
		t.Fatalf("expected no pending inits left, got %d", next.PendingInitCount())
	}
}

func TestState_AddInFlightNeverRegresses(t *testing.T) {
	s := New()
	s = s.AddInFlight([]RecordAck{{AggregateID: "agg-1", Offset: 10}})
	s = s.AddInFlight([]RecordAck{{AggregateID: "agg-1", Offset: 3}})

	ack, ok := s.InFlightFor("agg-1")
	if !ok {
		t.Fatal("expected agg-1 to remain tracked")
	}
	if ack.Offset != 10 {
		t.Fatalf("expected offset to stay at 10, regressed to %d", ack.Offset)
	}
}

func TestState_AddInFlightIgnoresBlankAggregateID(t *testing.T) {
	s := New()
	s = s.AddInFlight([]RecordAck{{AggregateID: "", Offset: 1}})
	if s.InFlightCount() != 0 {
		t.Fatalf("expected event-topic acks to be ignored, got %d entries", s.InFlightCount())
	}
}

func TestState_AddPendingWriteThenFlushWritesRoundTrip(t *testing.T) {
	s := New()
	reply := make(chan publishReply, 1)
	req := PublishRequest{AggregateID: "agg-1", TraceCtx: "t1"}
	s = s.AddPendingWrite(reply, req)

	if s.PendingWriteCount() != 1 {
		t.Fatalf("expected 1 pending write, got %d", s.PendingWriteCount())
	}

	next, drained := s.FlushWrites()
	if len(drained) != 1 || drained[0].req.AggregateID != "agg-1" {
		t.Fatalf("unexpected drained writes: %+v", drained)
	}
	if next.PendingWriteCount() != 0 {
		t.Fatalf("expected empty queue after flush, got %d", next.PendingWriteCount())
	}
}

func TestState_FlushUpToHonorsSoftCap(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s = s.AddPendingWrite(make(chan publishReply, 1), PublishRequest{AggregateID: "agg"})
	}

	next, drained := s.FlushUpTo(2)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(drained))
	}
	if next.PendingWriteCount() != 3 {
		t.Fatalf("expected 3 remaining, got %d", next.PendingWriteCount())
	}
}

func TestState_ExpireInitsResolvesOnlyPastDeadline(t *testing.T) {
	s := New()
	now := time.Now()
	expiredReply := make(chan bool, 1)
	freshReply := make(chan bool, 1)
	s = s.AddPendingInit(expiredReply, "agg-1", now.Add(-time.Second))
	s = s.AddPendingInit(freshReply, "agg-2", now.Add(time.Minute))

	next, decisions := s.ExpireInits(now)
	if len(decisions) != 1 || decisions[0].decision {
		t.Fatalf("expected exactly one false decision, got %+v", decisions)
	}
	if next.PendingInitCount() != 1 {
		t.Fatalf("expected the fresh init to remain queued, got %d", next.PendingInitCount())
	}
}

func TestState_TransactionLifecycle(t *testing.T) {
	s := New()
	if s.TransactionInProgress() {
		t.Fatal("expected no transaction in progress initially")
	}

	start := time.Now()
	s = s.BeginTransaction(start)
	if !s.TransactionInProgress() {
		t.Fatal("expected transaction in progress after BeginTransaction")
	}

	later := start.Add(250 * time.Millisecond)
	if elapsed := s.TransactionElapsedMs(later); elapsed < 200 || elapsed > 300 {
		t.Fatalf("expected ~250ms elapsed, got %dms", elapsed)
	}

	s = s.ClearTransaction()
	if s.TransactionInProgress() {
		t.Fatal("expected no transaction in progress after ClearTransaction")
	}
	if s.TransactionElapsedMs(later) != 0 {
		t.Fatal("expected 0 elapsed once cleared")
	}
}

func TestState_HealthCountersAccumulate(t *testing.T) {
	s := New().IncrCommitted().IncrCommitted().IncrAborted().IncrAcked(3).IncrFailed(1).IncrRecovery().SetFenced()

	committed, aborted, acked, failed, recoveries, fenced := s.Health()
	if committed != 2 || aborted != 1 || acked != 3 || failed != 1 || recoveries != 1 || !fenced {
		t.Fatalf("unexpected health snapshot: committed=%d aborted=%d acked=%d failed=%d recoveries=%d fenced=%v",
			committed, aborted, acked, failed, recoveries, fenced)
	}
}

func TestState_IsImmutable(t *testing.T) {
	s := New()
	s2 := s.AddInFlight([]RecordAck{{AggregateID: "agg-1", Offset: 1}})

	if s.InFlightCount() != 0 {
		t.Fatal("expected original State to be untouched by AddInFlight")
	}
	if s2.InFlightCount() != 1 {
		t.Fatal("expected the returned State to carry the new entry")
	}
}
