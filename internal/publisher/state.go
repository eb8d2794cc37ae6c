// internal/publisher/state.go
package publisher

import "time"

// healthCounters are the health counters carried by State (spec.md §3).
type healthCounters struct {
	transactionsCommitted uint64
	transactionsAborted   uint64
	recordsAcked          uint64
	recordsFailed         uint64
	recoveries            uint64
	fenced                bool
}

// State is the pure, immutable data structure a Machine threads through
// its transitions. Every mutating operation returns a new State; nothing
// here touches a lock, a channel, or a clock beyond the `now` values
// passed in explicitly. See spec.md §3 and §4.2.
type State struct {
	inFlight map[string]RecordAck
	pending  []pendingWrite
	inits    []pendingInit
	txStart  *time.Time
	health   healthCounters
}

// New returns an empty State. A Machine creates one when Run starts, so
// writes and queries held before initialization live in it too.
func New() State {
	return State{inFlight: map[string]RecordAck{}}
}

func (s State) clone() State {
	inFlight := make(map[string]RecordAck, len(s.inFlight))
	for k, v := range s.inFlight {
		inFlight[k] = v
	}
	pending := make([]pendingWrite, len(s.pending))
	copy(pending, s.pending)
	inits := make([]pendingInit, len(s.inits))
	copy(inits, s.inits)

	var txStart *time.Time
	if s.txStart != nil {
		t := *s.txStart
		txStart = &t
	}

	return State{
		inFlight: inFlight,
		pending:  pending,
		inits:    inits,
		txStart:  txStart,
		health:   s.health,
	}
}

// AddInFlight folds a batch of acks into the in-flight index. For each ack
// carrying an AggregateID, the aggregate's entry is replaced only if the
// new offset is strictly greater than what's already recorded — the
// in-flight index never regresses (spec.md §3, §8 invariant 3).
func (s State) AddInFlight(acks []RecordAck) State {
	next := s.clone()
	for _, ack := range acks {
		if ack.AggregateID == "" {
			continue
		}
		if existing, ok := next.inFlight[ack.AggregateID]; !ok || ack.Offset > existing.Offset {
			next.inFlight[ack.AggregateID] = ack
		}
	}
	return next
}

// InFlightFor returns the current ack for aggregateID, if any.
func (s State) InFlightFor(aggregateID string) (RecordAck, bool) {
	ack, ok := s.inFlight[aggregateID]
	return ack, ok
}

// InFlightCount reports the number of aggregates currently tracked as
// in-flight.
func (s State) InFlightCount() int { return len(s.inFlight) }

// AddPendingWrite appends req to the FIFO of writes awaiting the next
// flush.
func (s State) AddPendingWrite(reply chan<- publishReply, req PublishRequest) State {
	next := s.clone()
	next.pending = append(next.pending, pendingWrite{reply: reply, req: req})
	return next
}

// PendingWriteCount reports the number of writes queued for the next
// flush.
func (s State) PendingWriteCount() int { return len(s.pending) }

// FlushWrites drains the entire pending-write FIFO, returning the drained
// requests in arrival order and a State with an empty FIFO. This is the
// unbounded operation named in spec.md §8's round-trip law; the Machine's
// actual flush step uses FlushUpTo to honor the configured soft cap.
func (s State) FlushWrites() (State, []pendingWrite) {
	return s.FlushUpTo(len(s.pending))
}

// FlushUpTo drains at most max entries from the front of the pending-write
// FIFO, leaving any remainder queued for the next flush tick (the
// "transaction max records" soft cap of spec.md §6).
func (s State) FlushUpTo(max int) (State, []pendingWrite) {
	if max <= 0 || len(s.pending) == 0 {
		return s.clone(), nil
	}
	if max > len(s.pending) {
		max = len(s.pending)
	}
	drained := make([]pendingWrite, max)
	copy(drained, s.pending[:max])

	next := s.clone()
	next.pending = append([]pendingWrite{}, s.pending[max:]...)
	return next, drained
}

// AddPendingInit registers a readiness query. Duplicates by aggregateID
// are permitted; each sender gets its own reply.
func (s State) AddPendingInit(reply chan<- bool, aggregateID string, expiresAt time.Time) State {
	next := s.clone()
	next.inits = append(next.inits, pendingInit{reply: reply, aggregateID: aggregateID, expiresAt: expiresAt})
	return next
}

// AddHeldQuery registers a readiness query that arrived while the machine
// had not yet completed initialization (spec.md §4.3 state 1: "All
// incoming Publish and IsAggregateStateCurrent messages are stashed").
// Unlike AddPendingInit, a held query is skipped by ProcessedUpTo's
// immediate "not in-flight" shortcut — nothing has been flushed yet, so an
// empty in-flight index proves nothing — until ActivateHeld releases it.
func (s State) AddHeldQuery(reply chan<- bool, aggregateID string, expiresAt time.Time) State {
	next := s.clone()
	next.inits = append(next.inits, pendingInit{reply: reply, aggregateID: aggregateID, expiresAt: expiresAt, held: true})
	return next
}

// ActivateHeld releases every held query once the machine reaches Ready,
// making each one eligible for ordinary ProcessedUpTo/ExpireInits
// resolution on the next progress update or flush tick.
func (s State) ActivateHeld() State {
	next := s.clone()
	for i := range next.inits {
		next.inits[i].held = false
	}
	return next
}

// PendingInitCount reports the number of readiness queries still awaiting
// resolution.
func (s State) PendingInitCount() int { return len(s.inits) }

// initDecision pairs a pendingInit's reply channel with the boolean answer
// ProcessedUpTo computed for it.
type initDecision struct {
	reply   chan<- bool
	decision bool
}

// ProcessedUpTo folds one KTable progress snapshot into the in-flight
// index and readiness queries, per spec.md §4.2. now is sampled once at
// call entry so every expiration check in this call is consistent.
//
//   - A held query (still stashed, machine not yet Ready) always remains
//     pending, regardless of the in-flight index.
//   - If a pendingInit's aggregate is not in-flight, decision is true.
//   - Else if the in-flight ack's offset <= progress.Current, decision is
//     true and the in-flight entry for that aggregate is removed.
//   - Else if now >= expiration, decision is false.
//   - Otherwise the init remains pending for a later call.
func (s State) ProcessedUpTo(progress KTableProgress, now time.Time) (State, []initDecision) {
	next := s.clone()

	var decisions []initDecision
	var remaining []pendingInit

	for _, p := range next.inits {
		if p.held {
			remaining = append(remaining, p)
			continue
		}
		ack, inFlight := next.inFlight[p.aggregateID]
		switch {
		case !inFlight:
			decisions = append(decisions, initDecision{reply: p.reply, decision: true})
		case ack.Offset <= progress.Current:
			delete(next.inFlight, p.aggregateID)
			decisions = append(decisions, initDecision{reply: p.reply, decision: true})
		case !now.Before(p.expiresAt):
			decisions = append(decisions, initDecision{reply: p.reply, decision: false})
		default:
			remaining = append(remaining, p)
		}
	}

	next.inits = remaining
	return next, decisions
}

// ExpireInits resolves readiness queries whose deadline has passed to
// false, without consulting the in-flight index. Called on every flush
// tick so a query is never left unanswered simply because no further
// KTable progress ever arrives for its aggregate.
func (s State) ExpireInits(now time.Time) (State, []initDecision) {
	next := s.clone()

	var decisions []initDecision
	var remaining []pendingInit
	for _, p := range next.inits {
		if !now.Before(p.expiresAt) {
			decisions = append(decisions, initDecision{reply: p.reply, decision: false})
			continue
		}
		remaining = append(remaining, p)
	}
	next.inits = remaining
	return next, decisions
}

// BeginTransaction records the transaction-start instant. Exactly one of
// {no transaction, transaction in progress} holds at any time (spec.md
// §3): callers must not call BeginTransaction twice without an
// intervening ClearTransaction.
func (s State) BeginTransaction(now time.Time) State {
	next := s.clone()
	t := now
	next.txStart = &t
	return next
}

// ClearTransaction clears the transaction-start instant.
func (s State) ClearTransaction() State {
	next := s.clone()
	next.txStart = nil
	return next
}

// TransactionInProgress reports whether a transaction is currently open.
func (s State) TransactionInProgress() bool { return s.txStart != nil }

// TransactionElapsedMs returns now - start-instant if a transaction is
// open, else 0.
func (s State) TransactionElapsedMs(now time.Time) int64 {
	if s.txStart == nil {
		return 0
	}
	return now.Sub(*s.txStart).Milliseconds()
}

// IncrCommitted, IncrAborted, IncrAcked, IncrFailed, IncrRecovery and
// SetFenced update the pure health counters. Each returns a new State.
func (s State) IncrCommitted() State {
	next := s.clone()
	next.health.transactionsCommitted++
	return next
}

func (s State) IncrAborted() State {
	next := s.clone()
	next.health.transactionsAborted++
	return next
}

func (s State) IncrAcked(n int) State {
	next := s.clone()
	next.health.recordsAcked += uint64(n)
	return next
}

func (s State) IncrFailed(n int) State {
	next := s.clone()
	next.health.recordsFailed += uint64(n)
	return next
}

func (s State) IncrRecovery() State {
	next := s.clone()
	next.health.recoveries++
	return next
}

func (s State) SetFenced() State {
	next := s.clone()
	next.health.fenced = true
	return next
}

// Health returns the health counters as HealthStatus fields, excluding
// the caller-facing Up/State labels which the Machine fills in.
func (s State) Health() (committed, aborted, acked, failed, recoveries uint64, fenced bool) {
	return s.health.transactionsCommitted, s.health.transactionsAborted,
		s.health.recordsAcked, s.health.recordsFailed, s.health.recoveries, s.health.fenced
}
