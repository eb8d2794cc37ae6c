// internal/publisher/machine.go
package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lattice-cqrs/partition-publisher/common/backoff"
	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/internal/producer"
)

// machineState names the five states of spec.md §4.3.
type machineState int

const (
	stateUninitialized machineState = iota
	stateReady
	statePublishing
	stateRecovering
	stateFenced
)

func (s machineState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case statePublishing:
		return "publishing"
	case stateRecovering:
		return "recovering"
	case stateFenced:
		return "fenced"
	default:
		return "unknown"
	}
}

// Mailbox message types. Unexported: constructed only by the Facade and
// by KTableProgressUpdate. The flush ticker and the init goroutine feed
// Run through their own channels, not the mailbox.
type cmdPublish struct {
	req   PublishRequest
	reply chan<- publishReply
}

type cmdIsCurrent struct {
	aggregateID string
	reply       chan<- bool
}

type cmdKTableProgress struct {
	progress KTableProgress
}

type cmdHealthCheck struct {
	reply chan<- HealthStatus
}

type cmdTerminate struct {
	done chan<- struct{}
}

// Machine is the single-threaded actor described in spec.md §4. All
// mutation of its internal State happens on the goroutine that runs
// Run; every other method only ever sends on channels.
type Machine struct {
	cfg  Config
	prod producer.Handle
	log  *logger.Logger

	mailbox chan interface{}
}

// NewMachine builds a Machine bound to prod. Call Run to start the actor
// goroutine; nothing happens until Run is running.
func NewMachine(cfg Config, prod producer.Handle, log *logger.Logger) (*Machine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:     cfg,
		prod:    prod,
		log:     log.Named("publisher-machine"),
		mailbox: make(chan interface{}, cfg.MailboxSize),
	}, nil
}

// KTableProgressUpdate implements ktable.ProgressSink.
func (m *Machine) KTableProgressUpdate(p KTableProgress) {
	select {
	case m.mailbox <- cmdKTableProgress{progress: p}:
	default:
		m.log.Warn("mailbox full, dropping ktable progress update",
			zap.String("topic", p.Topic), zap.Int32("partition", p.Partition))
	}
}

// Run executes the actor loop until ctx is cancelled, and returns only
// then. Fencing or Terminate does not end the loop: the machine stays in
// the fenced state, answering publishes with a ClosedError, readiness
// queries with false and health checks with a DOWN status. It is meant to
// be launched under an errgroup or common/safe.Group alongside the rest
// of the service.
func (m *Machine) Run(ctx context.Context) error {
	st := New()
	mstate := stateUninitialized

	flushTicker := time.NewTicker(m.cfg.FlushInterval)
	defer flushTicker.Stop()

	initResult := m.startInit(ctx)

	for {
		select {
		case <-ctx.Done():
			m.drainAll(st, errors.New("publisher: shutting down"))
			return ctx.Err()

		case err := <-initResult:
			st, mstate, initResult = m.handleInitResult(ctx, st, err)

		case <-flushTicker.C:
			now := time.Now()
			var expired []initDecision
			st, expired = st.ExpireInits(now)
			m.applyInitDecisions(expired)

			if mstate == stateReady && st.PendingWriteCount() > 0 {
				st, mstate, initResult = m.flush(ctx, st, now)
			}

		case raw := <-m.mailbox:
			st, mstate = m.handleMailbox(ctx, st, mstate, raw)
		}

		m.reportMetrics(st, mstate)
	}
}

// startInit runs InitTransactions under the configured backoff policy in
// its own goroutine so the actor loop keeps servicing its mailbox (queuing
// publish requests, answering health checks) while a connect retries.
func (m *Machine) startInit(ctx context.Context) <-chan error {
	result := make(chan error, 1)
	go func() {
		op := func(opCtx context.Context) error {
			err := m.prod.InitTransactions(opCtx)
			var fenced *producer.FencedError
			if errors.As(err, &fenced) {
				return backoff.Permanent(err)
			}
			return err
		}
		result <- backoff.Execute(ctx, m.cfg.InitBackoff, m.log, op)
	}()
	return result
}

func (m *Machine) handleInitResult(ctx context.Context, st State, err error) (State, machineState, <-chan error) {
	if err == nil {
		m.log.Info("publisher initialized, ready to accept writes")
		return st.ActivateHeld(), stateReady, nil
	}
	if ctx.Err() != nil {
		return st, stateUninitialized, nil
	}

	var fenced *producer.FencedError
	if errors.As(err, &fenced) {
		m.log.Error("fenced during initialization, giving up", zap.Error(err))
		st = st.SetFenced()
		m.drainAll(st, err)
		_ = m.prod.Close()
		return st, stateFenced, nil
	}

	m.log.Error("initialization retries exhausted, restarting", zap.Error(err))
	return st, stateUninitialized, m.startInit(ctx)
}

func (m *Machine) handleMailbox(ctx context.Context, st State, mstate machineState, raw interface{}) (State, machineState) {
	switch cmd := raw.(type) {
	case cmdPublish:
		return m.handlePublish(st, mstate, cmd)
	case cmdIsCurrent:
		return m.handleIsCurrent(st, mstate, cmd)
	case cmdKTableProgress:
		return m.handleProgress(st, mstate, cmd)
	case cmdHealthCheck:
		cmd.reply <- m.health(st, mstate)
		return st, mstate
	case cmdTerminate:
		m.drainAll(st, &ClosedError{})
		_ = m.prod.Close()
		close(cmd.done)
		return st, stateFenced
	default:
		return st, mstate
	}
}

func (m *Machine) handlePublish(st State, mstate machineState, cmd cmdPublish) (State, machineState) {
	if mstate == stateFenced {
		cmd.reply <- publishReply{failure: &PublishFailure{TraceCtx: cmd.req.TraceCtx, Err: &ClosedError{}}}
		return st, mstate
	}
	return st.AddPendingWrite(cmd.reply, cmd.req), mstate
}

func (m *Machine) handleIsCurrent(st State, mstate machineState, cmd cmdIsCurrent) (State, machineState) {
	if mstate == stateFenced {
		cmd.reply <- false
		return st, mstate
	}
	// Uninitialized and Recovering both mean "no transactional identity
	// right now" (spec.md §4.3: Recovering rebuilds the producer and
	// returns to Uninitialized) — the in-flight index cannot be trusted
	// to answer a query until init completes and any concurrently
	// stashed publish for the same aggregate has had a chance to flush.
	if mstate == stateUninitialized || mstate == stateRecovering {
		return st.AddHeldQuery(cmd.reply, cmd.aggregateID, time.Now().Add(m.cfg.ReadinessTimeout)), mstate
	}
	if _, inFlight := st.InFlightFor(cmd.aggregateID); !inFlight {
		cmd.reply <- true
		return st, mstate
	}
	return st.AddPendingInit(cmd.reply, cmd.aggregateID, time.Now().Add(m.cfg.ReadinessTimeout)), mstate
}

// handleProgress folds one KTable snapshot into the in-flight index and
// resolves any readiness queries it settles. mstate never changes in
// response to a progress update (spec.md §4.5) — it passes through
// unmodified.
func (m *Machine) handleProgress(st State, mstate machineState, cmd cmdKTableProgress) (State, machineState) {
	next, decisions := st.ProcessedUpTo(cmd.progress, time.Now())
	m.applyInitDecisions(decisions)
	return next, mstate
}

func (m *Machine) applyInitDecisions(decisions []initDecision) {
	for _, d := range decisions {
		if !d.decision {
			metrics.ReadinessTimeouts.WithLabelValues(serviceLabel).Inc()
		}
		d.reply <- d.decision
	}
}

// flush drains up to MaxRecordsPerTransaction pending writes into one
// transaction (spec.md §4.4). On any failure the whole batch is failed
// and the transaction aborted; per-record partial success is not exposed
// to callers (SPEC_FULL.md open question resolution). A record-ack
// failure (*producer.BatchFailedError from PutRecords) returns straight
// to Ready via failBatch; a begin/commit fault goes through
// failTransaction, which enters Recovering or Fenced.
func (m *Machine) flush(ctx context.Context, st State, now time.Time) (State, machineState, <-chan error) {
	next, drained := st.FlushUpTo(m.cfg.MaxRecordsPerTransaction)
	if len(drained) == 0 {
		return next, stateReady, nil
	}

	next = next.BeginTransaction(now)
	records, owner := m.buildRecords(drained)

	// Reported directly (rather than via the loop's post-select call)
	// so a concurrent metrics scrape sees "publishing" for the duration
	// of this blocking round trip.
	m.reportMetrics(next, statePublishing)

	if err := m.prod.Begin(); err != nil {
		return m.failTransaction(ctx, next, drained, err)
	}

	results, err := m.prod.PutRecords(ctx, records)
	if err != nil {
		_ = m.prod.Abort()
		var batchErr *producer.BatchFailedError
		if errors.As(err, &batchErr) {
			return m.failBatch(next, drained, batchErr), stateReady, nil
		}
		return m.failTransaction(ctx, next, drained, err)
	}

	if err := m.prod.Commit(); err != nil {
		_ = m.prod.Abort()
		return m.failTransaction(ctx, next, drained, err)
	}

	return m.succeedTransaction(next, drained, owner, results)
}

// recordOwner pairs a flat record index with the drained write it came
// from and whether it is that write's state record (vs. one of its
// events).
type recordOwner struct {
	writeIndex int
	isState    bool
}

func (m *Machine) buildRecords(drained []pendingWrite) ([]producer.Record, []recordOwner) {
	records := make([]producer.Record, 0, len(drained))
	owner := make([]recordOwner, 0, len(drained))

	for wi, w := range drained {
		records = append(records, toRecord(m.cfg.StateTopic, m.cfg.Partition, w.req.AggregateID, w.req.State))
		owner = append(owner, recordOwner{writeIndex: wi, isState: true})

		for _, e := range w.req.Events {
			records = append(records, toRecord(m.cfg.EventsTopic, producer.UnsetPartition, "", e))
			owner = append(owner, recordOwner{writeIndex: wi, isState: false})
		}
	}
	return records, owner
}

func toRecord(topic string, partition int32, aggregateID string, msg MessageToPublish) producer.Record {
	headers := make([]producer.Header, len(msg.Headers))
	for i, h := range msg.Headers {
		headers[i] = producer.Header{Key: h.Key, Value: h.Value}
	}
	return producer.Record{
		Topic:       topic,
		Partition:   partition,
		Key:         msg.Key,
		Value:       msg.Value,
		Headers:     headers,
		AggregateID: aggregateID,
	}
}

// failTransaction replies PublishFailure to every write in the batch and
// moves the machine to Fenced or Recovering depending on the error.
func (m *Machine) failTransaction(ctx context.Context, st State, drained []pendingWrite, cause error) (State, machineState, <-chan error) {
	next := st.ClearTransaction()

	var fenced *producer.FencedError
	if errors.As(cause, &fenced) {
		m.log.Error("fenced during transaction, stopping", zap.Error(cause))
		next = next.SetFenced()
		m.replyFailures(drained, cause)
		_ = m.prod.Close()
		return next, stateFenced, nil
	}

	m.log.Warn("transaction failed, recovering", zap.Error(cause))
	next = next.IncrAborted().IncrRecovery()
	m.replyFailures(drained, cause)
	// spec.md §4.3: Recovering closes and rebuilds the producer before
	// returning to Uninitialized — without this the old client/producer
	// (and its connections) leaks on every recovery.
	_ = m.prod.Close()
	return next, stateRecovering, m.startInit(ctx)
}

// failBatch handles a record-ack failure (spec.md §4.4 step 5): unlike a
// begin/commit fault, the transactional identity itself is still good, so
// the batch is cleared and the machine returns straight to Ready — no
// producer rebuild, no Recovering detour (spec.md §7: "subsequent requests
// proceed normally"). The caller has already aborted the transaction.
func (m *Machine) failBatch(st State, drained []pendingWrite, cause *producer.BatchFailedError) State {
	next := st.ClearTransaction().IncrAborted().IncrFailed(cause.FailedCount)
	m.log.Warn("record ack failed, aborting batch", zap.Error(cause))
	m.replyFailures(drained, cause)
	return next
}

func (m *Machine) succeedTransaction(st State, drained []pendingWrite, owner []recordOwner, results []producer.RecordResult) (State, machineState, <-chan error) {
	next := st.ClearTransaction().IncrCommitted().IncrAcked(len(results))

	perWrite := make([]PublishSuccess, len(drained))
	for i, w := range drained {
		perWrite[i] = PublishSuccess{TraceCtx: w.req.TraceCtx}
	}

	acks := make([]RecordAck, 0, len(results))
	for i, res := range results {
		ack := RecordAck{
			AggregateID: res.Ack.AggregateID,
			Topic:       res.Ack.Topic,
			Partition:   res.Ack.Partition,
			Offset:      res.Ack.Offset,
		}
		acks = append(acks, ack)

		wi := owner[i].writeIndex
		if owner[i].isState {
			perWrite[wi].StateAck = ack
		} else {
			perWrite[wi].EventAcks = append(perWrite[wi].EventAcks, ack)
		}
	}

	next = next.AddInFlight(acks)

	for i, w := range drained {
		w.reply <- publishReply{success: &perWrite[i]}
	}

	return next, stateReady, nil
}

func (m *Machine) replyFailures(drained []pendingWrite, cause error) {
	for _, w := range drained {
		w.reply <- publishReply{failure: &PublishFailure{TraceCtx: w.req.TraceCtx, Err: cause}}
	}
}

// drainAll fails every pending write and readiness query still queued in
// st, used on shutdown, fencing, and explicit termination.
func (m *Machine) drainAll(st State, cause error) {
	_, drainedWrites := st.FlushWrites()
	m.replyFailures(drainedWrites, cause)

	_, decisions := st.ExpireInits(farFuture())
	for _, d := range decisions {
		d.reply <- false
	}
}

func farFuture() time.Time { return time.Now().Add(365 * 24 * time.Hour) }

func (m *Machine) health(st State, mstate machineState) HealthStatus {
	committed, aborted, acked, failed, recoveries, fenced := st.Health()
	return HealthStatus{
		Up:                    mstate != stateFenced,
		State:                 mstate.String(),
		TransactionsCommitted: committed,
		TransactionsAborted:   aborted,
		RecordsAcked:          acked,
		RecordsFailed:         failed,
		Recoveries:            recoveries,
		Fenced:                fenced,
		InFlightCount:         st.InFlightCount(),
		PendingWriteCount:     st.PendingWriteCount(),
		PendingInitCount:      st.PendingInitCount(),
	}
}

func (m *Machine) reportMetrics(st State, mstate machineState) {
	for _, s := range []machineState{stateUninitialized, stateReady, statePublishing, stateRecovering, stateFenced} {
		v := 0.0
		if s == mstate {
			v = 1.0
		}
		metrics.StateGauge.WithLabelValues(serviceLabel, s.String()).Set(v)
	}
	metrics.InFlightGauge.WithLabelValues(serviceLabel).Set(float64(st.InFlightCount()))
	metrics.PendingWriteGauge.WithLabelValues(serviceLabel).Set(float64(st.PendingWriteCount()))
	metrics.PendingInitGauge.WithLabelValues(serviceLabel).Set(float64(st.PendingInitCount()))
}
