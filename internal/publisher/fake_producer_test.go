// internal/publisher/fake_producer_test.go
package publisher

import (
	"context"
	"sync"

	"github.com/lattice-cqrs/partition-publisher/internal/producer"
)

// fakeHandle is a hand-rolled stand-in for producer.Handle. Each method's
// behavior is scripted by queuing a function on the corresponding field;
// an empty queue falls back to a default success.
type fakeHandle struct {
	mu sync.Mutex

	initQueue   []func(context.Context) error
	beginQueue  []func() error
	putQueue    []func([]producer.Record) ([]producer.RecordResult, error)
	commitQueue []func() error
	abortCalls  int
	closeCalls  int

	initCalls int
}

func (f *fakeHandle) queueInit(fn func(context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initQueue = append(f.initQueue, fn)
}

func (f *fakeHandle) queueBegin(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginQueue = append(f.beginQueue, fn)
}

func (f *fakeHandle) queuePut(fn func([]producer.Record) ([]producer.RecordResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putQueue = append(f.putQueue, fn)
}

func (f *fakeHandle) queueCommit(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitQueue = append(f.commitQueue, fn)
}

func (f *fakeHandle) InitTransactions(ctx context.Context) error {
	f.mu.Lock()
	f.initCalls++
	var fn func(context.Context) error
	if len(f.initQueue) > 0 {
		fn, f.initQueue = f.initQueue[0], f.initQueue[1:]
	}
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeHandle) Begin() error {
	f.mu.Lock()
	var fn func() error
	if len(f.beginQueue) > 0 {
		fn, f.beginQueue = f.beginQueue[0], f.beginQueue[1:]
	}
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (f *fakeHandle) PutRecords(ctx context.Context, records []producer.Record) ([]producer.RecordResult, error) {
	f.mu.Lock()
	var fn func([]producer.Record) ([]producer.RecordResult, error)
	if len(f.putQueue) > 0 {
		fn, f.putQueue = f.putQueue[0], f.putQueue[1:]
	}
	f.mu.Unlock()
	if fn != nil {
		return fn(records)
	}
	results := make([]producer.RecordResult, len(records))
	for i, r := range records {
		results[i] = producer.RecordResult{Ack: producer.RecordAck{AggregateID: r.AggregateID, Topic: r.Topic, Partition: 0, Offset: int64(i)}}
	}
	return results, nil
}

func (f *fakeHandle) Commit() error {
	f.mu.Lock()
	var fn func() error
	if len(f.commitQueue) > 0 {
		fn, f.commitQueue = f.commitQueue[0], f.commitQueue[1:]
	}
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (f *fakeHandle) Abort() error {
	f.mu.Lock()
	f.abortCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}
