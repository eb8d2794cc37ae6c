// internal/producer/errors.go
package producer

import "fmt"

// IllegalStateError wraps a transient producer-side fault: a transport
// hiccup, or an IllegalState response from begin/commit/abort. It is
// non-fatal — the state machine recovers by aborting (best effort) and
// re-initializing (spec.md §7).
type IllegalStateError struct {
	Op  string
	Err error
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("producer: illegal state during %s: %v", e.Op, e.Err)
}

func (e *IllegalStateError) Unwrap() error { return e.Err }

// AuthorizationError wraps an authorization failure from
// InitTransactions. Retryable like any other init failure.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("producer: authorization failed: %v", e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// FencedError signals that this producer's transactional identity has
// been claimed by a newer instance. It is terminal: the state machine
// closes the producer and stops (spec.md §4.3 Fenced state).
type FencedError struct {
	Op  string
	Err error
}

func (e *FencedError) Error() string {
	return fmt.Sprintf("producer: fenced during %s: %v", e.Op, e.Err)
}

func (e *FencedError) Unwrap() error { return e.Err }

// BatchFailedError wraps the error of the first failed record, in input
// order, of a PutRecords batch. Per spec.md's open question on partial failure, the
// whole batch is treated as failed and the transaction is aborted; the
// batch is never selectively committed.
type BatchFailedError struct {
	FailedCount int
	FirstErr    error
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("producer: %d record(s) failed, first cause: %v", e.FailedCount, e.FirstErr)
}

func (e *BatchFailedError) Unwrap() error { return e.FirstErr }
