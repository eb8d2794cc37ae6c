// internal/publisher/errors.go
package publisher

import "fmt"

// TimeoutError is returned by the Facade when a request's reply does not
// arrive within the configured ask timeout. Distinct from any
// producer-level error: it says nothing about whether the underlying
// write eventually succeeded.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("publisher: %s timed out waiting for a reply", e.Op)
}

// ClosedError is returned by the Facade when the machine has already
// terminated (spec.md §4.3 Fenced state, or explicit shutdown).
type ClosedError struct{}

func (e *ClosedError) Error() string { return "publisher: machine is closed" }
