// internal/publisher/config.go
package publisher

import (
	"fmt"
	"time"

	"github.com/lattice-cqrs/partition-publisher/common/backoff"
)

// Config groups the tunables named in spec.md §6.
type Config struct {
	// EventsTopic and StateTopic are the physical topics event and
	// state records are written to.
	EventsTopic string
	StateTopic  string

	// Partition is the state-topic partition this machine owns. Event
	// records are left to the broker's default partitioner; state
	// records are pinned here.
	Partition int32

	// FlushInterval is the tick period between transaction attempts
	// when at least one write is pending.
	FlushInterval time.Duration

	// MaxRecordsPerTransaction caps how many queued writes a single
	// flush drains; the remainder waits for the next tick (spec.md §6
	// "transaction max records" soft cap).
	MaxRecordsPerTransaction int

	// AskTimeout bounds how long the Facade waits for a reply before
	// returning a TimeoutError to its caller.
	AskTimeout time.Duration

	// ReadinessTimeout bounds how long an is_aggregate_state_current
	// query waits for the KTable to catch up before answering false.
	ReadinessTimeout time.Duration

	// MailboxSize is the actor's inbound channel buffer.
	MailboxSize int

	// InitBackoff governs the Uninitialized state's retry loop against
	// InitTransactions.
	InitBackoff backoff.Config
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.MaxRecordsPerTransaction <= 0 {
		c.MaxRecordsPerTransaction = 500
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = 5 * time.Second
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 10 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
}

func (c Config) validate() error {
	if c.EventsTopic == "" {
		return fmt.Errorf("publisher: EventsTopic required")
	}
	if c.StateTopic == "" {
		return fmt.Errorf("publisher: StateTopic required")
	}
	return nil
}
