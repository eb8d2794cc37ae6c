// common/service.go
package common

import (
	"sync"

	"github.com/lattice-cqrs/partition-publisher/common/backoff"
)

// ServiceNameKey is the label key every subsystem's Prometheus metrics share.
const ServiceNameKey = "service"

var (
	settersMu sync.Mutex
	setters   []func(string)
)

// RegisterServiceLabelSetter lets a package register itself to receive the
// process-wide service name once InitServiceName runs. Packages call this
// from an init() func so registration order doesn't matter.
func RegisterServiceLabelSetter(fn func(string)) {
	settersMu.Lock()
	defer settersMu.Unlock()
	setters = append(setters, fn)
}

// InitServiceName propagates the service name to backoff and every package
// that registered itself via RegisterServiceLabelSetter. Call once from
// main(), before any logging or metric emission.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)

	settersMu.Lock()
	defer settersMu.Unlock()
	for _, fn := range setters {
		fn(name)
	}
}
