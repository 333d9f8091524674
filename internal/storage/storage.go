// Package storage defines the narrow contract between the core and an
// external time-series writer. The core never speaks a storage wire
// protocol itself and never retries a write; availability is the
// writer's concern.
package storage

import (
	"context"
	"time"

	"github.com/battery-hawk/corewatch/internal/model"
)

// Result reports what a Sink did with one write.
type Result int

const (
	// ResultOK means the write was accepted and is durable from the
	// sink's point of view.
	ResultOK Result = iota
	// ResultDeferred means the sink buffered the write for later
	// delivery (e.g. its backend is momentarily unreachable) but did
	// not reject it.
	ResultDeferred
	// ResultDropped means the sink discarded the write outright.
	ResultDropped
)

// String renders a Result for logging.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultDeferred:
		return "deferred"
	case ResultDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Sink is the only thing the core expects from a storage backend. A
// Sink implementation owns its own connection management, batching, and
// retry policy entirely outside the core's view.
type Sink interface {
	Write(ctx context.Context, address string, vehicleID *string, protocolTag string, reading model.Reading, timestamp time.Time) (Result, error)
}

// NoopSink drops every write. It's the default when storage.enabled is
// false in configuration.
type NoopSink struct{}

// Write always returns ResultDropped with no error.
func (NoopSink) Write(context.Context, string, *string, string, model.Reading, time.Time) (Result, error) {
	return ResultDropped, nil
}
