// Package metrics provides hooks for collecting apply-session measurements
// and adapters for OpenTelemetry and Prometheus.
package metrics

import "time"

// Session outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

// Collector receives measurements from the apply engine. Implementations
// must be safe for concurrent use.
type Collector interface {
	// RecordSession records how long a session took and how it ended.
	RecordSession(outcome string, duration time.Duration)

	// RecordRows records the rows of one committed session.
	RecordRows(applied, replaced, skipped int)

	// RecordConflict records one resolved conflict.
	RecordConflict(table, cause, resolution string)

	// RecordError records a failed session by error code.
	RecordError(code string)
}

// NoOp is a Collector that does nothing.
type NoOp struct{}

func (NoOp) RecordSession(outcome string, duration time.Duration) {}
func (NoOp) RecordRows(applied, replaced, skipped int)            {}
func (NoOp) RecordConflict(table, cause, resolution string)       {}
func (NoOp) RecordError(code string)                              {}
