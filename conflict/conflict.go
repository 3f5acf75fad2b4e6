// Package conflict describes row conflicts raised while applying a changeset:
// why a row could not be applied cleanly, what values each side holds and what
// was decided about it.
package conflict

import (
	"strconv"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
)

// Cause is the reason an incoming row could not be applied cleanly.
type Cause uint8

const (
	// CauseConflict is a duplicate primary key on Insert.
	CauseConflict Cause = iota + 1
	// CauseData is an Update or Delete whose old image no longer matches the local row.
	CauseData
	// CauseNotFound is an Update or Delete whose target row is gone.
	CauseNotFound
	// CauseConstraint is a unique, foreign key, check or not-null violation.
	CauseConstraint
)

func (c Cause) String() string {
	switch c {
	case CauseConflict:
		return "Conflict"
	case CauseData:
		return "Data"
	case CauseNotFound:
		return "NotFound"
	case CauseConstraint:
		return "Constraint"
	default:
		return "Cause(" + strconv.Itoa(int(c)) + ")"
	}
}

// Valid reports whether c is one of the four known causes.
func (c Cause) Valid() bool {
	return c >= CauseConflict && c <= CauseConstraint
}

// Resolution is the decision taken for one conflicting row. The zero value
// means no decision was made.
type Resolution uint8

const (
	Undecided Resolution = iota
	// Abort rolls back the whole changeset.
	Abort
	// Replace accepts the incoming row.
	Replace
	// Skip keeps the local row and drops the incoming one.
	Skip
)

func (r Resolution) String() string {
	switch r {
	case Undecided:
		return "Undecided"
	case Abort:
		return "Abort"
	case Replace:
		return "Replace"
	case Skip:
		return "Skip"
	default:
		return "Resolution(" + strconv.Itoa(int(r)) + ")"
	}
}

// ParseResolution maps a lower- or title-case name to a Resolution.
func ParseResolution(s string) (Resolution, bool) {
	switch s {
	case "abort", "Abort":
		return Abort, true
	case "replace", "Replace":
		return Replace, true
	case "skip", "Skip":
		return Skip, true
	}
	return Undecided, false
}

// Decision is what a handler returns. A Decision with an Undecided
// resolution declines the conflict and passes it on.
type Decision struct {
	Resolution Resolution
	// Values replaces incoming column values when the resolution is Replace.
	// Keys are column indexes.
	Values map[int]changeset.Value
	// By names the handler that decided.
	By string
}

// Decided reports whether d carries a resolution.
func (d Decision) Decided() bool { return d.Resolution != Undecided }

// Decline passes the conflict to the next handler.
func Decline() Decision { return Decision{} }

// Resolve returns a plain decision.
func Resolve(r Resolution) Decision { return Decision{Resolution: r} }

// ReplaceWith accepts the incoming row with some column values substituted.
func ReplaceWith(values map[int]changeset.Value) Decision {
	return Decision{Resolution: Replace, Values: values}
}

// Args describes one conflicting row. It is created by the Classifier and
// handed to the handler chain; handlers must not retain it.
type Args struct {
	Table      string
	Cause      Cause
	Op         changeset.Opcode
	Indirect   bool
	PrimaryKey []int

	// Record is the incoming change.
	Record *changeset.ChangeRecord
	// Local is the current local row, nil when it does not exist.
	Local []changeset.Value
	// Err is the storage error behind a Constraint conflict.
	Err error

	ChangesetIndex int
	ChangesetID    string
	// Log collects entries for the current apply session.
	Log *Log
}

// TableName returns the table of the conflicting row.
func (a *Args) TableName() string { return a.Table }

// ColumnCount returns the number of columns of the table.
func (a *Args) ColumnCount() int { return a.Record.Columns }

// PrimaryKeyColumnIndexes returns the primary key column indexes.
func (a *Args) PrimaryKeyColumnIndexes() []int {
	return append([]int(nil), a.PrimaryKey...)
}

// HasLocal reports whether a local row exists.
func (a *Args) HasLocal() bool { return a.Local != nil }

// Value returns a column in the requested stage: old (common ancestor), new
// (incoming) or local (current row). ok is false when the stage carries no
// value for the column.
func (a *Args) Value(col int, stage changeset.Stage) (changeset.Value, bool) {
	if stage != changeset.StageLocal {
		return a.Record.Value(col, stage)
	}
	if col < 0 || col >= len(a.Local) || !a.Local[col].Defined() {
		return changeset.Value{}, false
	}
	return a.Local[col], true
}

// KeyString renders the primary key of the conflicting row.
func (a *Args) KeyString() string { return a.Record.KeyString() }

// Entry starts a log entry prefilled with the row's identity.
func (a *Args) Entry(key string) LogEntry {
	return LogEntry{
		ChangesetIndex: a.ChangesetIndex,
		ChangesetID:    a.ChangesetID,
		Table:          a.Table,
		Key:            key,
		Op:             a.Op,
		Cause:          a.Cause,
	}
}
