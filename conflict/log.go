package conflict

import (
	"cmp"
	"slices"
	"sync"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
)

// LogEntry records a conflict a handler resolved but wants the caller to see.
type LogEntry struct {
	ChangesetIndex int
	ChangesetID    string
	Table          string
	Key            string
	Old            changeset.Value
	New            changeset.Value
	Local          changeset.Value
	Op             changeset.Opcode
	Cause          Cause
	Resolution     Resolution
	Handler        string
}

// Log accumulates entries for one apply session. The zero value is ready to use.
type Log struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLog returns an empty log.
func NewLog() *Log { return &Log{} }

// Append adds an entry. A nil log discards it.
func (l *Log) Append(e LogEntry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Len returns the number of entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the entries ordered by changeset index, then
// table. Entries with equal index and table keep their append order.
func (l *Log) Entries() []LogEntry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	out := slices.Clone(l.entries)
	l.mu.Unlock()

	slices.SortStableFunc(out, func(a, b LogEntry) int {
		if c := cmp.Compare(a.ChangesetIndex, b.ChangesetIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.Table, b.Table)
	})
	return out
}

// Truncate drops entries beyond n.
func (l *Log) Truncate(n int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if n < len(l.entries) {
		l.entries = l.entries[:n]
	}
	l.mu.Unlock()
}

// Reset empties the log. Apply sessions reset it when they roll back.
func (l *Log) Reset() { l.Truncate(0) }
