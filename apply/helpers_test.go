package apply

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/resolve"
)

const itemsSchema = `
CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, qty INTEGER);
CREATE TABLE parent (id INTEGER PRIMARY KEY, code TEXT NOT NULL UNIQUE, label TEXT);
CREATE TABLE child (
	id INTEGER PRIMARY KEY,
	parent_code TEXT REFERENCES parent(code) ON UPDATE CASCADE,
	note TEXT
);`

var (
	itemsPK  = []int{0}
	parentPK = []int{0}
	childPK  = []int{0}
)

func i64(v int64) changeset.Value  { return changeset.Integer(v) }
func txt(s string) changeset.Value { return changeset.Text(s) }

func newBriefcase(t *testing.T, setup ...string) *briefcase.Briefcase {
	t.Helper()
	ctx := context.Background()
	b, err := briefcase.Open(ctx, &briefcase.Config{Path: filepath.Join(t.TempDir(), "local.bim")})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Exec(ctx, itemsSchema))
	for _, stmt := range setup {
		require.NoError(t, b.Exec(ctx, stmt))
	}
	return b
}

func newEngine(t *testing.T, b *briefcase.Briefcase, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(b, opts...)
	require.NoError(t, err)
	return e
}

func withChain(t *testing.T, opts ...resolve.Option) Option {
	t.Helper()
	c, err := resolve.NewChain(opts...)
	require.NoError(t, err)
	return WithChain(c)
}

// build encodes the records added by fn.
func build(t *testing.T, fn func(b *changeset.Builder)) []byte {
	t.Helper()
	cb := changeset.NewBuilder()
	fn(cb)
	data, err := cb.Encode()
	require.NoError(t, err)
	return data
}

func snapshot(t *testing.T, b *briefcase.Briefcase) briefcase.Snapshot {
	t.Helper()
	s, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

func rowsOf(t *testing.T, b *briefcase.Briefcase, table string) [][]changeset.Value {
	t.Helper()
	rows, err := b.Rows(context.Background(), table)
	require.NoError(t, err)
	return rows
}

type recordedConflict struct {
	table, cause, resolution string
}

// recorder is an in-memory metrics collector.
type recorder struct {
	mu        sync.Mutex
	sessions  map[string]int
	conflicts []recordedConflict
	errs      []string
	applied   int
}

func newRecorder() *recorder { return &recorder{sessions: map[string]int{}} }

func (r *recorder) RecordSession(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[outcome]++
}

func (r *recorder) RecordRows(applied, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied += applied
}

func (r *recorder) RecordConflict(table, cause, resolution string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, recordedConflict{table, cause, resolution})
}

func (r *recorder) RecordError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, code)
}
