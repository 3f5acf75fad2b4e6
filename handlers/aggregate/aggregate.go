// Package aggregate resolves conflicts on columns holding values with a
// commutative, associative merge, such as a monotonically growing extent.
// Instead of choosing a side it writes the merge of old, incoming and local.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// MergeFunc merges the three stages of one column. Stages that carry no
// value are passed as undefined.
type MergeFunc func(old, incoming, local changeset.Value) (changeset.Value, error)

// Option configures a Handler.
type Option func(*Handler)

// WithName sets the name reported in decisions.
func WithName(name string) Option { return func(h *Handler) { h.name = name } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(h *Handler) { h.logger = l } }

// Handler merges the configured columns on Data and Conflict conflicts and
// declines everything else.
type Handler struct {
	name    string
	columns []int
	merge   MergeFunc
	logger  *logging.Logger
}

// New returns a handler merging columns with merge.
func New(merge MergeFunc, columns []int, opts ...Option) *Handler {
	h := &Handler{name: "aggregate", columns: slices.Clone(columns), merge: merge}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	h.logger = h.logger.WithComponent("aggregate")
	return h
}

// Resolve implements resolve.Handler.
func (h *Handler) Resolve(ctx context.Context, args *conflict.Args) (conflict.Decision, error) {
	switch {
	case args.Cause == conflict.CauseData && args.Op == changeset.OpUpdate:
	case args.Cause == conflict.CauseConflict && args.Op == changeset.OpInsert:
	default:
		return conflict.Decline(), nil
	}

	values := make(map[int]changeset.Value, len(h.columns))
	for _, col := range h.columns {
		if col >= args.ColumnCount() || args.Record.IsPrimaryKey(col) {
			return conflict.Decision{}, fmt.Errorf("column %d of %s cannot be merged", col, args.Table)
		}
		old, _ := args.Value(col, changeset.StageOld)
		incoming, hasNew := args.Value(col, changeset.StageNew)
		local, _ := args.Value(col, changeset.StageLocal)
		if !hasNew {
			// untouched by the incoming update, so the local value stays
			continue
		}
		merged, err := h.merge(old, incoming, local)
		if err != nil {
			return conflict.Decision{}, fmt.Errorf("merging column %d of %s: %w", col, args.Table, err)
		}
		values[col] = merged
	}

	h.logger.DebugContext(ctx, "merged conflicting values",
		slog.String("table", args.Table),
		slog.String("key", args.KeyString()),
		slog.Int("columns", len(values)),
	)
	d := conflict.ReplaceWith(values)
	d.By = h.name
	return d, nil
}

// Max merges numeric values by keeping the largest. It suits monotonic
// counters.
func Max(old, incoming, local changeset.Value) (changeset.Value, error) {
	var best changeset.Value
	for _, v := range []changeset.Value{old, incoming, local} {
		if !v.Defined() || v.IsNull() {
			continue
		}
		if v.Kind() != changeset.KindInteger && v.Kind() != changeset.KindReal {
			return changeset.Value{}, fmt.Errorf("max of non-numeric value %s", v)
		}
		if !best.Defined() || v.Compare(best) > 0 {
			best = v
		}
	}
	if !best.Defined() {
		return changeset.Null(), nil
	}
	return best, nil
}
