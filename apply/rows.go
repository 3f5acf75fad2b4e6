package apply

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/c0deZ3R0/go-changeset-kit/briefcase"
	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// rowApplier writes change records inside the session transaction.
type rowApplier struct {
	s          *Session
	tx         *briefcase.Tx
	classifier *conflict.Classifier
}

// target is a record bound to the local table it changes.
type target struct {
	rec  *changeset.ChangeRecord
	info *briefcase.TableInfo
	// key holds the primary key values in the table's declared key order.
	key []changeset.Value
}

func (a *rowApplier) bind(ctx context.Context, rec *changeset.ChangeRecord) (*target, error) {
	info, err := a.tx.Table(ctx, rec.Table)
	if err != nil {
		return nil, err
	}
	if len(info.Columns) != rec.Columns || !samePrimaryKey(info.PrimaryKey, rec.PrimaryKey) {
		return nil, cserrors.NewValidationError(cserrors.OpApply,
			fmt.Errorf("changeset shape of %s does not match the local table", rec.Table)).
			WithRow(rec.Table, rec.Op.String(), "", rec.KeyString())
	}
	img := rec.Old
	if rec.Op == changeset.OpInsert {
		img = rec.New
	}
	key := make([]changeset.Value, len(info.PrimaryKey))
	for i, col := range info.PrimaryKey {
		if col >= len(img) || !img[col].Defined() {
			return nil, cserrors.NewValidationError(cserrors.OpApply,
				fmt.Errorf("primary key column %d has no value", col)).
				WithRow(rec.Table, rec.Op.String(), "", rec.KeyString())
		}
		key[i] = img[col]
	}
	return &target{rec: rec, info: info, key: key}, nil
}

func samePrimaryKey(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// apply writes one record, resolving any conflict it raises.
func (a *rowApplier) apply(ctx context.Context, rec *changeset.ChangeRecord) error {
	a.s.logger.Trace(ctx, "applying row",
		slog.String("table", rec.Table),
		slog.String("op", rec.Op.String()),
		slog.String("key", rec.KeyString()),
		slog.Bool("indirect", rec.Indirect),
	)
	t, err := a.bind(ctx, rec)
	if err != nil {
		return err
	}
	local, err := a.tx.Lookup(ctx, t.info, t.key)
	if err != nil {
		return err
	}

	switch rec.Op {
	case changeset.OpInsert:
		if local != nil {
			return a.conflict(ctx, t, conflict.Signal{Record: rec, Reason: conflict.ReasonDuplicateKey, Local: local})
		}
		if err := a.tx.Insert(ctx, t.info, rec.New); err != nil {
			return a.writeFailed(ctx, t, local, err)
		}

	case changeset.OpUpdate:
		if local == nil {
			return a.conflict(ctx, t, conflict.Signal{Record: rec, Reason: conflict.ReasonMissingRow})
		}
		if !matchesOld(rec, local) {
			return a.conflict(ctx, t, conflict.Signal{Record: rec, Reason: conflict.ReasonDataMismatch, Local: local})
		}
		if _, err := a.tx.Update(ctx, t.info, t.key, incoming(rec, nil)); err != nil {
			return a.writeFailed(ctx, t, local, err)
		}

	case changeset.OpDelete:
		if local == nil {
			return a.conflict(ctx, t, conflict.Signal{Record: rec, Reason: conflict.ReasonMissingRow})
		}
		if !matchesOld(rec, local) {
			return a.conflict(ctx, t, conflict.Signal{Record: rec, Reason: conflict.ReasonDataMismatch, Local: local})
		}
		if _, err := a.tx.Delete(ctx, t.info, t.key); err != nil {
			return a.writeFailed(ctx, t, local, err)
		}

	default:
		return cserrors.NewValidationError(cserrors.OpApply, fmt.Errorf("unknown opcode %s", rec.Op))
	}

	a.s.result.Applied++
	return nil
}

// matchesOld reports whether every column carried in the old image still
// holds that value locally.
func matchesOld(rec *changeset.ChangeRecord, local []changeset.Value) bool {
	for i, v := range rec.Old {
		if !v.Defined() {
			continue
		}
		if i >= len(local) || !local[i].Equal(v) {
			return false
		}
	}
	return true
}

// incoming returns the non-key columns a record writes, with substitutions
// from a Replace decision laid over them.
func incoming(rec *changeset.ChangeRecord, subst map[int]changeset.Value) map[int]changeset.Value {
	cols := make(map[int]changeset.Value)
	for i, v := range rec.New {
		if v.Defined() && !rec.IsPrimaryKey(i) {
			cols[i] = v
		}
	}
	for i, v := range subst {
		cols[i] = v
	}
	return cols
}

// writeFailed turns a failed row write into a constraint conflict when the
// database rejected it for a constraint, and into a storage error otherwise.
func (a *rowApplier) writeFailed(ctx context.Context, t *target, local []changeset.Value, err error) error {
	reason, ok := conflict.ReasonFromError(err)
	if !ok {
		return err
	}
	if reason == conflict.ReasonDuplicateKey && t.rec.Op != changeset.OpInsert {
		reason = conflict.ReasonConstraint
	}
	return a.conflict(ctx, t, conflict.Signal{Record: t.rec, Reason: reason, Local: local, Err: err})
}

// conflict classifies sig, asks the chain for a resolution and enforces it.
func (a *rowApplier) conflict(ctx context.Context, t *target, sig conflict.Signal) error {
	args, err := a.classifier.Classify(sig)
	if err != nil {
		return err
	}
	d, err := a.s.e.chain.Resolve(ctx, args)
	if err != nil {
		return err
	}

	res := a.s.result
	res.Conflicts[args.Cause]++
	a.s.e.metrics.RecordConflict(args.Table, args.Cause.String(), d.Resolution.String())
	a.s.logger.DebugContext(ctx, "conflict",
		slog.String("table", args.Table),
		slog.String("key", args.KeyString()),
		slog.String("cause", args.Cause.String()),
		slog.String("opcode", args.Op.String()),
		slog.Bool("indirect", args.Indirect),
		slog.String("resolution", d.Resolution.String()),
		slog.String("by", d.By),
	)

	switch d.Resolution {
	case conflict.Skip:
		res.Skipped++
		return nil
	case conflict.Replace:
		return a.replace(ctx, t, args, d)
	default:
		e := cserrors.NewConflictAbort(args.Table, args.Op.String(), args.Cause.String(),
			fmt.Errorf("conflict resolved to abort by %s", d.By))
		if args.Err != nil {
			e.Err = fmt.Errorf("conflict resolved to abort by %s: %w", d.By, args.Err)
		}
		e.Key = args.KeyString()
		e.Metadata = map[string]interface{}{
			"handler":         d.By,
			"indirect":        args.Indirect,
			"changeset_index": args.ChangesetIndex,
		}
		return e
	}
}

// replace carries out a Replace decision:
//
//	Conflict/Insert  overwrite the existing row with the incoming values
//	Data/Update      write the incoming changed columns over the local row
//	Data/Delete      delete the local row
//
// A write rejected by a constraint is classified again as a Constraint
// conflict, which cannot itself be replaced.
func (a *rowApplier) replace(ctx context.Context, t *target, args *conflict.Args, d conflict.Decision) error {
	var err error
	switch t.rec.Op {
	case changeset.OpInsert, changeset.OpUpdate:
		_, err = a.tx.Update(ctx, t.info, t.key, incoming(t.rec, d.Values))
	case changeset.OpDelete:
		_, err = a.tx.Delete(ctx, t.info, t.key)
	}
	if err != nil {
		if _, ok := conflict.ReasonFromError(err); !ok {
			return err
		}
		return a.conflict(ctx, t, conflict.Signal{Record: t.rec, Reason: conflict.ReasonConstraint, Local: args.Local, Err: err})
	}
	a.s.result.Replaced++
	return nil
}
