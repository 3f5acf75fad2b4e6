package changeset

import (
	"fmt"
	"slices"

	"github.com/google/btree"
)

// Builder accumulates row changes and coalesces repeated changes to the same
// primary key into one record, the way a changegroup does. Tables are emitted
// in first-touch order and rows in primary key order.
type Builder struct {
	tables []*builderTable
	byName map[string]*builderTable
}

type builderTable struct {
	shape tableShape
	rows  *btree.BTreeG[*builderRow]
}

type builderRow struct {
	key []Value
	rec *ChangeRecord
}

func lessRow(a, b *builderRow) bool {
	for i := range a.key {
		if i >= len(b.key) {
			return false
		}
		if c := a.key[i].Compare(b.key[i]); c != 0 {
			return c < 0
		}
	}
	return len(a.key) < len(b.key)
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{byName: make(map[string]*builderTable)}
}

// Insert records a new row.
func (b *Builder) Insert(table string, pk []int, values []Value) error {
	return b.Add(&ChangeRecord{Table: table, Columns: len(values), PrimaryKey: pk, Op: OpInsert, New: values})
}

// Update records a change from old to new. Columns that are equal in both
// images are dropped from the change unless they are part of the key.
func (b *Builder) Update(table string, pk []int, oldRow, newRow []Value) error {
	if len(oldRow) != len(newRow) {
		return fmt.Errorf("table %s: old and new rows differ in width", table)
	}
	rec := &ChangeRecord{Table: table, Columns: len(oldRow), PrimaryKey: pk, Op: OpUpdate}
	rec.Old, rec.New = diffImages(rec, oldRow, newRow)
	if rec.New == nil {
		return nil
	}
	return b.Add(rec)
}

// Delete records the removal of a row.
func (b *Builder) Delete(table string, pk []int, oldRow []Value) error {
	return b.Add(&ChangeRecord{Table: table, Columns: len(oldRow), PrimaryKey: pk, Op: OpDelete, Old: oldRow})
}

// Add merges rec into the builder. rec is copied.
func (b *Builder) Add(rec *ChangeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec = rec.Clone()
	for _, col := range rec.PrimaryKey {
		if rec.Op == OpUpdate && valueAt(rec.New, col).Defined() && !valueAt(rec.New, col).Equal(rec.Old[col]) {
			return fmt.Errorf("table %s: primary key changes must be recorded as delete and insert", rec.Table)
		}
	}

	t, err := b.table(rec)
	if err != nil {
		return err
	}

	row := &builderRow{key: rec.PrimaryKeyValues(), rec: rec}
	prev, ok := t.rows.Get(row)
	if !ok {
		t.rows.ReplaceOrInsert(row)
		return nil
	}

	merged, err := mergeRecords(prev.rec, rec)
	if err != nil {
		return err
	}
	if merged == nil {
		t.rows.Delete(prev)
		return nil
	}
	prev.rec = merged
	return nil
}

func (b *Builder) table(rec *ChangeRecord) (*builderTable, error) {
	if t, ok := b.byName[rec.Table]; ok {
		if t.shape.columns != rec.Columns || !slices.Equal(t.shape.pk, rec.PrimaryKey) {
			return nil, fmt.Errorf("table %s: shape changed within one changeset", rec.Table)
		}
		return t, nil
	}
	t := &builderTable{
		shape: tableShape{name: rec.Table, columns: rec.Columns, pk: slices.Clone(rec.PrimaryKey)},
		rows:  btree.NewG[*builderRow](8, lessRow),
	}
	b.tables = append(b.tables, t)
	b.byName[rec.Table] = t
	return t, nil
}

// Len returns the number of coalesced records.
func (b *Builder) Len() int {
	n := 0
	for _, t := range b.tables {
		n += t.rows.Len()
	}
	return n
}

// Records returns the coalesced records.
func (b *Builder) Records() []*ChangeRecord {
	out := make([]*ChangeRecord, 0, b.Len())
	for _, t := range b.tables {
		t.rows.Ascend(func(r *builderRow) bool {
			out = append(out, r.rec.Clone())
			return true
		})
	}
	return out
}

// Encode writes the coalesced records into an in-memory changeset.
func (b *Builder) Encode(opts ...WriterOption) ([]byte, error) {
	return Encode(b.Records(), opts...)
}

// mergeRecords combines an earlier and a later change to the same row.
// A nil result means the two changes cancel out.
func mergeRecords(first, second *ChangeRecord) (*ChangeRecord, error) {
	indirect := first.Indirect && second.Indirect
	switch {
	case first.Op == OpInsert && second.Op == OpUpdate:
		out := first.Clone()
		for i, v := range second.New {
			if v.Defined() {
				out.New[i] = v
			}
		}
		out.Indirect = indirect
		return out, nil

	case first.Op == OpInsert && second.Op == OpDelete:
		return nil, nil

	case first.Op == OpUpdate && second.Op == OpUpdate:
		out := first.Clone()
		for i := 0; i < out.Columns; i++ {
			if !out.Old[i].Defined() {
				out.Old[i] = second.Old[i]
			}
			if second.New[i].Defined() {
				out.New[i] = second.New[i]
			}
		}
		out.Indirect = indirect
		oldImg, newImg := diffImages(out, out.Old, out.New)
		if newImg == nil {
			return nil, nil
		}
		out.Old, out.New = oldImg, newImg
		return out, nil

	case first.Op == OpUpdate && second.Op == OpDelete:
		out := second.Clone()
		for i := 0; i < out.Columns; i++ {
			if first.Old[i].Defined() {
				out.Old[i] = first.Old[i]
			}
		}
		out.Indirect = indirect
		return out, nil

	case first.Op == OpDelete && second.Op == OpInsert:
		out := &ChangeRecord{
			Table:      first.Table,
			Columns:    first.Columns,
			PrimaryKey: slices.Clone(first.PrimaryKey),
			Op:         OpUpdate,
			Indirect:   indirect,
		}
		out.Old, out.New = diffImages(out, first.Old, second.New)
		if out.New == nil {
			return nil, nil
		}
		return out, nil

	default:
		return nil, fmt.Errorf("table %s: cannot follow %s with %s for key (%s)",
			first.Table, first.Op, second.Op, first.KeyString())
	}
}

// diffImages reduces two full or partial images to an update: key columns are
// kept in the old image, changed columns appear in both. Both results are nil
// when nothing changed.
func diffImages(rec *ChangeRecord, oldRow, newRow []Value) ([]Value, []Value) {
	oldImg := make([]Value, rec.Columns)
	newImg := make([]Value, rec.Columns)
	changed := false
	for i := 0; i < rec.Columns; i++ {
		ov, nv := valueAt(oldRow, i), valueAt(newRow, i)
		if nv.Defined() && !nv.Equal(ov) {
			oldImg[i], newImg[i] = ov, nv
			changed = true
		}
		if rec.IsPrimaryKey(i) {
			oldImg[i] = ov
		}
	}
	if !changed {
		return nil, nil
	}
	return oldImg, newImg
}
