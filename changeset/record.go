package changeset

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Opcode classifies a single row change. The numeric values are the wire bytes.
type Opcode uint8

const (
	OpDelete Opcode = 9
	OpInsert Opcode = 18
	OpUpdate Opcode = 23
)

func (o Opcode) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "OPCODE(" + strconv.Itoa(int(o)) + ")"
	}
}

// Valid reports whether o is one of the three known opcodes.
func (o Opcode) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Stage selects which image of a column is read.
type Stage uint8

const (
	// StageOld is the common-ancestor image carried by the changeset.
	StageOld Stage = iota + 1
	// StageNew is the incoming image carried by the changeset.
	StageNew
	// StageLocal is the current local row. Only conflict arguments carry it.
	StageLocal
)

func (s Stage) String() string {
	switch s {
	case StageOld:
		return "old"
	case StageNew:
		return "new"
	case StageLocal:
		return "local"
	default:
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
}

// ChangeRecord is one row-level change. Old holds the pre-image and New the
// post-image; each has one entry per column, undefined where the stage
// carries no value. Insert has no Old, Delete has no New.
type ChangeRecord struct {
	Table      string
	Columns    int
	PrimaryKey []int
	Op         Opcode
	Indirect   bool
	Old        []Value
	New        []Value
}

// ColumnChange pairs the old and new image of one column.
type ColumnChange struct {
	Old Value
	New Value
}

// Row is a snapshot of every column's old/new pair.
type Row []ColumnChange

// Value returns the column value in the given stage. ok is false when the
// column is out of range or the stage carries no value for it.
func (r *ChangeRecord) Value(col int, stage Stage) (Value, bool) {
	if col < 0 || col >= r.Columns {
		return Value{}, false
	}
	var img []Value
	switch stage {
	case StageOld:
		img = r.Old
	case StageNew:
		img = r.New
	default:
		return Value{}, false
	}
	if col >= len(img) || !img[col].Defined() {
		return Value{}, false
	}
	return img[col], true
}

// IsPrimaryKey reports whether col is part of the primary key.
func (r *ChangeRecord) IsPrimaryKey(col int) bool {
	return slices.Contains(r.PrimaryKey, col)
}

// PrimaryKeyValues returns the primary key of the row the change targets:
// the new image for Insert and the old image otherwise.
func (r *ChangeRecord) PrimaryKeyValues() []Value {
	img := r.Old
	if r.Op == OpInsert {
		img = r.New
	}
	out := make([]Value, len(r.PrimaryKey))
	for i, col := range r.PrimaryKey {
		if col < len(img) {
			out[i] = img[col]
		}
	}
	return out
}

// Row returns the old/new pair of every column.
func (r *ChangeRecord) Row() Row {
	row := make(Row, r.Columns)
	for i := range row {
		row[i].Old, _ = r.Value(i, StageOld)
		row[i].New, _ = r.Value(i, StageNew)
	}
	return row
}

// ChangedColumns returns the columns an Update writes, in column order.
func (r *ChangeRecord) ChangedColumns() []int {
	var cols []int
	for i := 0; i < r.Columns && i < len(r.New); i++ {
		if r.New[i].Defined() {
			cols = append(cols, i)
		}
	}
	return cols
}

// Clone returns a deep copy of the record.
func (r *ChangeRecord) Clone() *ChangeRecord {
	c := *r
	c.PrimaryKey = slices.Clone(r.PrimaryKey)
	c.Old = slices.Clone(r.Old)
	c.New = slices.Clone(r.New)
	return &c
}

// Invert returns the logically reversed change without touching r.
// Insert and Delete swap; an Update swaps images, carrying the primary key
// into the old image of the result.
func (r *ChangeRecord) Invert() *ChangeRecord {
	out := r.Clone()
	switch r.Op {
	case OpInsert:
		out.Op = OpDelete
		out.Old, out.New = out.New, nil
	case OpDelete:
		out.Op = OpInsert
		out.New, out.Old = out.Old, nil
	case OpUpdate:
		oldImg := make([]Value, r.Columns)
		newImg := make([]Value, r.Columns)
		for i := 0; i < r.Columns; i++ {
			nv := valueAt(r.New, i)
			ov := valueAt(r.Old, i)
			if nv.Defined() {
				oldImg[i] = nv
				newImg[i] = ov
			} else if r.IsPrimaryKey(i) {
				oldImg[i] = ov
			}
		}
		out.Old, out.New = oldImg, newImg
	}
	return out
}

// Validate checks the record is internally consistent.
func (r *ChangeRecord) Validate() error {
	if r.Table == "" {
		return fmt.Errorf("change record has no table name")
	}
	if !r.Op.Valid() {
		return fmt.Errorf("table %s: invalid opcode %d", r.Table, r.Op)
	}
	if r.Columns <= 0 {
		return fmt.Errorf("table %s: column count must be positive", r.Table)
	}
	if len(r.PrimaryKey) == 0 {
		return fmt.Errorf("table %s: no primary key columns", r.Table)
	}
	for _, col := range r.PrimaryKey {
		if col < 0 || col >= r.Columns {
			return fmt.Errorf("table %s: primary key column %d out of range", r.Table, col)
		}
	}
	if r.Op != OpDelete && len(r.New) != r.Columns {
		return fmt.Errorf("table %s: %s new image has %d values, want %d", r.Table, r.Op, len(r.New), r.Columns)
	}
	if r.Op != OpInsert && len(r.Old) != r.Columns {
		return fmt.Errorf("table %s: %s old image has %d values, want %d", r.Table, r.Op, len(r.Old), r.Columns)
	}
	for i, v := range r.PrimaryKeyValues() {
		if !v.Defined() {
			return fmt.Errorf("table %s: %s primary key column %d has no value", r.Table, r.Op, r.PrimaryKey[i])
		}
	}
	return nil
}

// KeyString renders the primary key values for logs and error messages.
func (r *ChangeRecord) KeyString() string {
	vals := r.PrimaryKeyValues()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

func (r *ChangeRecord) String() string {
	ind := ""
	if r.Indirect {
		ind = " indirect"
	}
	return fmt.Sprintf("%s %s(%s)%s", r.Op, r.Table, r.KeyString(), ind)
}

func valueAt(img []Value, i int) Value {
	if i < len(img) {
		return img[i]
	}
	return Value{}
}
