// Package changeset decodes and encodes changeset files: ordered row-level
// deltas between two states of a replica, optionally preceded by schema
// changes. Rows use the SQLite session changeset encoding; the file wraps
// them in a small versioned container that may be compressed.
package changeset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// StepResult is the outcome of Reader.Step.
type StepResult uint8

const (
	// StepRow means the reader is positioned on a row.
	StepRow StepResult = iota + 1
	// StepDone means the stream is exhausted.
	StepDone
)

// ErrNoRow is returned by accessors when the reader is not positioned on a row.
var ErrNoRow = errors.New("changeset reader is not positioned on a row")

type readerOptions struct {
	invert bool
}

// Option configures a Reader.
type Option func(*readerOptions)

// WithInvert makes the reader yield the logically reversed stream: Insert and
// Delete are swapped and Update images are exchanged. The source is not modified.
func WithInvert() Option {
	return func(o *readerOptions) { o.invert = true }
}

type tableShape struct {
	name    string
	columns int
	pk      []int
}

// Reader lazily steps through the rows of a changeset. It is a finite,
// non-restartable sequence; open the source again for a second pass.
type Reader struct {
	br      *bufio.Reader
	closers []func() error
	opts    readerOptions

	header    header
	schema    string
	hasSchema bool

	table *tableShape
	cur   *ChangeRecord
	rows  int
	done  bool
	err   error
}

// OpenFile opens a changeset file. A missing or unreadable file fails with an
// IO error; a corrupt header fails with a format error.
func OpenFile(path string, opts ...Option) (*Reader, error) {
	f, err := os.Open(path) // #nosec G304 -- caller supplies the changeset path
	if err != nil {
		return nil, cserrors.NewIOError(cserrors.OpOpen, err)
	}
	r, err := Open(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closers = append(r.closers, f.Close)
	return r, nil
}

// OpenBytes opens an in-memory changeset.
func OpenBytes(data []byte, opts ...Option) (*Reader, error) {
	return Open(bytes.NewReader(data), opts...)
}

// Open reads the container header and, when present, the schema section.
// The caller keeps ownership of src.
func Open(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{}
	for _, opt := range opts {
		opt(&r.opts)
	}

	h, err := readHeader(src)
	if err != nil {
		return nil, classifyReadErr(cserrors.OpOpen, err)
	}
	r.header = h

	body, closeBody, err := decompressor(src, h.compression)
	if err != nil {
		return nil, cserrors.NewFormatError(cserrors.OpOpen, err)
	}
	r.closers = append(r.closers, func() error { closeBody(); return nil })
	r.br = bufio.NewReader(body)

	if h.flags&flagSchema != 0 {
		n, err := readVarint(r.br)
		if err != nil {
			r.Close()
			return nil, classifyReadErr(cserrors.OpOpen, err)
		}
		if n > maxStringSize {
			r.Close()
			return nil, cserrors.NewFormatError(cserrors.OpOpen, fmt.Errorf("schema section length %d exceeds limit", n))
		}
		ddl, err := readBytes(r.br, n)
		if err != nil {
			r.Close()
			return nil, classifyReadErr(cserrors.OpOpen, err)
		}
		r.schema = string(ddl)
		r.hasSchema = true
	}
	return r, nil
}

// Close releases the reader's resources. It is safe to call more than once.
func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	r.cur = nil
	r.done = true
	return first
}

// SchemaChanges returns the DDL statements carried by the changeset.
func (r *Reader) SchemaChanges() (string, bool) {
	return r.schema, r.hasSchema
}

// Compression reports how the file body was compressed.
func (r *Reader) Compression() Compression { return r.header.compression }

// Inverted reports whether the reader yields the reversed stream.
func (r *Reader) Inverted() bool { return r.opts.invert }

// Step advances to the next row.
func (r *Reader) Step() (StepResult, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return StepDone, nil
	}
	r.cur = nil

	for {
		b, err := r.br.ReadByte()
		if err == io.EOF {
			r.done = true
			return StepDone, nil
		}
		if err != nil {
			return r.fail(err)
		}

		switch {
		case b == tableMarker:
			t, err := r.readTable()
			if err != nil {
				return r.fail(err)
			}
			r.table = t
		case b == patchsetMark:
			return r.fail(fmt.Errorf("patchset streams are not supported"))
		case Opcode(b).Valid():
			rec, err := r.readRecord(Opcode(b))
			if err != nil {
				return r.fail(err)
			}
			if r.opts.invert {
				rec = rec.Invert()
			}
			r.cur = rec
			r.rows++
			return StepRow, nil
		default:
			return r.fail(fmt.Errorf("unexpected byte 0x%02x at row %d", b, r.rows+1))
		}
	}
}

func (r *Reader) fail(err error) (StepResult, error) {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	r.err = classifyReadErr(cserrors.OpRead, err)
	r.cur = nil
	return 0, r.err
}

func (r *Reader) readTable() (*tableShape, error) {
	n, err := readVarint(r.br)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > 32767 {
		return nil, fmt.Errorf("invalid column count %d in table header", n)
	}
	flags := make([]byte, n)
	if _, err := io.ReadFull(r.br, flags); err != nil {
		return nil, err
	}
	name, err := r.br.ReadString(0)
	if err != nil {
		return nil, err
	}
	name = name[:len(name)-1]
	if name == "" {
		return nil, fmt.Errorf("empty table name in table header")
	}

	t := &tableShape{name: name, columns: int(n)}
	for i, f := range flags {
		if f != 0 {
			t.pk = append(t.pk, i)
		}
	}
	if len(t.pk) == 0 {
		return nil, fmt.Errorf("table %s has no primary key columns", name)
	}
	return t, nil
}

func (r *Reader) readRecord(op Opcode) (*ChangeRecord, error) {
	if r.table == nil {
		return nil, fmt.Errorf("row change before any table header")
	}
	ind, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	rec := &ChangeRecord{
		Table:      r.table.name,
		Columns:    r.table.columns,
		PrimaryKey: r.table.pk,
		Op:         op,
		Indirect:   ind != 0,
	}
	if op != OpInsert {
		if rec.Old, err = r.readImage(); err != nil {
			return nil, err
		}
	}
	if op != OpDelete {
		if rec.New, err = r.readImage(); err != nil {
			return nil, err
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Reader) readImage() ([]Value, error) {
	img := make([]Value, r.table.columns)
	for i := range img {
		v, err := readValue(r.br)
		if err != nil {
			return nil, err
		}
		img[i] = v
	}
	return img, nil
}

// Record returns the current row. The record must not be modified.
func (r *Reader) Record() (*ChangeRecord, error) {
	if r.cur == nil {
		return nil, ErrNoRow
	}
	return r.cur, nil
}

// TableName returns the table of the current row.
func (r *Reader) TableName() string {
	if r.cur == nil {
		return ""
	}
	return r.cur.Table
}

// OpCode returns the opcode of the current row.
func (r *Reader) OpCode() Opcode {
	if r.cur == nil {
		return 0
	}
	return r.cur.Op
}

// IsIndirectChange reports whether the current row was produced by a cascade.
func (r *Reader) IsIndirectChange() bool {
	return r.cur != nil && r.cur.Indirect
}

// ColumnCount returns the number of columns of the current row's table.
func (r *Reader) ColumnCount() int {
	if r.cur == nil {
		return 0
	}
	return r.cur.Columns
}

// PrimaryKeyColumnIndexes returns the primary key columns of the current table.
func (r *Reader) PrimaryKeyColumnIndexes() []int {
	if r.cur == nil {
		return nil
	}
	return append([]int(nil), r.cur.PrimaryKey...)
}

// Value returns a column of the current row. ok is false when there is no
// row, the column is out of range, or the stage carries no value.
func (r *Reader) Value(col int, stage Stage) (Value, bool) {
	if r.cur == nil {
		return Value{}, false
	}
	return r.cur.Value(col, stage)
}

// Row returns the old/new pair of every column of the current row.
func (r *Reader) Row() Row {
	if r.cur == nil {
		return nil
	}
	return r.cur.Row()
}

// RowsRead returns how many rows have been stepped over.
func (r *Reader) RowsRead() int { return r.rows }

// All returns the remaining rows as a sequence. Iteration stops at the first
// error, which is yielded with a nil record.
func (r *Reader) All() iter.Seq2[*ChangeRecord, error] {
	return func(yield func(*ChangeRecord, error) bool) {
		for {
			res, err := r.Step()
			if err != nil {
				yield(nil, err)
				return
			}
			if res == StepDone {
				return
			}
			if !yield(r.cur, nil) {
				return
			}
		}
	}
}

// ReadAll drains the reader into a slice.
func (r *Reader) ReadAll() ([]*ChangeRecord, error) {
	var out []*ChangeRecord
	for rec, err := range r.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func classifyReadErr(op cserrors.Operation, err error) error {
	var e *cserrors.Error
	if errors.As(err, &e) {
		return err
	}
	var pe *fs.PathError
	if errors.As(err, &pe) || errors.Is(err, os.ErrClosed) {
		return cserrors.NewIOError(op, err)
	}
	if err == io.EOF {
		err = errTruncated
	} else if errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("%w: %v", errTruncated, err)
	}
	return cserrors.NewFormatError(op, err)
}
