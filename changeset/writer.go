package changeset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// ErrSchemaNotInvertible is returned when inverting a changeset that carries
// schema changes; DDL has no inverse.
var ErrSchemaNotInvertible = errors.New("changeset with schema changes cannot be inverted")

type writerOptions struct {
	compression Compression
	schema      string
	hasSchema   bool
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithCompression selects the body compression.
func WithCompression(c Compression) WriterOption {
	return func(o *writerOptions) { o.compression = c }
}

// WithSchemaChanges embeds DDL statements that are applied before any row.
func WithSchemaChanges(ddl string) WriterOption {
	return func(o *writerOptions) {
		o.schema = ddl
		o.hasSchema = true
	}
}

// Writer encodes change records into a changeset stream.
type Writer struct {
	zw     io.WriteCloser
	bw     *bufio.Writer
	table  *tableShape
	buf    []byte
	rows   int
	closed bool
}

// NewWriter writes the container header to w and returns a Writer for the body.
// Close must be called to flush; it does not close w.
func NewWriter(w io.Writer, opts ...WriterOption) (*Writer, error) {
	var o writerOptions
	for _, opt := range opts {
		opt(&o)
	}

	h := header{version: formatVersion, compression: o.compression}
	if o.hasSchema {
		h.flags |= flagSchema
	}
	if err := writeHeader(w, h); err != nil {
		return nil, cserrors.NewIOError(cserrors.OpWrite, err)
	}
	zw, err := compressor(w, o.compression)
	if err != nil {
		return nil, cserrors.NewValidationError(cserrors.OpWrite, err)
	}

	cw := &Writer{zw: zw, bw: bufio.NewWriter(zw)}
	if o.hasSchema {
		cw.buf = appendVarint(cw.buf[:0], uint64(len(o.schema)))
		cw.buf = append(cw.buf, o.schema...)
		if _, err := cw.bw.Write(cw.buf); err != nil {
			return nil, cserrors.NewIOError(cserrors.OpWrite, err)
		}
	}
	return cw, nil
}

// Write appends one record. Consecutive records of the same table share a
// table header.
func (w *Writer) Write(rec *ChangeRecord) error {
	if w.closed {
		return cserrors.NewValidationError(cserrors.OpWrite, errors.New("writer is closed"))
	}
	if err := rec.Validate(); err != nil {
		return cserrors.NewValidationError(cserrors.OpWrite, err)
	}

	w.buf = w.buf[:0]
	if w.table == nil || w.table.name != rec.Table || w.table.columns != rec.Columns || !slices.Equal(w.table.pk, rec.PrimaryKey) {
		w.table = &tableShape{name: rec.Table, columns: rec.Columns, pk: slices.Clone(rec.PrimaryKey)}
		w.buf = append(w.buf, tableMarker)
		w.buf = appendVarint(w.buf, uint64(rec.Columns))
		for i := 0; i < rec.Columns; i++ {
			if rec.IsPrimaryKey(i) {
				w.buf = append(w.buf, byte(slices.Index(rec.PrimaryKey, i)+1))
			} else {
				w.buf = append(w.buf, 0)
			}
		}
		w.buf = append(w.buf, rec.Table...)
		w.buf = append(w.buf, 0)
	}

	w.buf = append(w.buf, byte(rec.Op))
	if rec.Indirect {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	if rec.Op != OpInsert {
		for _, v := range rec.Old {
			w.buf = appendValue(w.buf, v)
		}
	}
	if rec.Op != OpDelete {
		for _, v := range rec.New {
			w.buf = appendValue(w.buf, v)
		}
	}

	if _, err := w.bw.Write(w.buf); err != nil {
		return cserrors.NewIOError(cserrors.OpWrite, err)
	}
	w.rows++
	return nil
}

// Rows returns the number of records written.
func (w *Writer) Rows() int { return w.rows }

// Close flushes buffered data and finishes the compressed stream.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		return cserrors.NewIOError(cserrors.OpWrite, err)
	}
	if err := w.zw.Close(); err != nil {
		return cserrors.NewIOError(cserrors.OpWrite, err)
	}
	return nil
}

// Encode writes records into an in-memory changeset.
func Encode(records []*ChangeRecord, opts ...WriterOption) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, opts...)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes records into a changeset file at path.
func WriteFile(path string, records []*ChangeRecord, opts ...WriterOption) error {
	data, err := Encode(records, opts...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cserrors.NewIOError(cserrors.OpWrite, err)
	}
	return nil
}

// Invert copies the remaining rows of src into dst in reversed form.
func Invert(dst io.Writer, src *Reader, opts ...WriterOption) error {
	if _, ok := src.SchemaChanges(); ok {
		return cserrors.NewValidationError(cserrors.OpWrite, ErrSchemaNotInvertible)
	}
	w, err := NewWriter(dst, append([]WriterOption{WithCompression(src.Compression())}, opts...)...)
	if err != nil {
		return err
	}
	for rec, err := range src.All() {
		if err != nil {
			return err
		}
		out := rec
		if !src.Inverted() {
			out = rec.Invert()
		}
		if err := w.Write(out); err != nil {
			return fmt.Errorf("inverting %s: %w", rec, err)
		}
	}
	return w.Close()
}
