// Package fileprops resolves conflicts on the namespaced key/value property
// table of a briefcase. Incoming values always win; genuine concurrent edits
// are recorded in the session's conflict log so the caller can restore the
// lost local value.
package fileprops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

// TableName is the default property table.
const TableName = "be_Prop"

// HandlerName is the Decision.By and LogEntry.Handler value of this handler.
const HandlerName = "file-property"

// Layout gives the column positions of the property table.
type Layout struct {
	Namespace int
	Name      int
	ID        int
	SubID     int
	StrData   int
	RawSize   int
	Data      int
}

// DefaultLayout matches
//
//	CREATE TABLE be_Prop(Namespace TEXT, Name TEXT, Id INTEGER, SubId INTEGER,
//	  TxnMode INTEGER, StrData TEXT, RawSize INTEGER, Data BLOB,
//	  PRIMARY KEY(Namespace, Name, Id, SubId))
var DefaultLayout = Layout{Namespace: 0, Name: 1, ID: 2, SubID: 3, StrData: 5, RawSize: 6, Data: 7}

// Schema is the DDL of the default property table.
const Schema = `CREATE TABLE be_Prop(
	Namespace TEXT NOT NULL,
	Name TEXT NOT NULL,
	Id INTEGER NOT NULL DEFAULT 0,
	SubId INTEGER NOT NULL DEFAULT 0,
	TxnMode INTEGER NOT NULL DEFAULT 0,
	StrData TEXT,
	RawSize INTEGER,
	Data BLOB,
	PRIMARY KEY(Namespace, Name, Id, SubId))`

// PropertyKey identifies one property.
type PropertyKey struct {
	Namespace string
	Name      string
	ID        int64
	SubID     int64
}

func (k PropertyKey) String() string {
	return fmt.Sprintf("%s/%s/0x%x/0x%x", k.Namespace, k.Name, k.ID, k.SubID)
}

// ParseKey parses the String form of a PropertyKey. The id parts are hex and
// may be omitted.
func ParseKey(s string) (PropertyKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return PropertyKey{}, fmt.Errorf("invalid property key %q", s)
	}
	k := PropertyKey{Namespace: parts[0], Name: parts[1]}
	ids := []*int64{&k.ID, &k.SubID}
	for i, p := range parts[2:] {
		if _, err := fmt.Sscanf(p, "0x%x", ids[i]); err != nil {
			return PropertyKey{}, fmt.Errorf("invalid property key %q: %w", s, err)
		}
	}
	return k, nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithLayout overrides the column positions.
func WithLayout(l Layout) Option { return func(h *Handler) { h.layout = l } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(h *Handler) { h.logger = l } }

// Handler is the property table conflict handler. It keeps no state between
// conflicts; entries go to the Args' session log.
type Handler struct {
	layout Layout
	logger *logging.Logger
}

// New returns a Handler for the default layout.
func New(opts ...Option) *Handler {
	h := &Handler{layout: DefaultLayout}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	h.logger = h.logger.WithComponent("fileprops")
	return h
}

// Resolve implements resolve.Handler.
//
//	Data on Update: local == old or local == new takes the incoming value
//	  silently; a three-way difference takes it and logs the local value.
//	Data on Delete: the incoming delete wins and the local value is logged.
//	NotFound: the row was deleted locally; the incoming change is skipped.
//	Conflict and Constraint: declined.
func (h *Handler) Resolve(ctx context.Context, args *conflict.Args) (conflict.Decision, error) {
	switch args.Cause {
	case conflict.CauseNotFound:
		return h.decide(conflict.Skip), nil
	case conflict.CauseConflict, conflict.CauseConstraint:
		return conflict.Decline(), nil
	}

	key, err := h.Key(args)
	if err != nil {
		return conflict.Decision{}, err
	}

	if args.Op == changeset.OpDelete {
		old, err := h.content(args, changeset.StageOld)
		if err != nil {
			return conflict.Decision{}, err
		}
		local, err := h.content(args, changeset.StageLocal)
		if err != nil {
			return conflict.Decision{}, err
		}
		h.record(ctx, args, key, old.value(), changeset.Value{}, local.value())
		return h.decide(conflict.Replace), nil
	}

	old, err := h.content(args, changeset.StageOld)
	if err != nil {
		return conflict.Decision{}, err
	}
	incoming, err := h.content(args, changeset.StageNew)
	if err != nil {
		return conflict.Decision{}, err
	}
	local, err := h.content(args, changeset.StageLocal)
	if err != nil {
		return conflict.Decision{}, err
	}

	cols := h.compared(args)
	switch {
	case local.equal(old, cols):
	case local.equal(incoming, cols):
	default:
		h.record(ctx, args, key, old.value(), incoming.value(), local.value())
	}
	return h.decide(conflict.Replace), nil
}

func (h *Handler) decide(r conflict.Resolution) conflict.Decision {
	return conflict.Decision{Resolution: r, By: HandlerName}
}

func (h *Handler) record(ctx context.Context, args *conflict.Args, key PropertyKey, old, incoming, local changeset.Value) {
	e := args.Entry(key.String())
	e.Old, e.New, e.Local = old, incoming, local
	e.Resolution = conflict.Replace
	e.Handler = HandlerName
	args.Log.Append(e)

	h.logger.InfoContext(ctx, "property conflict overridden by incoming value",
		slog.String("key", e.Key),
		slog.String("opcode", args.Op.String()),
		slog.Int("changeset_index", args.ChangesetIndex),
	)
}

// Key extracts the property key of the conflicting row.
func (h *Handler) Key(args *conflict.Args) (PropertyKey, error) {
	vals := args.Record.PrimaryKeyValues()
	get := func(col int) (changeset.Value, error) {
		for i, pk := range args.Record.PrimaryKey {
			if pk == col {
				return vals[i], nil
			}
		}
		return changeset.Value{}, fmt.Errorf("column %d of %s is not part of the primary key", col, args.Table)
	}
	var k PropertyKey
	ns, err := get(h.layout.Namespace)
	if err != nil {
		return k, err
	}
	name, err := get(h.layout.Name)
	if err != nil {
		return k, err
	}
	id, err := get(h.layout.ID)
	if err != nil {
		return k, err
	}
	sub, err := get(h.layout.SubID)
	if err != nil {
		return k, err
	}
	k.Namespace, k.Name, k.ID, k.SubID = ns.Text(), name.Text(), id.Int(), sub.Int()
	return k, nil
}

type property struct {
	str  changeset.Value
	data changeset.Value
}

// value is what a log entry shows: the data when present, else the string.
func (p property) value() changeset.Value {
	if p.data.Defined() && !p.data.IsNull() {
		return p.data
	}
	return p.str
}

type comparedColumns struct{ str, data bool }

func (p property) equal(o property, cols comparedColumns) bool {
	if cols.str && !p.str.Equal(o.str) {
		return false
	}
	if cols.data && !p.data.Equal(o.data) {
		return false
	}
	return true
}

// compared selects the value columns an Update changes.
func (h *Handler) compared(args *conflict.Args) comparedColumns {
	var cols comparedColumns
	for _, c := range args.Record.ChangedColumns() {
		switch c {
		case h.layout.StrData:
			cols.str = true
		case h.layout.Data, h.layout.RawSize:
			cols.data = true
		}
	}
	return cols
}

// content reads a property in one stage with its data decompressed. Columns
// an image does not carry fall back to the old image and then the local row,
// which is what the stage holds for them.
func (h *Handler) content(args *conflict.Args, stage changeset.Stage) (property, error) {
	get := func(col int) changeset.Value {
		if v, ok := args.Value(col, stage); ok {
			return v
		}
		if stage == changeset.StageNew {
			if v, ok := args.Value(col, changeset.StageOld); ok {
				return v
			}
		}
		v, _ := args.Value(col, changeset.StageLocal)
		return v
	}

	p := property{str: get(h.layout.StrData), data: get(h.layout.Data)}
	if p.data.Kind() == changeset.KindBlob {
		raw, err := Decompress(p.data.Bytes(), get(h.layout.RawSize).Int())
		if err != nil {
			return property{}, fmt.Errorf("property %s data: %w", stage, err)
		}
		p.data = changeset.Blob(raw)
	}
	return p, nil
}

// Conflicts returns the entries this handler recorded in log.
func (h *Handler) Conflicts(log *conflict.Log) []conflict.LogEntry {
	var out []conflict.LogEntry
	for _, e := range log.Entries() {
		if e.Handler == HandlerName {
			out = append(out, e)
		}
	}
	return out
}

// Compress encodes property data the way it is stored: zlib-compressed with
// the uncompressed size alongside. Data shorter than minCompressSize is
// stored as is with a zero size.
func Compress(raw []byte) ([]byte, int64, error) {
	if len(raw) < minCompressSize {
		return raw, 0, nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), int64(len(raw)), nil
}

const minCompressSize = 100

// Decompress reverses Compress. A zero rawSize means the data is stored
// uncompressed.
func Decompress(data []byte, rawSize int64) ([]byte, error) {
	if rawSize <= 0 {
		return data, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	buf := bytes.NewBuffer(make([]byte, 0, min(rawSize, 1<<20)))
	if _, err := io.Copy(buf, io.LimitReader(zr, rawSize+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) != rawSize {
		return nil, fmt.Errorf("decompressed %d bytes, want %d", buf.Len(), rawSize)
	}
	return buf.Bytes(), nil
}
