package changeset

import (
	"bufio"
	"bytes"
	"io"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

func sampleRecords() []*ChangeRecord {
	return []*ChangeRecord{
		{
			Table: "parent", Columns: 3, PrimaryKey: []int{0}, Op: OpInsert,
			New: []Value{Integer(1), Text("p1"), Real(1.5)},
		},
		{
			Table: "parent", Columns: 3, PrimaryKey: []int{0}, Op: OpUpdate,
			Old: []Value{Integer(2), Text("old"), {}},
			New: []Value{{}, Text("new"), {}},
		},
		{
			Table: "child", Columns: 2, PrimaryKey: []int{0, 1}, Op: OpDelete, Indirect: true,
			Old: []Value{Integer(5), Blob([]byte{1, 2, 3})},
		},
		{
			Table: "parent", Columns: 3, PrimaryKey: []int{0}, Op: OpDelete,
			Old: []Value{Integer(3), Null(), Real(-2)},
		},
	}
}

func assertSameRecord(t *testing.T, want, got *ChangeRecord) {
	t.Helper()
	assert.Equal(t, want.Table, got.Table)
	assert.Equal(t, want.Columns, got.Columns)
	assert.Equal(t, want.PrimaryKey, got.PrimaryKey)
	assert.Equal(t, want.Op, got.Op)
	assert.Equal(t, want.Indirect, got.Indirect)
	for i := 0; i < want.Columns; i++ {
		for _, stage := range []Stage{StageOld, StageNew} {
			wv, wok := want.Value(i, stage)
			gv, gok := got.Value(i, stage)
			assert.Equal(t, wok, gok, "column %d %s presence", i, stage)
			assert.True(t, wv.Equal(gv), "column %d %s: want %s got %s", i, stage, wv, gv)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			data, err := Encode(sampleRecords(), WithCompression(c))
			require.NoError(t, err)

			r, err := OpenBytes(data)
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, c, r.Compression())
			_, hasSchema := r.SchemaChanges()
			assert.False(t, hasSchema)

			got, err := r.ReadAll()
			require.NoError(t, err)
			want := sampleRecords()
			require.Len(t, got, len(want))
			for i := range want {
				assertSameRecord(t, want[i], got[i])
			}
			assert.Equal(t, len(want), r.RowsRead())
		})
	}
}

func TestReaderAccessors(t *testing.T) {
	data, err := Encode(sampleRecords())
	require.NoError(t, err)
	r, err := OpenBytes(data)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Record()
	assert.ErrorIs(t, err, ErrNoRow)
	_, ok := r.Value(0, StageNew)
	assert.False(t, ok)

	res, err := r.Step()
	require.NoError(t, err)
	require.Equal(t, StepRow, res)

	assert.Equal(t, "parent", r.TableName())
	assert.Equal(t, OpInsert, r.OpCode())
	assert.False(t, r.IsIndirectChange())
	assert.Equal(t, 3, r.ColumnCount())
	assert.Equal(t, []int{0}, r.PrimaryKeyColumnIndexes())

	v, ok := r.Value(1, StageNew)
	require.True(t, ok)
	assert.Equal(t, "p1", v.Text())

	// insert carries no old image
	_, ok = r.Value(1, StageOld)
	assert.False(t, ok)
	_, ok = r.Value(7, StageNew)
	assert.False(t, ok)
	_, ok = r.Value(-1, StageNew)
	assert.False(t, ok)
	_, ok = r.Value(0, StageLocal)
	assert.False(t, ok)

	row := r.Row()
	require.Len(t, row, 3)
	assert.False(t, row[0].Old.Defined())
	assert.Equal(t, int64(1), row[0].New.Int())

	for {
		res, err := r.Step()
		require.NoError(t, err)
		if res == StepDone {
			break
		}
	}
	res, err = r.Step()
	require.NoError(t, err)
	assert.Equal(t, StepDone, res)
}

func TestReaderInvert(t *testing.T) {
	data, err := Encode(sampleRecords())
	require.NoError(t, err)

	r, err := OpenBytes(data, WithInvert())
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.Inverted())

	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, OpDelete, got[0].Op)
	v, ok := got[0].Value(1, StageOld)
	require.True(t, ok)
	assert.Equal(t, "p1", v.Text())

	assert.Equal(t, OpUpdate, got[1].Op)
	v, _ = got[1].Value(1, StageOld)
	assert.Equal(t, "new", v.Text())
	v, _ = got[1].Value(1, StageNew)
	assert.Equal(t, "old", v.Text())
	pk, ok := got[1].Value(0, StageOld)
	require.True(t, ok)
	assert.Equal(t, int64(2), pk.Int())
	_, ok = got[1].Value(2, StageNew)
	assert.False(t, ok)

	assert.Equal(t, OpInsert, got[2].Op)
	assert.True(t, got[2].Indirect)
	assert.Equal(t, OpInsert, got[3].Op)

	// the source is untouched
	orig, err := OpenBytes(data)
	require.NoError(t, err)
	defer orig.Close()
	first, err := orig.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, OpInsert, first[0].Op)
}

func TestInvertTwiceRestoresRecord(t *testing.T) {
	for _, rec := range sampleRecords() {
		assertSameRecord(t, rec, rec.Invert().Invert())
	}
}

func TestSchemaSection(t *testing.T) {
	ddl := "CREATE TABLE extra(id INTEGER PRIMARY KEY, v TEXT);CREATE INDEX extra_v ON extra(v)"
	data, err := Encode(sampleRecords()[:1], WithSchemaChanges(ddl), WithCompression(CompressionZstd))
	require.NoError(t, err)

	r, err := OpenBytes(data)
	require.NoError(t, err)
	defer r.Close()

	got, ok := r.SchemaChanges()
	require.True(t, ok)
	assert.Equal(t, ddl, got)

	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestInvertToWriter(t *testing.T) {
	data, err := Encode(sampleRecords(), WithCompression(CompressionLZ4))
	require.NoError(t, err)
	src, err := OpenBytes(data)
	require.NoError(t, err)
	defer src.Close()

	var out bytes.Buffer
	require.NoError(t, Invert(&out, src))

	r, err := OpenBytes(out.Bytes())
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, CompressionLZ4, r.Compression())

	got, err := r.ReadAll()
	require.NoError(t, err)
	want := sampleRecords()
	require.Len(t, got, len(want))
	for i := range want {
		assertSameRecord(t, want[i].Invert(), got[i])
	}
}

func TestInvertRejectsSchemaChanges(t *testing.T) {
	data, err := Encode(nil, WithSchemaChanges("CREATE TABLE t(a)"))
	require.NoError(t, err)
	src, err := OpenBytes(data)
	require.NoError(t, err)
	defer src.Close()

	err = Invert(&bytes.Buffer{}, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaNotInvertible)
	assert.ErrorIs(t, err, cserrors.ErrValidation)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c1.cset")
	require.NoError(t, WriteFile(path, sampleRecords(), WithCompression(CompressionZstd)))

	r, err := OpenFile(path)
	require.NoError(t, err)
	recs, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 4)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestOpenMissingFile(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.cset"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cserrors.ErrIO)
	assert.Equal(t, cserrors.CodeIO, cserrors.CodeOf(err))
}

func TestFormatErrors(t *testing.T) {
	valid, err := Encode(sampleRecords())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), valid[4:]...)},
		{"short header", valid[:5]},
		{"unknown version", append([]byte{'B', 'C', 'C', 'S', 9, 0, 0}, valid[7:]...)},
		{"unknown compression", append([]byte{'B', 'C', 'C', 'S', 1, 7, 0}, valid[7:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenBytes(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, cserrors.ErrFormat)
		})
	}
}

func TestCorruptBody(t *testing.T) {
	valid, err := Encode(sampleRecords())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-3]},
		{"garbage byte", append(append([]byte{}, valid[:7]...), 0x01)},
		{"row before table", append(append([]byte{}, valid[:7]...), byte(OpInsert), 0)},
		{"patchset", append(append([]byte{}, valid[:7]...), 'P')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := OpenBytes(tt.data)
			require.NoError(t, err)
			defer r.Close()

			_, err = r.ReadAll()
			require.Error(t, err)
			assert.ErrorIs(t, err, cserrors.ErrFormat)

			// errors are sticky
			_, err = r.Step()
			assert.ErrorIs(t, err, cserrors.ErrFormat)
		})
	}
}

func TestWriterRejectsInvalidRecord(t *testing.T) {
	_, err := Encode([]*ChangeRecord{{Table: "t", Columns: 2, PrimaryKey: []int{0}, Op: OpInsert, New: []Value{Integer(1)}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, cserrors.ErrValidation)

	_, err = Encode([]*ChangeRecord{{Table: "t", Columns: 1, PrimaryKey: []int{0}, Op: OpInsert, New: []Value{{}}}})
	assert.ErrorIs(t, err, cserrors.ErrValidation)
}

func TestOversizedLengthPrefix(t *testing.T) {
	allocated := func(fn func()) uint64 {
		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		fn()
		runtime.ReadMemStats(&after)
		return after.TotalAlloc - before.TotalAlloc
	}

	t.Run("schema section", func(t *testing.T) {
		data := appendVarint([]byte{'B', 'C', 'C', 'S', formatVersion, byte(CompressionNone), flagSchema}, 1<<30)
		var err error
		n := allocated(func() { _, err = OpenBytes(data) })
		require.Error(t, err)
		assert.ErrorIs(t, err, cserrors.ErrFormat)
		assert.Less(t, n, uint64(8<<20))
	})

	t.Run("text value", func(t *testing.T) {
		data := appendVarint([]byte{byte(KindText)}, 1<<29)
		data = append(data, "tiny"...)
		var err error
		n := allocated(func() { _, err = readValue(bufio.NewReader(bytes.NewReader(data))) })
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.Less(t, n, uint64(8<<20))
	})
}
