package changeset

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind is the storage class of a column value. The numeric values are
// the type bytes used on the wire.
type ValueKind uint8

const (
	// KindUndefined marks a column that carries no value in this stage,
	// e.g. the old image of an Insert or an unchanged column of an Update.
	KindUndefined ValueKind = 0
	KindInteger   ValueKind = 1
	KindReal      ValueKind = 2
	KindText      ValueKind = 3
	KindBlob      ValueKind = 4
	KindNull      ValueKind = 5
)

func (k ValueKind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindNull:
		return "null"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single typed column value. The zero Value is undefined.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	b    []byte
}

// Null returns the SQL NULL value.
func Null() Value { return Value{kind: KindNull} }

// Integer returns an integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, i: i} }

// Real returns a floating point value.
func Real(f float64) Value { return Value{kind: KindReal, f: f} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, b: []byte(s)} }

// Blob returns a blob value. The slice is copied.
func Blob(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindBlob, b: bytes.Clone(b)}
}

func (v Value) Kind() ValueKind { return v.kind }

// Defined reports whether the value is present in its stage.
func (v Value) Defined() bool { return v.kind != KindUndefined }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Int returns the integer payload; reals are truncated.
func (v Value) Int() int64 {
	if v.kind == KindReal {
		return int64(v.f)
	}
	return v.i
}

// Float returns the real payload; integers are widened.
func (v Value) Float() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.f
}

// Text returns the text payload, or the blob bytes as a string.
func (v Value) Text() string {
	if v.kind == KindText || v.kind == KindBlob {
		return string(v.b)
	}
	return ""
}

// Bytes returns the text or blob payload. The caller must not modify it.
func (v Value) Bytes() []byte {
	if v.kind == KindText || v.kind == KindBlob {
		return v.b
	}
	return nil
}

// Equal reports whether two values have the same storage class and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.i == o.i
	case KindReal:
		return v.f == o.f
	case KindText, KindBlob:
		return bytes.Equal(v.b, o.b)
	default:
		return true
	}
}

// Compare orders values the way SQLite orders mixed storage classes:
// undefined < NULL < numbers < text < blob.
func (v Value) Compare(o Value) int {
	rank := func(k ValueKind) int {
		switch k {
		case KindUndefined:
			return 0
		case KindNull:
			return 1
		case KindInteger, KindReal:
			return 2
		case KindText:
			return 3
		default:
			return 4
		}
	}
	if c := cmp.Compare(rank(v.kind), rank(o.kind)); c != 0 {
		return c
	}
	switch v.kind {
	case KindInteger, KindReal:
		if v.kind == KindInteger && o.kind == KindInteger {
			return cmp.Compare(v.i, o.i)
		}
		return cmp.Compare(v.Float(), o.Float())
	case KindText, KindBlob:
		return bytes.Compare(v.b, o.b)
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "<undefined>"
	case KindNull:
		return "NULL"
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindText:
		return strconv.Quote(string(v.b))
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.b)
	default:
		return v.kind.String()
	}
}

// SQLValue converts the value to a database/sql argument. Undefined maps to nil.
func (v Value) SQLValue() any {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindReal:
		return v.f
	case KindText:
		return string(v.b)
	case KindBlob:
		return v.b
	default:
		return nil
	}
}

// FromSQL converts a value scanned by database/sql into a Value.
func FromSQL(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(x), nil
	case int:
		return Integer(int64(x)), nil
	case int32:
		return Integer(int64(x)), nil
	case bool:
		if x {
			return Integer(1), nil
		}
		return Integer(0), nil
	case float64:
		return Real(x), nil
	case float32:
		return Real(float64(x)), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(x), nil
	case time.Time:
		return Text(x.UTC().Format(time.RFC3339Nano)), nil
	default:
		return Value{}, fmt.Errorf("unsupported column value type %T", src)
	}
}

func float64bits(f float64) uint64     { return math.Float64bits(f) }
func float64frombits(u uint64) float64 { return math.Float64frombits(u) }
