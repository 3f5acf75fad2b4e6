package aggregate

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
)

// Point3d is a point in model space.
type Point3d [3]float64

// Range3d is an axis-aligned box. A range with Low greater than High on any
// axis is null and absorbed by Union.
type Range3d struct {
	Low  Point3d `json:"low"`
	High Point3d `json:"high"`
}

// NullRange returns the empty range.
func NullRange() Range3d {
	inf := math.Inf(1)
	return Range3d{Low: Point3d{inf, inf, inf}, High: Point3d{-inf, -inf, -inf}}
}

// IsNull reports whether r contains no points.
func (r Range3d) IsNull() bool {
	for i := range 3 {
		if r.Low[i] > r.High[i] {
			return true
		}
	}
	return false
}

// Union returns the smallest range containing both r and o.
func (r Range3d) Union(o Range3d) Range3d {
	if r.IsNull() {
		return o
	}
	if o.IsNull() {
		return r
	}
	var out Range3d
	for i := range 3 {
		out.Low[i] = math.Min(r.Low[i], o.Low[i])
		out.High[i] = math.Max(r.High[i], o.High[i])
	}
	return out
}

func (r Range3d) String() string {
	return fmt.Sprintf("[%g,%g,%g]-[%g,%g,%g]", r.Low[0], r.Low[1], r.Low[2], r.High[0], r.High[1], r.High[2])
}

// ParseRange decodes a range stored as JSON text or blob.
func ParseRange(v changeset.Value) (Range3d, error) {
	var r Range3d
	if err := json.Unmarshal(v.Bytes(), &r); err != nil {
		return Range3d{}, fmt.Errorf("decoding range %s: %w", v, err)
	}
	return r, nil
}

// Encode encodes r as JSON text. A null range has no finite encoding and
// becomes NULL. Non-finite coordinates of a non-null range are an error.
func (r Range3d) Encode() (changeset.Value, error) {
	if r.IsNull() {
		return changeset.Null(), nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return changeset.Value{}, fmt.Errorf("encoding range %s: %w", r, err)
	}
	return changeset.Text(string(b)), nil
}

// Value is Encode for ranges with finite coordinates. It panics otherwise.
func (r Range3d) Value() changeset.Value {
	v, err := r.Encode()
	if err != nil {
		panic(err)
	}
	return v
}

// RangeUnion merges range columns into the union of every stage that holds
// a range. NULL and undefined stages are ignored.
func RangeUnion(old, incoming, local changeset.Value) (changeset.Value, error) {
	acc := NullRange()
	for _, v := range []changeset.Value{old, incoming, local} {
		if !v.Defined() || v.IsNull() {
			continue
		}
		r, err := ParseRange(v)
		if err != nil {
			return changeset.Value{}, err
		}
		acc = acc.Union(r)
	}
	return acc.Encode()
}
