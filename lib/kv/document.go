package kv

import (
	"github.com/litcodeur/luminardb/lib/util"
)

// --------------------------------------------------------------------------
// Document and Row Types
// --------------------------------------------------------------------------

// Document is an opaque JSON-ish object. Values are scalars
// (string/number/bool/nil), []any, or nested map[string]any.
type Document = map[string]any

// Row couples a document with its primary key. Rows are stored physically as
// {key, value} so the raw record carries the key independently of the value.
type Row struct {
	Key   Key
	Value Document
}

// CloneRow deep-copies a row.
func CloneRow(r Row) Row {
	return Row{Key: r.Key, Value: util.CloneDocument(r.Value)}
}

// --------------------------------------------------------------------------
// Scalar Comparison
// --------------------------------------------------------------------------

// CompareScalars compares two scalar values (string or number) for index
// ordering. The boolean is false when the values are not comparable
// (mixed or non-scalar types), in which case callers must treat the pair
// as not matching any range.
func CompareScalars(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	af, aok := util.ToFloat64(a)
	bf, bok := util.ToFloat64(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

// IsScalar reports whether v is an indexable scalar (string or number).
func IsScalar(v any) bool {
	if _, ok := v.(string); ok {
		return true
	}
	_, ok := util.ToFloat64(v)
	return ok
}

// --------------------------------------------------------------------------
// Range Descriptor
// --------------------------------------------------------------------------

// Bound is one end of a Range. A nil Value means the range is unbounded on
// that side.
type Bound struct {
	Value any
	Open  bool // true: exclusive, false: inclusive
}

// Range describes a contiguous scalar interval, suitable for driving a
// secondary-index scan. The zero Range is unbounded on both sides.
type Range struct {
	Lower *Bound
	Upper *Bound
}

// Contains reports whether v lies inside the range. Values that are not
// comparable with a bound (mixed types) are outside the range.
func (r Range) Contains(v any) bool {
	if r.Lower != nil {
		c, ok := CompareScalars(v, r.Lower.Value)
		if !ok || c < 0 || (c == 0 && r.Lower.Open) {
			return false
		}
	}
	if r.Upper != nil {
		c, ok := CompareScalars(v, r.Upper.Value)
		if !ok || c > 0 || (c == 0 && r.Upper.Open) {
			return false
		}
	}
	return true
}
