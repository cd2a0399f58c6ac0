package condition

import (
	"fmt"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Comparator
// --------------------------------------------------------------------------

// Comparator is one of the five supported single-field comparison operators.
type Comparator string

const (
	Eq  Comparator = "eq"
	Gt  Comparator = "gt"
	Gte Comparator = "gte"
	Lt  Comparator = "lt"
	Lte Comparator = "lte"
)

func (c Comparator) valid() bool {
	switch c {
	case Eq, Gt, Gte, Lt, Lte:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Condition
// --------------------------------------------------------------------------

// ErrMalformed is returned when a where clause does not contain exactly one
// field with exactly one comparator, or uses an unknown comparator or a
// non-scalar comparison value.
var ErrMalformed = errors.New("condition: where clause must contain exactly one field and exactly one comparator")

// Condition is a single-field filter {field, comparator, value}.
type Condition struct {
	Field      string     `json:"field"`
	Comparator Comparator `json:"comparator"`
	Value      any        `json:"value"`
}

// New builds a Condition, validating the comparator and value type.
func New(field string, cmp Comparator, value any) (*Condition, error) {
	if field == "" || !cmp.valid() {
		return nil, ErrMalformed
	}
	if !kv.IsScalar(value) {
		return nil, errors.Wrapf(ErrMalformed, "value of type %T is not a scalar", value)
	}
	return &Condition{Field: field, Comparator: cmp, Value: value}, nil
}

// FromWhere builds a Condition from a where clause of the form
// {field: {comparator: value}}. The clause must contain exactly one field
// and exactly one comparator.
func FromWhere(where map[string]map[string]any) (*Condition, error) {
	if len(where) != 1 {
		return nil, ErrMalformed
	}
	for field, clause := range where {
		if len(clause) != 1 {
			return nil, ErrMalformed
		}
		for cmp, value := range clause {
			return New(field, Comparator(cmp), value)
		}
	}
	return nil, ErrMalformed
}

// Range returns the range descriptor equivalent to the condition, suitable
// for driving a secondary-index scan.
func (c *Condition) Range() kv.Range {
	b := &kv.Bound{Value: c.Value}
	switch c.Comparator {
	case Eq:
		return kv.Range{Lower: b, Upper: &kv.Bound{Value: c.Value}}
	case Gt:
		return kv.Range{Lower: &kv.Bound{Value: c.Value, Open: true}}
	case Gte:
		return kv.Range{Lower: b}
	case Lt:
		return kv.Range{Upper: &kv.Bound{Value: c.Value, Open: true}}
	case Lte:
		return kv.Range{Upper: b}
	default:
		return kv.Range{}
	}
}

// Satisfies reports whether the document matches the condition. A missing
// field or a field of a type not comparable with the condition's value never
// matches, mirroring the index scan which would not surface the row.
func (c *Condition) Satisfies(doc kv.Document) bool {
	if doc == nil {
		return false
	}
	v, ok := doc[c.Field]
	if !ok {
		return false
	}
	cmp, ok := kv.CompareScalars(v, c.Value)
	if !ok {
		return false
	}
	switch c.Comparator {
	case Eq:
		return cmp == 0
	case Gt:
		return cmp > 0
	case Gte:
		return cmp >= 0
	case Lt:
		return cmp < 0
	case Lte:
		return cmp <= 0
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (c *Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Comparator, c.Value)
}
