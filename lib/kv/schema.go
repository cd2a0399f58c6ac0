package kv

// --------------------------------------------------------------------------
// Reserved Collections
// --------------------------------------------------------------------------

const (
	// CollectionMutations is the reserved append-only mutation log. Keys are
	// auto-incrementing integers. Never visible through public reactive
	// collections.
	CollectionMutations = "__mutations"

	// CollectionMeta is the reserved metadata collection (pull cursor,
	// advisory locks). Keys are strings.
	CollectionMeta = "__meta"
)

// IsReservedCollection reports whether name is one of the internal
// collections that must never surface through user-facing queries or CDC.
func IsReservedCollection(name string) bool {
	return name == CollectionMutations || name == CollectionMeta
}

// --------------------------------------------------------------------------
// Collection Metadata
// --------------------------------------------------------------------------

// IndexSchema declares a secondary index over a top-level scalar field of
// the document value. The index is stored under the path "value.<Field>".
type IndexSchema struct {
	Field string `json:"field"`

	// Unique rejects two rows carrying the same indexed value.
	Unique bool `json:"unique,omitempty"`

	// MultiEntry indexes each element of an array-valued field separately.
	MultiEntry bool `json:"multiEntry,omitempty"`
}

// CollectionSchema declares a named container of documents and its secondary
// indexes.
type CollectionSchema struct {
	Name    string        `json:"name"`
	Indexes []IndexSchema `json:"indexes,omitempty"`

	// AutoIncrement assigns integer keys on insert when the caller passes a
	// zero key. Reserved for the internal mutation log; user collections are
	// explicit-key.
	AutoIncrement bool `json:"autoIncrement,omitempty"`
}

// Index returns the index schema for field, if declared.
func (c CollectionSchema) Index(field string) (IndexSchema, bool) {
	for _, idx := range c.Indexes {
		if idx.Field == field {
			return idx, true
		}
	}
	return IndexSchema{}, false
}

// ReservedSchemas returns the schemas of the two internal collections every
// engine creates on initialization.
func ReservedSchemas() []CollectionSchema {
	return []CollectionSchema{
		{Name: CollectionMutations, AutoIncrement: true},
		{Name: CollectionMeta},
	}
}

// IndexedValues extracts the values a row contributes to an index: the field
// value itself, or each scalar element for a multi-entry array field. Missing
// fields and non-scalar values contribute nothing.
func IndexedValues(idx IndexSchema, value Document) []any {
	v, ok := value[idx.Field]
	if !ok || v == nil {
		return nil
	}
	if idx.MultiEntry {
		arr, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]any, 0, len(arr))
		for _, e := range arr {
			if IsScalar(e) {
				out = append(out, e)
			}
		}
		return out
	}
	if !IsScalar(v) {
		return nil
	}
	return []any{v}
}
