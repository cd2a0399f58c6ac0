package query

import (
	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
)

// --------------------------------------------------------------------------
// Query Options
// --------------------------------------------------------------------------

// Method selects the read shape of a query.
type Method string

const (
	MethodGet    Method = "get"
	MethodGetAll Method = "getAll"
)

// Option is the identity of a reactive query: a document lookup
// ({get, collection, key}) or a collection scan
// ({getAll, collection, optional filter}).
type Option struct {
	Method         Method
	CollectionName string
	Key            kv.Key               // MethodGet
	Filter         *condition.Condition // MethodGetAll, optional
}

// Get builds a document query option.
func Get(collection string, key kv.Key) Option {
	return Option{Method: MethodGet, CollectionName: collection, Key: key}
}

// GetAll builds a collection query option with an optional filter.
func GetAll(collection string, filter *condition.Condition) Option {
	return Option{Method: MethodGetAll, CollectionName: collection, Filter: filter}
}

// Hash returns the canonical identity of the option. Structurally equal
// options (same method, collection, key, filter) hash identically.
func (o Option) Hash() string {
	repr := map[string]any{
		"method":         string(o.Method),
		"collectionName": o.CollectionName,
	}
	if o.Method == MethodGet {
		repr["key"] = o.Key.Value()
	}
	if o.Filter != nil {
		repr["filter"] = map[string]any{
			"field":      o.Filter.Field,
			"comparator": string(o.Filter.Comparator),
			"value":      o.Filter.Value,
		}
	}
	return util.HashObject(repr)
}
