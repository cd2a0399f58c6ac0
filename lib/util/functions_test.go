package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashObjectKeyOrderIndependence(t *testing.T) {
	a := map[string]any{
		"method":         "getAll",
		"collectionName": "todo",
		"filter":         map[string]any{"field": "status", "comparator": "eq", "value": "incomplete"},
	}
	b := map[string]any{
		"filter":         map[string]any{"value": "incomplete", "field": "status", "comparator": "eq"},
		"collectionName": "todo",
		"method":         "getAll",
	}
	assert.Equal(t, HashObject(a), HashObject(b))
}

func TestHashObjectDistinguishesValues(t *testing.T) {
	cases := [][2]any{
		{map[string]any{"a": 1}, map[string]any{"a": 2}},
		{map[string]any{"a": 1}, map[string]any{"b": 1}},
		{map[string]any{"a": "1"}, map[string]any{"a": 1}},
		{map[string]any{"a": true}, map[string]any{"a": "true"}},
		{[]any{"a", "b"}, []any{"b", "a"}},
		{map[string]any{"a": nil}, map[string]any{}},
	}
	for _, c := range cases {
		assert.NotEqual(t, HashObject(c[0]), HashObject(c[1]), "%v vs %v", c[0], c[1])
	}
}

func TestHashObjectNumericNormalization(t *testing.T) {
	// decoders disagree about integer types; the hash must not
	assert.Equal(t, HashObject(map[string]any{"n": int64(2)}), HashObject(map[string]any{"n": float64(2)}))
	assert.Equal(t, HashObject(map[string]any{"n": uint64(7)}), HashObject(map[string]any{"n": 7}))
}

func TestIncrementingTimestampIsStrictlyIncreasing(t *testing.T) {
	prev := IncrementingTimestamp()
	for i := 0; i < 1000; i++ {
		next := IncrementingTimestamp()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestMergeShallow(t *testing.T) {
	base := map[string]any{"title": "a", "status": "incomplete"}
	delta := map[string]any{"title": "b"}

	merged := MergeShallow(base, delta)
	assert.Equal(t, map[string]any{"title": "b", "status": "incomplete"}, merged)

	// inputs stay untouched
	assert.Equal(t, "a", base["title"])
	assert.Equal(t, map[string]any{"title": "b"}, delta)

	// nested values are copied, not aliased
	src := map[string]any{"meta": map[string]any{"x": 1}}
	merged = MergeShallow(nil, src)
	merged["meta"].(map[string]any)["x"] = 2
	assert.Equal(t, 1, src["meta"].(map[string]any)["x"], "unexpected aliasing")
}

func TestExtractFields(t *testing.T) {
	src := map[string]any{"title": "server", "status": "done", "rank": 3}
	fields := map[string]any{"title": "ignored", "missing": true}
	assert.Equal(t, map[string]any{"title": "server"}, ExtractFields(src, fields))
}
