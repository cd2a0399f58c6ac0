package condition

import (
	"testing"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMalformedConditions(t *testing.T) {
	_, err := New("", Eq, "x")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = New("status", Comparator("neq"), "x")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = New("status", Eq, map[string]any{"nested": true})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = FromWhere(map[string]map[string]any{})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = FromWhere(map[string]map[string]any{
		"status": {"eq": "a", "lt": "b"},
	})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = FromWhere(map[string]map[string]any{
		"status": {"eq": "a"},
		"title":  {"eq": "b"},
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromWhere(t *testing.T) {
	cond, err := FromWhere(map[string]map[string]any{
		"rank": {"gte": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "rank", cond.Field)
	assert.Equal(t, Gte, cond.Comparator)
}

// TestPredicateAgreesWithRange holds the two forms of every condition
// against each other: Satisfies(doc) must equal Range().Contains(doc[field])
// for every comparator, condition value, and field value.
func TestPredicateAgreesWithRange(t *testing.T) {
	comparators := []Comparator{Eq, Gt, Gte, Lt, Lte}
	conditionValues := []any{"m", "", 0, 3, -2.5, 1000.25}
	fieldValues := []any{
		"a", "m", "m2", "z", "",
		-10, -2.5, 0, 2.9999, 3, 3.0001, 1000.25, 99999,
		true, nil, []any{"m"}, map[string]any{"x": 1},
	}

	for _, cmp := range comparators {
		for _, cv := range conditionValues {
			cond, err := New("field", cmp, cv)
			require.NoError(t, err)
			rng := cond.Range()

			for _, fv := range fieldValues {
				doc := kv.Document{"field": fv}
				assert.Equal(t, rng.Contains(fv), cond.Satisfies(doc),
					"condition %s, field value %#v", cond, fv)
			}

			// a missing field matches nothing
			assert.False(t, cond.Satisfies(kv.Document{"other": cv}))
			assert.False(t, cond.Satisfies(nil))
		}
	}
}

func TestRangeBounds(t *testing.T) {
	cond, err := New("rank", Gt, 3)
	require.NoError(t, err)
	rng := cond.Range()
	require.NotNil(t, rng.Lower)
	assert.True(t, rng.Lower.Open)
	assert.Nil(t, rng.Upper)

	cond, err = New("rank", Eq, 3)
	require.NoError(t, err)
	rng = cond.Range()
	require.NotNil(t, rng.Lower)
	require.NotNil(t, rng.Upper)
	assert.False(t, rng.Lower.Open)
	assert.False(t, rng.Upper.Open)
}
