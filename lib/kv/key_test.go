package kv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	ordered := []Key{
		IntKey(-100), IntKey(-1), IntKey(0), IntKey(1), IntKey(1 << 40),
		StringKey(""), StringKey("a"), StringKey("a0"), StringKey("b"),
	}
	for i := 0; i < len(ordered)-1; i++ {
		a, b := ordered[i], ordered[i+1]
		assert.Negative(t, a.Compare(b), "%s < %s", a, b)
		assert.Positive(t, b.Compare(a))
		assert.Zero(t, a.Compare(a))

		// the binary encoding preserves the order byte-wise
		assert.Negative(t, bytes.Compare(a.Encode(), b.Encode()), "encodings of %s and %s", a, b)
	}
}

func TestKeyEncodeRoundTrip(t *testing.T) {
	for _, k := range []Key{IntKey(-5), IntKey(0), IntKey(123456789), StringKey(""), StringKey("hello")} {
		decoded, err := DecodeKey(k.Encode())
		require.NoError(t, err)
		assert.Zero(t, k.Compare(decoded))
	}

	_, err := DecodeKey(nil)
	assert.Error(t, err)
	_, err = DecodeKey([]byte{0x7f, 0x01})
	assert.Error(t, err)
}

func TestKeyFromValue(t *testing.T) {
	k, err := KeyFromValue("abc")
	require.NoError(t, err)
	assert.Equal(t, StringKey("abc"), k)

	// decoders produce different numeric types for the same wire key
	for _, v := range []any{int64(7), float64(7), uint64(7), 7} {
		k, err := KeyFromValue(v)
		require.NoError(t, err)
		assert.Equal(t, IntKey(7), k)
	}

	_, err = KeyFromValue(map[string]any{})
	assert.Error(t, err)

	zero := Key{}
	assert.True(t, zero.IsZero())
	assert.False(t, IntKey(0).IsZero())
}

func TestCompareScalars(t *testing.T) {
	cases := []struct {
		a, b any
		want int
		ok   bool
	}{
		{"a", "b", -1, true},
		{"b", "a", 1, true},
		{"a", "a", 0, true},
		{1, 2, -1, true},
		{2.5, 2, 1, true},
		{int64(3), float64(3), 0, true},
		{"1", 1, 0, false},
		{true, 1, 0, false},
	}
	for _, c := range cases {
		got, ok := CompareScalars(c.a, c.b)
		assert.Equal(t, c.ok, ok, "%v vs %v", c.a, c.b)
		if ok {
			assert.Equal(t, c.want, got, "%v vs %v", c.a, c.b)
		}
	}
}
