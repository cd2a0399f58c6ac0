package kv

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/litcodeur/luminardb/lib/util"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Key Type
// --------------------------------------------------------------------------

type keyKind uint8

const (
	keyKindZero keyKind = iota
	keyKindInt
	keyKindString
)

// Key is the primary key of a row: either a string or an integer.
// The zero Key is invalid and reports IsZero.
//
// Ordering: integer keys sort before string keys; integers numerically,
// strings lexicographically. Encode preserves this order byte-wise.
type Key struct {
	kind keyKind
	str  string
	num  int64
}

// IntKey creates an integer key.
func IntKey(n int64) Key {
	return Key{kind: keyKindInt, num: n}
}

// StringKey creates a string key.
func StringKey(s string) Key {
	return Key{kind: keyKindString, str: s}
}

// KeyFromValue builds a Key from a dynamically-typed value as found in
// decoded JSON or CBOR payloads (string or any numeric type).
func KeyFromValue(v any) (Key, error) {
	switch t := v.(type) {
	case Key:
		return t, nil
	case string:
		return StringKey(t), nil
	default:
		if n, ok := util.ToInt64(v); ok {
			return IntKey(n), nil
		}
		return Key{}, errors.Errorf("kv: unsupported key type %T", v)
	}
}

// IsZero reports whether k is the invalid zero key.
func (k Key) IsZero() bool {
	return k.kind == keyKindZero
}

// IsInt reports whether k is an integer key.
func (k Key) IsInt() bool {
	return k.kind == keyKindInt
}

// Int returns the integer value of an integer key (0 otherwise).
func (k Key) Int() int64 {
	return k.num
}

// Value returns the key as a dynamically-typed value (string or int64),
// suitable for embedding in serialized envelopes.
func (k Key) Value() any {
	switch k.kind {
	case keyKindInt:
		return k.num
	case keyKindString:
		return k.str
	default:
		return nil
	}
}

// String returns a printable representation of the key.
func (k Key) String() string {
	switch k.kind {
	case keyKindInt:
		return strconv.FormatInt(k.num, 10)
	case keyKindString:
		return k.str
	default:
		return "<zero>"
	}
}

// Compare totally orders keys: integers before strings, then by value.
func (k Key) Compare(other Key) int {
	if k.kind != other.kind {
		if k.kind < other.kind {
			return -1
		}
		return 1
	}
	switch k.kind {
	case keyKindInt:
		switch {
		case k.num < other.num:
			return -1
		case k.num > other.num:
			return 1
		default:
			return 0
		}
	case keyKindString:
		return strings.Compare(k.str, other.str)
	default:
		return 0
	}
}

// --------------------------------------------------------------------------
// Order-Preserving Binary Encoding
// --------------------------------------------------------------------------

const (
	keyTagInt    byte = 0x01
	keyTagString byte = 0x02
)

// Encode returns an order-preserving binary encoding of the key: a tag byte
// (integers < strings) followed by a big-endian sign-flipped int64 or the raw
// string bytes. Comparing encodings byte-wise equals Compare.
func (k Key) Encode() []byte {
	switch k.kind {
	case keyKindInt:
		buf := make([]byte, 9)
		buf[0] = keyTagInt
		// flip the sign bit so negative numbers sort first
		binary.BigEndian.PutUint64(buf[1:], uint64(k.num)^(1<<63))
		return buf
	case keyKindString:
		buf := make([]byte, 1+len(k.str))
		buf[0] = keyTagString
		copy(buf[1:], k.str)
		return buf
	default:
		return nil
	}
}

// DecodeKey reverses Encode.
func DecodeKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, errors.New("kv: empty key encoding")
	}
	switch b[0] {
	case keyTagInt:
		if len(b) != 9 {
			return Key{}, errors.Errorf("kv: malformed int key encoding (%d bytes)", len(b))
		}
		return IntKey(int64(binary.BigEndian.Uint64(b[1:]) ^ (1 << 63))), nil
	case keyTagString:
		return StringKey(string(b[1:])), nil
	default:
		return Key{}, fmt.Errorf("kv: unknown key tag 0x%02x", b[0])
	}
}
