package pebbledb

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// CBOR Codec
// --------------------------------------------------------------------------

var (
	em cbor.EncMode
	dm cbor.DecMode
)

func init() {
	var err error
	em, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// encodeDocument serializes a document row value.
func encodeDocument(doc kv.Document) ([]byte, error) {
	b, err := em.Marshal(doc)
	return b, errors.Wrap(err, "pebbledb: encode document")
}

// decodeDocument deserializes a document row value.
func decodeDocument(b []byte) (kv.Document, error) {
	var doc kv.Document
	if err := dm.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "pebbledb: decode document")
	}
	return doc, nil
}

// --------------------------------------------------------------------------
// Keyspace Encoding
// --------------------------------------------------------------------------

const (
	prefixDoc    = "d/"
	prefixIndex  = "i/"
	prefixSeq    = "s/"
	prefixSchema = "c/"

	sep byte = 0x00
)

// docKey builds the storage key of a document row.
func docKey(collection string, key kv.Key) []byte {
	enc := key.Encode()
	out := make([]byte, 0, len(prefixDoc)+len(collection)+1+len(enc))
	out = append(out, prefixDoc...)
	out = append(out, collection...)
	out = append(out, sep)
	out = append(out, enc...)
	return out
}

// docPrefix is the common prefix of every row of a collection.
func docPrefix(collection string) []byte {
	out := make([]byte, 0, len(prefixDoc)+len(collection)+1)
	out = append(out, prefixDoc...)
	out = append(out, collection...)
	out = append(out, sep)
	return out
}

// indexEntryKey builds the storage key of one secondary index entry.
func indexEntryKey(collection, field string, scalar any, key kv.Key) []byte {
	out := indexValuePrefix(collection, field, scalar)
	out = append(out, key.Encode()...)
	return out
}

// indexValuePrefix is the common prefix of every entry of an index holding
// the given scalar value.
func indexValuePrefix(collection, field string, scalar any) []byte {
	out := indexPrefix(collection, field)
	out = append(out, encodeScalar(scalar)...)
	out = append(out, sep)
	return out
}

// indexPrefix is the common prefix of every entry of one index.
func indexPrefix(collection, field string) []byte {
	out := make([]byte, 0, len(prefixIndex)+len(collection)+len(field)+2)
	out = append(out, prefixIndex...)
	out = append(out, collection...)
	out = append(out, sep)
	out = append(out, field...)
	out = append(out, sep)
	return out
}

// seqKey is the storage key of a collection's auto-increment sequence.
func seqKey(collection string) []byte {
	return append([]byte(prefixSeq), collection...)
}

// schemaKey is the storage key of a collection's persisted schema.
func schemaKey(collection string) []byte {
	return append([]byte(prefixSchema), collection...)
}

// prefixEnd returns the smallest key greater than every key carrying prefix,
// suitable as an exclusive iterator upper bound.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, iterate to the end of the keyspace
}

// --------------------------------------------------------------------------
// Scalar Encoding (order preserving)
// --------------------------------------------------------------------------

const (
	scalarTagNumber byte = 0x01
	scalarTagString byte = 0x02
)

// encodeScalar encodes an index scalar so that byte-wise comparison of
// encodings equals kv.CompareScalars: numbers (as sign-flipped IEEE 754
// doubles) sort before strings.
func encodeScalar(v any) []byte {
	if s, ok := v.(string); ok {
		out := make([]byte, 1+len(s))
		out[0] = scalarTagString
		copy(out[1:], s)
		return out
	}
	f, ok := util.ToFloat64(v)
	if !ok {
		// non-scalar values never reach the index; guarded by kv.IndexedValues
		return []byte{scalarTagNumber}
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 9)
	out[0] = scalarTagNumber
	binary.BigEndian.PutUint64(out[1:], bits)
	return out
}

// indexScanBounds translates a range descriptor into iterator bounds over
// one index's keyspace. Exclusive scalar bounds are widened to the
// half-open byte interval just past every entry carrying the bound value.
func indexScanBounds(collection, field string, rng kv.Range) (lower, upper []byte) {
	prefix := indexPrefix(collection, field)

	if rng.Lower == nil {
		lower = prefix
	} else {
		base := indexValuePrefix(collection, field, rng.Lower.Value)
		if rng.Lower.Open {
			lower = prefixEnd(base)
		} else {
			lower = base
		}
	}

	if rng.Upper == nil {
		upper = prefixEnd(prefix)
	} else {
		base := indexValuePrefix(collection, field, rng.Upper.Value)
		if rng.Upper.Open {
			upper = base
		} else {
			upper = prefixEnd(base)
		}
	}
	return lower, upper
}
