package serializer

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// NewCBORSerializer creates a new serializer using cbor encoding. Decoded
// maps materialize as map[string]any so envelopes round-trip through the
// same document types the JSON serializer produces.
func NewCBORSerializer() IEnvelopeSerializer {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any{}),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborSerializerImpl{dm: dm}
}

// cborSerializerImpl implements the IEnvelopeSerializer interface using cbor encoding
type cborSerializerImpl struct {
	dm cbor.DecMode
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IEnvelopeSerializer)
// --------------------------------------------------------------------------

func (c cborSerializerImpl) Serialize(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (c cborSerializerImpl) Deserialize(b []byte, v any) error {
	return c.dm.Unmarshal(b, v)
}

func (c cborSerializerImpl) ContentType() string {
	return "application/cbor"
}
