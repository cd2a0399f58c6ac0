package serializer

// IEnvelopeSerializer is the interface for sync envelope serializers.
type IEnvelopeSerializer interface {
	// Serialize serializes an envelope value into a byte array.
	Serialize(v any) ([]byte, error)
	// Deserialize deserializes a byte array into the envelope pointed to by v.
	Deserialize(b []byte, v any) error
	// ContentType returns the MIME type of the wire format.
	ContentType() string
}
