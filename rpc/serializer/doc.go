// Package serializer turns sync protocol envelopes into bytes and back.
// Two implementations ship: JSON (the default wire format, readable and
// compatible with any remote) and CBOR (compact, for remotes that speak
// it). Both sides of a connection must agree on the serializer.
package serializer
