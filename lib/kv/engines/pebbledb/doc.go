// Package pebbledb provides the durable storage engine on top of
// cockroachdb/pebble.
//
// Keyspace layout (prefixes sorted for efficient iteration):
//
//	d/<collection>\x00<key>                      document rows (CBOR value)
//	i/<collection>\x00<field>\x00<scalar>\x00<key>  secondary index entries
//	s/<collection>                               auto-increment sequence
//	c/<collection>                               persisted collection schema
//
// Document keys and index scalars use order-preserving binary encodings, so
// range queries translate directly to pebble iterator bounds. Index entry
// values carry the encoded primary key, so scans never parse it back out of
// the entry key.
//
// Write transactions are indexed pebble batches serialized by an engine-wide
// write lock and committed with pebble's sync option; read-only transactions
// run against a pebble snapshot.
//
// Collection and field names must not contain NUL bytes; string index values
// containing NUL sort slightly off their logical position but remain
// retrievable.
package pebbledb
