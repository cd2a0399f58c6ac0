// Package query implements the reactive query cache: live-updating
// materialized views of key lookups, full scans, and single-field filtered
// scans, maintained incrementally from the overlay's CDC stream.
//
// Key Components:
//
//   - Option: the identity of a query ({get, collection, key} or
//     {getAll, collection, filter?}). Options hash canonically (map key
//     order independent), so structurally equal options are the same query.
//
//   - Query: a cached, subscribable state machine over
//     idle → reading → (success | error). CDC events arriving while the
//     initial read is in flight are buffered and drained through the normal
//     incremental path once the read resolves, so no event is ever lost or
//     applied against a missing base.
//
//   - Engine: deduplicates queries by option hash and micro-batches initial
//     reads: concurrent reads within a 5ms window share one read-only
//     overlay transaction, and identical options share one read.
//
// Incrementally applying a CDC batch to a cached result always equals
// recomputing the query from scratch after that batch; the package's tests
// hold the two paths against each other.
package query
