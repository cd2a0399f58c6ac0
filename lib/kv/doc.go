// Package kv defines the adapter contract for the authoritative storage tier:
// an ordered, collection-based key-value store with secondary indexes and
// ACID transactions over collections. The overlay tier is layered on top of
// this contract and never bypasses it.
//
// The package focuses on:
//   - A unified transaction interface (ITransaction) for reads and writes
//     across different storage backends
//   - Pluggable engine architecture (IEngine) so the same database can run
//     in-memory or on a durable on-disk store without code changes
//   - A structured error system with typed return codes
//
// Key Components:
//
//   - Key: the primary key of a row, a tagged string-or-integer value with a
//     total order (integers sort before strings). Keys have an
//     order-preserving binary encoding so on-disk engines can range-scan.
//
//   - Document / Row: a document is an opaque JSON-ish object
//     (map[string]any); a row couples a document with its primary key so the
//     raw record carries the key independently of the value.
//
//   - CollectionSchema / IndexSchema: declared metadata per collection.
//     Secondary indexes cover top-level scalar fields and may be unique
//     and/or multi-entry. Two reserved collections always exist:
//     "__mutations" (auto-incrementing integer keys, the pending mutation
//     log) and "__meta" (string keys, cursors and advisory locks).
//
//   - ITransaction: queryByKey / queryAll / queryByCondition plus insert,
//     update, delete, upsert, clear, with commit/rollback and completion
//     callbacks. QueryByCondition drives the appropriate secondary index
//     through a Range descriptor.
//
//   - Error System: typed error codes (RetC*) so callers can distinguish
//     precondition failures (duplicate key, missing key) from storage faults.
//
// Implementations:
//
//   - In-memory engine: "github.com/litcodeur/luminardb/lib/kv/engines/memdb"
//   - Pebble-backed engine: "github.com/litcodeur/luminardb/lib/kv/engines/pebbledb"
//
// Every engine must pass the conformance suite in
// "github.com/litcodeur/luminardb/lib/kv/kvtest".
package kv
