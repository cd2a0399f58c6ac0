// Package memdb provides the in-memory storage engine.
//
// Collections live in an xsync map of plain row tables guarded by one
// engine-wide data lock; a commit updates them in place. Write
// transactions stage their operations in a private buffer and apply them
// atomically on commit while holding the engine's write lock, so write
// transactions serialize and readers always observe either the pre- or the
// post-commit state of a transaction, never a partial one.
//
// The engine is the default backend for tests and for fully ephemeral
// databases; durable deployments use the pebbledb engine behind the same
// kv.IEngine contract.
package memdb
