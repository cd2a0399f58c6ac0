// Package rpc holds the remote sync surface of the database: the pull/push
// envelope protocol, its serializers, an HTTP client implementation of the
// puller and mutation-resolver contracts, and a reference in-memory sync
// server for development and end-to-end tests.
//
// The database core never depends on a concrete transport: the sync manager
// consumes a Puller function and per-mutator RemoteResolver values, and any
// JSON-ish envelope satisfying the types in rpc/common works. The packages
// here are the batteries included for the common HTTP case.
package rpc
