// Package util provides the small shared primitives the database tiers are
// built on: canonical structural hashing for query deduplication, the
// process-wide monotonic timestamp used to order pending changes, shallow
// document merging with copy semantics, and a minimal subscribable helper
// for fan-out to listeners.
//
// Key Components:
//
//   - HashObject: a canonical, key-order-independent structural hash. Two
//     values that are structurally equal (ignoring map key order) hash to the
//     same string. Used as the identity of reactive queries and batched reads.
//
//   - IncrementingTimestamp: a process-global logical clock defined as
//     max(wall clock millis, last+1). It only orders events within one
//     process; durable ordering across restarts comes from mutation IDs.
//
//   - MergeShallow / CloneDocumentValue: last-writer-wins shallow merge of
//     top-level fields and deep copying so callers never alias stored maps.
//
//   - Subscribable: an embeddable subscriber set with unsubscribe closures.
package util
