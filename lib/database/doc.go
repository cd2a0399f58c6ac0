// Package database wires the tiers into the public surface of LuminarDB:
// schema registration, named mutators with optimistic local resolvers and
// optional remote resolvers, reactive collection queries, micro-batched
// reads, CDC subscriptions, and the background sync lifecycle.
//
// A mutation flows: Mutate → write transaction opens → the mutator's local
// resolver records inserts/updates/deletes into a fresh mutation row → the
// transaction commits → the derived CDC batch fans out to reactive queries,
// CDC subscribers, and the broadcast bus → a push is scheduled. The sync
// manager independently drains the mutation log to the remote and pulls
// authoritative changes back.
//
// Reads flow through the optimistic overlay, so they always reflect the
// latest user-visible state: the durable store merged with every completed
// pending mutation.
package database
