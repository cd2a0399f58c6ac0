// Package syncer implements the sync manager: the component that drains
// the local mutation log to a remote, pulls authoritative changes back with
// a persisted cursor, and garbage-collects acknowledged mutations while the
// overlay keeps the user-visible state continuous.
//
// Push: while any unpushed completed mutation exists, the manager holds the
// advisory lock "push:<db>" and processes mutations lowest-ID first. A
// mutation without a registered remote resolver is promoted: its changes
// are re-applied authoritatively and the row is purged. A mutation with a
// resolver is sent through its MutationFn under exponential backoff (1s
// initial, 10s cap); the retry counter persists in the row so restarts
// resume counting. A permanently failing mutation is deleted, and the GC
// CDC reverts its optimistic effect for every subscriber.
//
// Pull: a singleton in-flight operation; concurrent callers join it. The
// persisted cursor is read from "__meta", the puller is retried without
// bound, and the response is applied under the lock "pull:<db>" in one
// overlay transaction: acknowledged mutation rows are deleted first
// (emitting GC CDC), then each collection operation is applied
// authoritatively, then the cursor advances. Because it is one transaction,
// subscribers never observe a transient pre-GC snapshot.
//
// ApplyChange applies a pull-shaped change set delivered through a
// sideband (server push) without invoking the puller. A 30-second interval
// schedules background pulls while a puller is configured.
package syncer
