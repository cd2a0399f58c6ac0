// Package lockmgr implements the advisory lock controller: a cooperative
// mutex over opaque persistent storage, used to coordinate the push and
// pull phases across database instances (tabs, processes) sharing one
// store.
//
// The lockmgr only ever stores state in the provided ILockStorage and has
// no other internal state, so it is safe to create multiple controllers
// over the same storage; as long as the same storage backs them, all locks
// work as expected.
//
// Core Functionality:
//   - Lock acquisition with ownership verification
//   - Polling acquisition (one-second interval) with a configurable
//     acquisition timeout
//   - Force-removal of stale locks once the timeout elapses
//   - Release on callback exit, removing the record without re-checking
//     its owner
//
// Implementation Approach:
//
//	Each controller identifies itself with a random ULID generated when it
//	is created.
//	A lock is a {locked, id} record under the lock's name. Request polls
//	until the record is absent, unlocked, or already owned by this
//	instance, then writes its own ID, runs the callback, and removes the
//	record on exit.
//
// The lock is advisory, not crash-safe: an instance that dies holding a
// lock simply leaves the record behind, and the next waiter force-removes
// it when the acquisition timeout elapses. Correctness of the database
// never depends on the lock; it only prevents duplicate sync work.
package lockmgr
