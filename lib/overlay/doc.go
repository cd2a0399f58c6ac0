// Package overlay implements the optimistic overlay engine: the tier that
// merges the pending mutation log over the authoritative storage tier and
// derives the change-data-capture stream subscribers consume.
//
// The package deliberately bundles three tightly coupled concerns in one
// module (the mutation log both feeds and is written by the overlay, so
// splitting them would force an import cycle):
//
//   - Mutation rows: the append-only log in the reserved "__mutations"
//     collection. Each row carries an ordered change list, lifecycle flags
//     (isCompleted, isPushed), the persisted push retry counter, and the
//     local resolver result handed to the remote on push.
//
//   - Pending state: the fold of all completed mutations' changes, ordered
//     by (mutationID, timestamp), into a per-collection, per-key state
//     machine (INSERTED, UPDATED, UPDATE_POST_INSERT, DELETED). The fold is
//     a pure function of the log, so every process re-derives an identical
//     overlay from the same durable state.
//
//   - CDC derivation: pure tables mapping a raw write event and the pending
//     state it lands on to the events subscribers must observe. The guiding
//     rule: a subscriber's current view is base ⊕ overlay, so an emitted
//     event must describe the transition from that view to the new view,
//     never from the raw base. Authoritative writes (pulls, mutation GC)
//     therefore "unwind" the overlay wherever it masked a now-real change.
//
// Transaction wraps a kv.ITransaction with overlay-merged reads, optimistic
// change recording, authoritative application, mutation-log GC with inverse
// CDC, and commit-time atomic delivery of the buffered event batch.
package overlay
