package database

import (
	"context"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
)

// --------------------------------------------------------------------------
// Write Transaction
// --------------------------------------------------------------------------

// WriteTransaction is the surface a mutator's local resolver writes
// through. Every operation records a pending change into the current
// mutation row; nothing touches the authoritative rows until the server
// confirms the mutation (or it is promoted).
//
// The transaction is only valid while the resolver runs; using it after
// the resolver returned panics.
type WriteTransaction struct {
	tx       *overlay.Transaction
	mutation *overlay.Mutation
}

// finish invalidates the transaction once the resolver returned.
func (w *WriteTransaction) finish() {
	w.mutation = nil
}

// current guards against use-after-return. A missing mutation here is not a
// recoverable condition: it means changes would be recorded into nowhere.
func (w *WriteTransaction) current() *overlay.Mutation {
	if w.mutation == nil {
		panic("luminardb: write transaction used outside its mutator")
	}
	return w.mutation
}

// Collection scopes the transaction to one collection.
func (w *WriteTransaction) Collection(name string) *CollectionWriter {
	return &CollectionWriter{wtx: w, collection: name}
}

// --------------------------------------------------------------------------
// Collection Writer
// --------------------------------------------------------------------------

// CollectionWriter records changes against a single collection.
type CollectionWriter struct {
	wtx        *WriteTransaction
	collection string
}

// Get reads the user-visible document at key through the overlay.
func (c *CollectionWriter) Get(ctx context.Context, key kv.Key) (kv.Document, bool, error) {
	c.wtx.current()
	return c.wtx.tx.QueryByKey(ctx, c.collection, key)
}

// Insert records an optimistic insert. Inserting a visible key fails with
// DuplicateKey.
func (c *CollectionWriter) Insert(ctx context.Context, key kv.Key, value kv.Document) error {
	return c.wtx.tx.RecordInsert(ctx, c.wtx.current(), c.collection, key, value)
}

// Update records an optimistic shallow-merge update and returns the
// resulting document. Updating an invisible key fails with KeyNotFound.
func (c *CollectionWriter) Update(ctx context.Context, key kv.Key, delta kv.Document) (kv.Document, error) {
	return c.wtx.tx.RecordUpdate(ctx, c.wtx.current(), c.collection, key, delta)
}

// Delete records an optimistic delete. Deleting an invisible key fails with
// KeyNotFound.
func (c *CollectionWriter) Delete(ctx context.Context, key kv.Key) error {
	return c.wtx.tx.RecordDelete(ctx, c.wtx.current(), c.collection, key)
}
