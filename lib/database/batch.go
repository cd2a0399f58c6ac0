package database

import (
	"context"
	"sync"
	"time"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/query"
)

// --------------------------------------------------------------------------
// Read Transaction
// --------------------------------------------------------------------------

// ReadTransaction is the read-only overlay surface handed to BatchRead
// callbacks.
type ReadTransaction struct {
	tx *overlay.Transaction
}

// Get returns the user-visible document at key.
func (r *ReadTransaction) Get(ctx context.Context, collection string, key kv.Key) (kv.Document, bool, error) {
	return r.tx.QueryByKey(ctx, collection, key)
}

// GetAll returns every user-visible row of a collection.
func (r *ReadTransaction) GetAll(ctx context.Context, collection string) ([]kv.Row, error) {
	return r.tx.QueryAll(ctx, collection)
}

// GetAllWhere returns the user-visible rows matching the condition.
func (r *ReadTransaction) GetAllWhere(ctx context.Context, collection string, cond *condition.Condition) ([]kv.Row, error) {
	return r.tx.QueryByCondition(ctx, collection, cond)
}

// --------------------------------------------------------------------------
// Micro-Batched Reads
// --------------------------------------------------------------------------

// BatchRead runs fn inside a read-only overlay transaction. Concurrent
// calls within one batch window share a single transaction (and therefore
// one consistent snapshot).
func (db *Database) BatchRead(ctx context.Context, fn func(tx *ReadTransaction) error) error {
	return db.batcher.run(ctx, fn)
}

type batchedFn struct {
	fn   func(tx *ReadTransaction) error
	done chan error
}

// readBatcher queues BatchRead callbacks and drains them through one shared
// transaction per window, mirroring the query engine's read scheduler.
type readBatcher struct {
	db     *Database
	window time.Duration

	mu      sync.Mutex
	pending []batchedFn
	timer   *time.Timer
}

func newReadBatcher(db *Database, window time.Duration) *readBatcher {
	if window <= 0 {
		window = query.DefaultBatchWindow
	}
	return &readBatcher{db: db, window: window}
}

func (b *readBatcher) run(ctx context.Context, fn func(tx *ReadTransaction) error) error {
	done := make(chan error, 1)

	b.mu.Lock()
	b.pending = append(b.pending, batchedFn{fn: fn, done: done})
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.drain)
	}
	b.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *readBatcher) drain() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	tx, err := b.db.beginOverlay(ctx, kv.ReadOnly)
	if err != nil {
		for _, entry := range batch {
			entry.done <- err
		}
		return
	}
	defer tx.Rollback()

	rtx := &ReadTransaction{tx: tx}
	for _, entry := range batch {
		entry.done <- entry.fn(rtx)
	}
}
