package database

import (
	"context"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/query"
)

// --------------------------------------------------------------------------
// Collection Read Surface
// --------------------------------------------------------------------------

// Collection is the read entry point for one collection.
type Collection struct {
	db   *Database
	name string
}

// Collection returns the read surface of a collection.
func (db *Database) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// Get builds a live document query.
func (c *Collection) Get(key kv.Key) *DocumentQuery {
	return &DocumentQuery{db: c.db, option: query.Get(c.name, key)}
}

// GetAll builds a live collection query; filter may be nil for a full scan.
func (c *Collection) GetAll(filter *condition.Condition) *CollectionQuery {
	return &CollectionQuery{db: c.db, option: query.GetAll(c.name, filter)}
}

// --------------------------------------------------------------------------
// Document Queries
// --------------------------------------------------------------------------

// DocumentQuery is a live view of a single document.
type DocumentQuery struct {
	db     *Database
	option query.Option
}

// Execute resolves the current document. The boolean reports existence.
func (q *DocumentQuery) Execute(ctx context.Context) (kv.Document, bool, error) {
	rows, err := q.db.queryEngine.Get(ctx, q.option).Result(ctx)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0].Value, true, nil
}

// Subscribe delivers the document (or absence) on every change. The
// returned closure unsubscribes.
func (q *DocumentQuery) Subscribe(ctx context.Context, fn func(doc kv.Document, ok bool)) func() {
	return q.db.queryEngine.Get(ctx, q.option).Subscribe(func(s query.Snapshot) {
		if s.State != query.StateSuccess {
			return
		}
		if len(s.Data) == 0 {
			fn(nil, false)
			return
		}
		fn(s.Data[0].Value, true)
	})
}

// --------------------------------------------------------------------------
// Collection Queries
// --------------------------------------------------------------------------

// CollectionQuery is a live view of a collection scan or filtered scan.
type CollectionQuery struct {
	db     *Database
	option query.Option
}

// Execute resolves the current result set.
func (q *CollectionQuery) Execute(ctx context.Context) ([]kv.Row, error) {
	return q.db.queryEngine.Get(ctx, q.option).Result(ctx)
}

// Subscribe delivers the full result set on every change.
func (q *CollectionQuery) Subscribe(ctx context.Context, fn func(rows []kv.Row)) func() {
	return q.db.queryEngine.Get(ctx, q.option).Subscribe(func(s query.Snapshot) {
		if s.State != query.StateSuccess {
			return
		}
		fn(s.Data)
	})
}

// Watch delivers only the incremental change lists.
func (q *CollectionQuery) Watch(ctx context.Context, fn func(changes []query.ResultChange)) func() {
	return q.db.queryEngine.Get(ctx, q.option).Watch(fn)
}
