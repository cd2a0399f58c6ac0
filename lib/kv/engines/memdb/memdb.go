package memdb

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// engineImpl is the in-memory engine: a concurrent map of collections, each
// holding a plain row table guarded by the engine-wide data lock.
type engineImpl struct {
	collections *xsync.MapOf[string, *memCollection]
	schemas     map[string]kv.CollectionSchema

	// dataMu guards row tables: readers take RLock per operation, a
	// committing write transaction takes Lock for its atomic apply.
	dataMu sync.RWMutex

	// writeMu serializes write transactions from Begin to Commit/Rollback.
	writeMu sync.Mutex

	initialized atomic.Bool
	closed      atomic.Bool
}

// memCollection holds the rows of a single collection.
type memCollection struct {
	schema kv.CollectionSchema
	rows   map[kv.Key]kv.Document
	nextID atomic.Int64 // auto-increment sequence, never reused
}

// New creates an empty in-memory engine.
func New() kv.IEngine {
	return &engineImpl{
		collections: xsync.NewMapOf[string, *memCollection](),
		schemas:     make(map[string]kv.CollectionSchema),
	}
}

// Factory returns a kv.EngineFactory creating fresh in-memory engines.
func Factory() kv.EngineFactory {
	return func() (kv.IEngine, error) {
		e := New()
		if err := e.Initialize(context.Background()); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.IEngine)
// --------------------------------------------------------------------------

func (e *engineImpl) DefineCollection(schema kv.CollectionSchema) error {
	if e.initialized.Load() {
		return kv.NewError(kv.RetCInternalError, "collection %q defined after initialization", schema.Name)
	}
	if schema.Name == "" {
		return kv.NewError(kv.RetCInternalError, "collection name must not be empty")
	}
	e.schemas[schema.Name] = schema
	return nil
}

func (e *engineImpl) Initialize(_ context.Context) error {
	if e.initialized.Swap(true) {
		return kv.NewError(kv.RetCInternalError, "engine initialized twice")
	}
	for _, schema := range kv.ReservedSchemas() {
		e.schemas[schema.Name] = schema
	}
	for name, schema := range e.schemas {
		e.collections.Store(name, &memCollection{
			schema: schema,
			rows:   make(map[kv.Key]kv.Document),
		})
	}
	return nil
}

func (e *engineImpl) Schema(collection string) (kv.CollectionSchema, bool) {
	schema, ok := e.schemas[collection]
	return schema, ok
}

func (e *engineImpl) Schemas() []kv.CollectionSchema {
	out := make([]kv.CollectionSchema, 0, len(e.schemas))
	for _, schema := range e.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *engineImpl) Begin(_ context.Context, mode kv.TransactionMode) (kv.ITransaction, error) {
	if !e.initialized.Load() {
		return nil, kv.NewError(kv.RetCInternalError, "engine not initialized")
	}
	if e.closed.Load() {
		return nil, kv.NewError(kv.RetCInternalError, "engine closed")
	}
	if mode == kv.ReadWrite {
		e.writeMu.Lock()
	}
	return &txImpl{
		engine: e,
		mode:   mode,
		active: true,
		staged: make(map[string]*stagedCollection),
	}, nil
}

func (e *engineImpl) Close() error {
	e.closed.Store(true)
	return nil
}

// collection resolves a collection by name.
func (e *engineImpl) collection(name string) (*memCollection, error) {
	coll, ok := e.collections.Load(name)
	if !ok {
		return nil, kv.NewError(kv.RetCCollectionNotFound, "collection %q does not exist", name)
	}
	return coll, nil
}
