package pebbledb

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the pebble engine.
type Options struct {
	// Path is the data directory. Required.
	Path string

	// Logger receives engine-level log output. Defaults to a Nop logger.
	Logger zerolog.Logger

	// DisableSync commits batches without fsync. Only for tests.
	DisableSync bool

	// LoadSchemas merges the schemas persisted in the data directory into
	// the registered set at Initialize. Offline tooling uses this to open a
	// store without knowing its collections up front.
	LoadSchemas bool
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

type engineImpl struct {
	db     *pebble.DB
	opts   Options
	logger zerolog.Logger

	schemas map[string]kv.CollectionSchema

	// writeMu serializes write transactions from Begin to Commit/Rollback.
	writeMu sync.Mutex

	initialized atomic.Bool
	closed      atomic.Bool
}

// New creates a pebble-backed engine rooted at opts.Path. The store is not
// opened until Initialize.
func New(opts Options) kv.IEngine {
	return &engineImpl{
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "pebbledb").Logger(),
		schemas: make(map[string]kv.CollectionSchema),
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

func (e *engineImpl) Initialize(ctx context.Context) error {
	if e.initialized.Swap(true) {
		return kv.NewError(kv.RetCInternalError, "engine initialized twice")
	}
	if e.opts.Path == "" {
		return kv.NewError(kv.RetCInternalError, "pebbledb requires a data directory")
	}

	db, err := pebble.Open(e.opts.Path, &pebble.Options{
		Logger: pebbleLogger{e.logger},
	})
	if err != nil {
		return errors.Wrapf(err, "pebbledb: open %q", e.opts.Path)
	}
	e.db = db

	for _, schema := range kv.ReservedSchemas() {
		e.schemas[schema.Name] = schema
	}
	if e.opts.LoadSchemas {
		if err := e.loadPersistedSchemas(); err != nil {
			return err
		}
	}

	// persist schemas so offline tooling can inspect the data dir
	batch := db.NewBatch()
	for name, schema := range e.schemas {
		enc, err := em.Marshal(schema)
		if err != nil {
			return errors.Wrapf(err, "pebbledb: encode schema %q", name)
		}
		if err := batch.Set(schemaKey(name), enc, nil); err != nil {
			return errors.Wrapf(err, "pebbledb: persist schema %q", name)
		}
	}
	if err := batch.Commit(e.syncOption()); err != nil {
		return errors.Wrap(err, "pebbledb: persist schemas")
	}

	e.logger.Debug().Int("collections", len(e.schemas)).Str("path", e.opts.Path).Msg("engine initialized")
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
	if !e.initialized.Load() || e.db == nil {
		return nil, kv.NewError(kv.RetCInternalError, "engine not initialized")
	}
	if e.closed.Load() {
		return nil, kv.NewError(kv.RetCInternalError, "engine closed")
	}

	tx := &txImpl{engine: e, mode: mode, active: true}
	if mode == kv.ReadWrite {
		e.writeMu.Lock()
		tx.batch = e.db.NewIndexedBatch()
	} else {
		tx.snap = e.db.NewSnapshot()
	}
	return tx, nil
}

func (e *engineImpl) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.db == nil {
		return nil
	}
	return errors.Wrap(e.db.Close(), "pebbledb: close")
}

// loadPersistedSchemas merges schemas written by a previous run, without
// overriding ones registered in this process.
func (e *engineImpl) loadPersistedSchemas() error {
	prefix := []byte(prefixSchema)
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "pebbledb: scan schemas")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var schema kv.CollectionSchema
		if err := dm.Unmarshal(iter.Value(), &schema); err != nil {
			return errors.Wrap(err, "pebbledb: decode schema")
		}
		if _, registered := e.schemas[schema.Name]; !registered {
			e.schemas[schema.Name] = schema
		}
	}
	return errors.Wrap(iter.Error(), "pebbledb: scan schemas")
}

func (e *engineImpl) schemaOf(collection string) (kv.CollectionSchema, error) {
	schema, ok := e.schemas[collection]
	if !ok {
		return kv.CollectionSchema{}, kv.NewError(kv.RetCCollectionNotFound, "collection %q does not exist", collection)
	}
	return schema, nil
}

func (e *engineImpl) syncOption() *pebble.WriteOptions {
	if e.opts.DisableSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

// --------------------------------------------------------------------------
// Pebble Logger Adapter
// --------------------------------------------------------------------------

type pebbleLogger struct {
	logger zerolog.Logger
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	l.logger.Fatal().Msgf(format, args...)
}
