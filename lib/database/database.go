package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/litcodeur/luminardb/lib/broadcast"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/lockmgr"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/query"
	"github.com/litcodeur/luminardb/lib/syncer"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// LocalResolver is a mutator's optimistic body: it records changes through
// the write transaction and returns the opaque payload handed back to the
// caller and, later, to the remote resolver on push.
type LocalResolver func(ctx context.Context, tx *WriteTransaction, args any) (any, error)

type mutatorEntry struct {
	local  LocalResolver
	remote *syncer.RemoteResolver
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger (default: Nop).
func WithLogger(logger zerolog.Logger) Option {
	return func(db *Database) { db.logger = logger }
}

// WithPuller sets the remote pull integration.
func WithPuller(puller syncer.Puller) Option {
	return func(db *Database) { db.puller = puller }
}

// WithBus sets the cross-instance broadcast bus.
func WithBus(bus broadcast.IBus) Option {
	return func(db *Database) { db.bus = bus }
}

// WithPullInterval overrides the scheduled pull cadence (default 30s).
func WithPullInterval(interval time.Duration) Option {
	return func(db *Database) { db.pullInterval = interval }
}

// WithBatchWindow overrides the read micro-batch window (default 5ms).
func WithBatchWindow(window time.Duration) Option {
	return func(db *Database) { db.batchWindow = window }
}

// --------------------------------------------------------------------------
// Database
// --------------------------------------------------------------------------

// Database is the public facade over one engine.
type Database struct {
	name   string
	engine kv.IEngine
	logger zerolog.Logger

	puller       syncer.Puller
	bus          broadcast.IBus
	pullInterval time.Duration
	batchWindow  time.Duration

	mutatorMu sync.RWMutex
	mutators  map[string]*mutatorEntry

	locks       lockmgr.ILockController
	queryEngine *query.Engine
	syncMgr     *syncer.Manager
	batcher     *readBatcher

	cdcSubs     *util.Subscribable[[]overlay.Event]
	pendingSubs *util.Subscribable[int]

	initialized atomic.Bool
	busCancel   func()
}

// New creates a database over an engine. Call DefineCollection and
// RegisterMutator before Initialize.
func New(name string, engine kv.IEngine, opts ...Option) *Database {
	db := &Database{
		name:        name,
		engine:      engine,
		logger:      zerolog.Nop(),
		mutators:    make(map[string]*mutatorEntry),
		cdcSubs:     util.NewSubscribable[[]overlay.Event](),
		pendingSubs: util.NewSubscribable[int](),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.logger = db.logger.With().Str("db", name).Logger()
	return db
}

// DefineCollection registers a collection schema with the engine.
func (db *Database) DefineCollection(schema kv.CollectionSchema) error {
	if kv.IsReservedCollection(schema.Name) {
		return errors.Errorf("database: collection name %q is reserved", schema.Name)
	}
	return db.engine.DefineCollection(schema)
}

// RegisterMutator binds a mutator name to its local resolver and optional
// remote resolver. Only the name and arguments are ever persisted.
func (db *Database) RegisterMutator(name string, local LocalResolver, remote *syncer.RemoteResolver) error {
	if name == "" || local == nil {
		return errors.New("database: mutator needs a name and a local resolver")
	}
	db.mutatorMu.Lock()
	defer db.mutatorMu.Unlock()
	if _, exists := db.mutators[name]; exists {
		return errors.Errorf("database: mutator %q registered twice", name)
	}
	db.mutators[name] = &mutatorEntry{local: local, remote: remote}
	return nil
}

// Initialize prepares the engine and starts the background sync lifecycle.
func (db *Database) Initialize(ctx context.Context) error {
	if db.initialized.Swap(true) {
		return errors.New("database: initialized twice")
	}
	if err := db.engine.Initialize(ctx); err != nil {
		return err
	}

	db.locks = lockmgr.NewController(&metaLockStorage{db: db}, db.logger)
	db.queryEngine = query.NewEngine(func(ctx context.Context) (*overlay.Transaction, error) {
		return db.beginOverlay(ctx, kv.ReadOnly)
	}, db.batchWindow, db.logger)
	db.batcher = newReadBatcher(db, db.batchWindow)

	db.syncMgr = syncer.NewManager(syncer.Options{
		DBName:       db.name,
		Begin:        db.beginOverlay,
		Locks:        db.locks,
		Puller:       db.puller,
		PullInterval: db.pullInterval,
		Logger:       db.logger,
	})
	db.mutatorMu.RLock()
	for name, entry := range db.mutators {
		if entry.remote != nil {
			db.syncMgr.RegisterResolver(name, entry.remote)
		}
	}
	db.mutatorMu.RUnlock()

	if db.bus != nil {
		db.busCancel = db.bus.Subscribe(db.onForeignMessage)
	}
	db.syncMgr.Start(ctx)

	// drain whatever the log holds from a previous run
	go func() {
		if err := db.syncMgr.Push(context.WithoutCancel(ctx)); err != nil {
			db.logger.Warn().Err(err).Msg("startup push failed")
		}
	}()
	return nil
}

// Close stops background work and releases the engine.
func (db *Database) Close() error {
	if db.syncMgr != nil {
		db.syncMgr.Stop()
	}
	if db.busCancel != nil {
		db.busCancel()
	}
	return db.engine.Close()
}

// --------------------------------------------------------------------------
// Transactions & CDC Fan-Out
// --------------------------------------------------------------------------

// beginOverlay opens an overlay transaction; write transactions deliver
// their CDC batch into the reactive tier on commit.
func (db *Database) beginOverlay(ctx context.Context, mode kv.TransactionMode) (*overlay.Transaction, error) {
	kvTx, err := db.engine.Begin(ctx, mode)
	if err != nil {
		return nil, err
	}
	tx := overlay.NewTransaction(kvTx, db.logger)
	if mode == kv.ReadWrite {
		tx.OnComplete(db.dispatchCDC)
	}
	return tx, nil
}

// dispatchCDC routes a committed batch to reactive queries, CDC
// subscribers, the broadcast bus, and the pending-count listeners. Events
// on reserved collections never leave the engine room.
func (db *Database) dispatchCDC(events []overlay.Event) {
	visible := make([]overlay.Event, 0, len(events))
	for _, ev := range events {
		if !kv.IsReservedCollection(ev.CollectionName) {
			visible = append(visible, ev)
		}
	}

	if len(visible) > 0 {
		db.queryEngine.DispatchCDC(visible)
		db.cdcSubs.Notify(visible)

		if db.bus != nil {
			go func() {
				err := db.bus.Publish(context.Background(), broadcast.Message{
					Origin: db.locks.InstanceID(),
					DBName: db.name,
					Events: broadcast.EncodeEvents(visible),
				})
				if err != nil {
					db.logger.Warn().Err(err).Msg("broadcast publish failed")
				}
			}()
		}
	}

	go db.notifyPendingCount()
}

// onForeignMessage handles a bus notification from another instance: the
// durable state changed underneath us. The attached events are decoded and
// dispatched to the cached queries and the CDC subscribers as received;
// they are not re-derived by re-reading the store, and their order across
// instances is not checked. Messages from this instance or for another
// database name are ignored.
func (db *Database) onForeignMessage(msg broadcast.Message) {
	if msg.DBName != db.name || msg.Origin == db.locks.InstanceID() {
		return
	}
	events := make([]overlay.Event, 0, len(msg.Events))
	for _, payload := range msg.Events {
		ev, err := decodeEventPayload(payload)
		if err != nil {
			db.logger.Warn().Err(err).Msg("discarding malformed broadcast event")
			continue
		}
		events = append(events, ev)
	}
	if len(events) > 0 {
		db.queryEngine.DispatchCDC(events)
		db.cdcSubs.Notify(events)
	}
	go db.notifyPendingCount()
}

func decodeEventPayload(p broadcast.EventPayload) (overlay.Event, error) {
	ev := overlay.Event{
		CollectionName:  p.CollectionName,
		Value:           p.Value,
		PreUpdateValue:  p.PreUpdateValue,
		PostUpdateValue: p.PostUpdateValue,
		Delta:           p.Delta,
	}
	switch p.Type {
	case overlay.EventInsert.String():
		ev.Type = overlay.EventInsert
	case overlay.EventUpdate.String():
		ev.Type = overlay.EventUpdate
	case overlay.EventDelete.String():
		ev.Type = overlay.EventDelete
	case overlay.EventClear.String():
		ev.Type = overlay.EventClear
		return ev, nil
	default:
		return ev, errors.Errorf("database: unknown event type %q", p.Type)
	}
	key, err := kv.KeyFromValue(p.Key)
	if err != nil {
		return ev, err
	}
	ev.Key = key
	return ev, nil
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Mutate runs the named mutator. The local resolver executes inside one
// overlay transaction; on an error the transaction rolls back and no CDC is
// emitted. On success the mutation is finalized, committed, and a push is
// scheduled.
func (db *Database) Mutate(ctx context.Context, name string, args any) (any, error) {
	if !db.initialized.Load() {
		return nil, errors.New("database: not initialized")
	}
	db.mutatorMu.RLock()
	entry := db.mutators[name]
	db.mutatorMu.RUnlock()
	if entry == nil {
		return nil, errors.Errorf("database: unknown mutator %q", name)
	}

	tx, err := db.beginOverlay(ctx, kv.ReadWrite)
	if err != nil {
		return nil, err
	}

	mut, err := tx.CreateMutation(ctx, name, args)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	wtx := &WriteTransaction{tx: tx, mutation: mut}
	result, err := entry.local(ctx, wtx, args)
	wtx.finish()
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.FinalizeMutation(ctx, mut, result); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	go func() {
		if err := db.syncMgr.Push(context.WithoutCancel(ctx)); err != nil {
			db.logger.Warn().Err(err).Str("mutation", name).Msg("scheduled push failed")
		}
	}()
	return result, nil
}

// --------------------------------------------------------------------------
// Sync Surface
// --------------------------------------------------------------------------

// Pull fetches and applies authoritative changes now.
func (db *Database) Pull(ctx context.Context) error {
	return db.syncMgr.Pull(ctx)
}

// Push drains unpushed mutations to the remote now. (Mutate schedules this
// automatically; the method exists for explicit control.)
func (db *Database) Push(ctx context.Context) error {
	return db.syncMgr.Push(ctx)
}

// ApplyChange applies a pull-shaped change set arriving via a sideband.
func (db *Database) ApplyChange(ctx context.Context, resp *common.PullResponse) error {
	return db.syncMgr.ApplyChange(ctx, resp)
}

// SubscribeToCDC registers a listener for every committed user-visible CDC
// batch.
func (db *Database) SubscribeToCDC(fn func(events []overlay.Event)) func() {
	return db.cdcSubs.Subscribe(fn)
}

// PendingMutationsCount returns the number of completed mutations still in
// the log (recorded locally, not yet acknowledged and collected).
func (db *Database) PendingMutationsCount(ctx context.Context) (int, error) {
	tx, err := db.beginOverlay(ctx, kv.ReadOnly)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	muts, err := tx.Mutations(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range muts {
		if m.IsCompleted {
			count++
		}
	}
	return count, nil
}

// OnPendingMutationsChange registers a listener receiving the pending
// mutation count after every lifecycle change.
func (db *Database) OnPendingMutationsChange(fn func(count int)) func() {
	return db.pendingSubs.Subscribe(fn)
}

func (db *Database) notifyPendingCount() {
	if db.pendingSubs.Len() == 0 {
		return
	}
	count, err := db.PendingMutationsCount(context.Background())
	if err != nil {
		db.logger.Warn().Err(err).Msg("pending count refresh failed")
		return
	}
	db.pendingSubs.Notify(count)
}
