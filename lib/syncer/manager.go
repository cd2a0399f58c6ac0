package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/lockmgr"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	metricPushed       = metrics.NewCounter(`luminardb_sync_mutations_pushed_total`)
	metricPushFailed   = metrics.NewCounter(`luminardb_sync_mutations_failed_total`)
	metricPromoted     = metrics.NewCounter(`luminardb_sync_mutations_promoted_total`)
	metricPulls        = metrics.NewCounter(`luminardb_sync_pulls_total`)
	metricPullOps      = metrics.NewCounter(`luminardb_sync_pull_operations_total`)
	metricAcknowledged = metrics.NewCounter(`luminardb_sync_mutations_acknowledged_total`)
)

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

const (
	// DefaultPullInterval is the cadence of scheduled background pulls.
	DefaultPullInterval = 30 * time.Second

	// DefaultPushLease is the advisory lock lease of a push drain.
	DefaultPushLease = 2 * time.Minute

	// metaCursorKey is the "__meta" row holding the pull cursor.
	metaCursorKey = "cursor"
)

// TxFactory opens an overlay transaction. The database facade injects a
// factory that wires committed CDC batches into the reactive tier, so the
// manager never touches subscribers directly.
type TxFactory func(ctx context.Context, mode kv.TransactionMode) (*overlay.Transaction, error)

// Options configures a Manager.
type Options struct {
	DBName       string
	Begin        TxFactory
	Locks        lockmgr.ILockController
	Puller       Puller // optional; Pull fails without one
	PullInterval time.Duration
	PushLease    time.Duration
	Logger       zerolog.Logger
}

// Manager owns the push and pull loops of one database.
type Manager struct {
	dbName       string
	begin        TxFactory
	locks        lockmgr.ILockController
	puller       Puller
	pullInterval time.Duration
	pushLease    time.Duration
	logger       zerolog.Logger

	resolverMu sync.RWMutex
	resolvers  map[string]*RemoteResolver

	pushFlight flight
	pullFlight flight

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a sync manager. Begin and Locks are required.
func NewManager(opts Options) *Manager {
	if opts.PullInterval <= 0 {
		opts.PullInterval = DefaultPullInterval
	}
	if opts.PushLease <= 0 {
		opts.PushLease = DefaultPushLease
	}
	return &Manager{
		dbName:       opts.DBName,
		begin:        opts.Begin,
		locks:        opts.Locks,
		puller:       opts.Puller,
		pullInterval: opts.PullInterval,
		pushLease:    opts.PushLease,
		logger:       opts.Logger.With().Str("component", "syncer").Str("db", opts.DBName).Logger(),
		resolvers:    make(map[string]*RemoteResolver),
		stop:         make(chan struct{}),
	}
}

// RegisterResolver binds a remote resolver to a mutator name. Mutations of
// unregistered names are promoted to authoritative state on push instead of
// being sent anywhere.
func (m *Manager) RegisterResolver(name string, resolver *RemoteResolver) {
	m.resolverMu.Lock()
	defer m.resolverMu.Unlock()
	m.resolvers[name] = resolver
}

func (m *Manager) resolverFor(name string) *RemoteResolver {
	m.resolverMu.RLock()
	defer m.resolverMu.RUnlock()
	return m.resolvers[name]
}

// Start launches the scheduled pull loop (only if a puller is configured).
func (m *Manager) Start(ctx context.Context) {
	if m.puller == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(m.pullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Warn().Err(err).Msg("scheduled pull failed")
				}
			}
		}
	}()
}

// Stop terminates the scheduled pull loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// --------------------------------------------------------------------------
// Push
// --------------------------------------------------------------------------

// Push drains the mutation log to the remote. Idempotent: concurrent
// callers join the in-flight drain. After the drain a pull is scheduled.
func (m *Manager) Push(ctx context.Context) error {
	return m.pushFlight.do(func() error { return m.push(ctx) })
}

func (m *Manager) push(ctx context.Context) error {
	err := m.locks.Request(ctx, "push:"+m.dbName, m.pushLease, func(ctx context.Context) error {
		for {
			processed, err := m.pushNext(ctx)
			if err != nil {
				return err
			}
			if !processed {
				return nil
			}
		}
	})
	if err != nil {
		return err
	}

	if m.puller != nil {
		go func() {
			if err := m.Pull(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn().Err(err).Msg("post-push pull failed")
			}
		}()
	}
	return nil
}

// pushNext processes the lowest-ID unpushed mutation. The boolean reports
// whether one was found (and the loop should continue).
func (m *Manager) pushNext(ctx context.Context) (bool, error) {
	mut, err := m.lowestUnpushed(ctx)
	if err != nil || mut == nil {
		return false, err
	}
	logger := m.logger.With().Uint64("mutation", mut.ID).Str("name", mut.Name).Logger()

	resolver := m.resolverFor(mut.Name)
	if resolver == nil {
		// no remote integration: promote the optimistic changes to
		// authoritative state and purge the row
		if err := m.promote(ctx, mut.ID); err != nil {
			return false, err
		}
		metricPromoted.Inc()
		logger.Debug().Msg("mutation promoted (no remote resolver)")
		return true, nil
	}

	var result *common.PushResult
	pushErr := retry(ctx, func(ctx context.Context) error {
		res, err := resolver.MutationFn(ctx, mut.LocalResolverResult)
		if err == nil {
			result = res
		}
		return err
	}, func(_ int, err error) (bool, error) {
		attempts, persistErr := m.bumpAttempts(ctx, mut.ID)
		if persistErr != nil {
			return false, persistErr
		}
		keep := resolver.ShouldRetry == nil || resolver.ShouldRetry(attempts, err)
		if keep {
			logger.Debug().Err(err).Int("attempts", attempts).Msg("push attempt failed; retrying")
		}
		return keep, nil
	})

	if pushErr != nil {
		if errors.Is(pushErr, context.Canceled) || errors.Is(pushErr, context.DeadlineExceeded) {
			return false, pushErr
		}
		// permanent failure: the mutation can never reach the server, so
		// its optimistic effect is reverted through the GC CDC
		logger.Warn().Err(pushErr).Msg("push failed permanently; reverting mutation")
		if err := m.discard(ctx, mut.ID); err != nil {
			return false, err
		}
		metricPushFailed.Inc()
		return true, nil
	}

	if err := m.markPushed(ctx, mut.ID, result.ServerMutationID); err != nil {
		return false, err
	}
	metricPushed.Inc()
	if resolver.OnSuccess != nil {
		resolver.OnSuccess(*result)
	}
	return true, nil
}

// lowestUnpushed finds the next mutation to push.
func (m *Manager) lowestUnpushed(ctx context.Context) (*overlay.Mutation, error) {
	tx, err := m.begin(ctx, kv.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	muts, err := tx.Mutations(ctx)
	if err != nil {
		return nil, err
	}
	for _, mut := range muts {
		if mut.IsCompleted && !mut.IsPushed {
			return mut, nil
		}
	}
	return nil, nil
}

// promote re-applies a resolver-less mutation authoritatively and deletes
// its row. The GC inversion sees the re-applied rows, so recorded inserts
// and deletes emit no event and each recorded update emits one UPDATE
// carrying the re-applied field values.
func (m *Manager) promote(ctx context.Context, id uint64) error {
	return m.withMutation(ctx, id, func(ctx context.Context, tx *overlay.Transaction, mut *overlay.Mutation) error {
		if err := tx.ReapplyChanges(ctx, mut); err != nil {
			return err
		}
		return tx.DeleteMutation(ctx, mut)
	})
}

// discard deletes a permanently unpushable mutation; the GC CDC reverts its
// optimistic effect.
func (m *Manager) discard(ctx context.Context, id uint64) error {
	return m.withMutation(ctx, id, func(ctx context.Context, tx *overlay.Transaction, mut *overlay.Mutation) error {
		return tx.DeleteMutation(ctx, mut)
	})
}

// bumpAttempts increments and persists the mutation's retry counter,
// returning the cumulative count (surviving restarts).
func (m *Manager) bumpAttempts(ctx context.Context, id uint64) (int, error) {
	attempts := 0
	err := m.withMutation(ctx, id, func(ctx context.Context, tx *overlay.Transaction, mut *overlay.Mutation) error {
		mut.RemotePushAttempts++
		attempts = mut.RemotePushAttempts
		return tx.UpdateMutation(ctx, mut)
	})
	return attempts, err
}

// markPushed records the server's acknowledgement on the mutation row.
func (m *Manager) markPushed(ctx context.Context, id uint64, serverMutationID uint64) error {
	return m.withMutation(ctx, id, func(ctx context.Context, tx *overlay.Transaction, mut *overlay.Mutation) error {
		mut.IsPushed = true
		mut.ServerMutationID = serverMutationID
		return tx.UpdateMutation(ctx, mut)
	})
}

// withMutation runs fn over one mutation row inside a fresh write
// transaction, committing on success.
func (m *Manager) withMutation(ctx context.Context, id uint64, fn func(ctx context.Context, tx *overlay.Transaction, mut *overlay.Mutation) error) error {
	tx, err := m.begin(ctx, kv.ReadWrite)
	if err != nil {
		return err
	}

	mut, ok, err := tx.GetMutation(ctx, id)
	if err != nil {
		tx.Rollback()
		return err
	}
	if !ok {
		tx.Rollback()
		return errors.Errorf("syncer: mutation %d vanished", id)
	}
	if err := fn(ctx, tx, mut); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit(ctx)
}

// --------------------------------------------------------------------------
// Pull
// --------------------------------------------------------------------------

// Pull fetches and applies authoritative changes. Idempotent: concurrent
// callers join the in-flight pull.
func (m *Manager) Pull(ctx context.Context) error {
	return m.pullFlight.do(func() error { return m.pull(ctx) })
}

func (m *Manager) pull(ctx context.Context) error {
	if m.puller == nil {
		return errors.New("syncer: no puller configured")
	}

	cursor, err := m.readCursor(ctx)
	if err != nil {
		return err
	}

	var resp *common.PullResponse
	err = retry(ctx, func(ctx context.Context) error {
		r, err := m.puller(ctx, cursor)
		if err == nil {
			resp = r
		}
		return err
	}, func(failures int, err error) (bool, error) {
		m.logger.Debug().Err(err).Int("attempts", failures).Msg("pull attempt failed; retrying")
		return true, nil
	})
	if err != nil {
		return err
	}
	return m.applyResponse(ctx, resp)
}

// ApplyChange applies a pull-shaped change set delivered through a
// sideband (e.g. a server push), without invoking the puller.
func (m *Manager) ApplyChange(ctx context.Context, resp *common.PullResponse) error {
	if resp == nil {
		return nil
	}
	return m.applyResponse(ctx, resp)
}

// applyResponse deletes acknowledged mutations, applies every collection
// operation authoritatively, and advances the cursor, all in one overlay
// transaction so no subscriber observes a partial state.
func (m *Manager) applyResponse(ctx context.Context, resp *common.PullResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}

	return m.locks.Request(ctx, "pull:"+m.dbName, 0, func(ctx context.Context) error {
		tx, err := m.begin(ctx, kv.ReadWrite)
		if err != nil {
			return err
		}

		if err := m.applyResponseTx(ctx, tx, resp); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		metricPulls.Inc()
		return nil
	})
}

func (m *Manager) applyResponseTx(ctx context.Context, tx *overlay.Transaction, resp *common.PullResponse) error {
	// GC acknowledged mutations first: their overlay must be gone before
	// the authoritative rows land, or the CDC would double-apply them
	muts, err := tx.Mutations(ctx)
	if err != nil {
		return err
	}
	for _, mut := range muts {
		if mut.IsPushed && mut.ServerMutationID != 0 && mut.ServerMutationID <= resp.LastProcessedMutationID {
			if err := tx.DeleteMutation(ctx, mut); err != nil {
				return err
			}
			metricAcknowledged.Inc()
		}
	}

	collections := make([]string, 0, len(resp.Change))
	for name := range resp.Change {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	for _, collection := range collections {
		for _, op := range resp.Change[collection] {
			metricPullOps.Inc()
			switch op.Action {
			case common.ActionClear:
				if err := tx.ApplyClear(ctx, collection); err != nil {
					return err
				}
			case common.ActionCreated, common.ActionUpdated:
				key, err := op.DocumentKey()
				if err != nil {
					return err
				}
				if err := tx.ApplyUpsert(ctx, collection, key, op.Value); err != nil {
					return err
				}
			case common.ActionDeleted:
				key, err := op.DocumentKey()
				if err != nil {
					return err
				}
				if err := tx.ApplyDelete(ctx, collection, key); err != nil {
					return err
				}
			}
		}
	}

	if resp.Cursor != nil {
		err := tx.KV().Upsert(ctx, kv.CollectionMeta, kv.StringKey(metaCursorKey), kv.Document{"value": resp.Cursor})
		if err != nil {
			return errors.Wrap(err, "syncer: persist cursor")
		}
	}
	return nil
}

// readCursor loads the persisted pull cursor (nil if none).
func (m *Manager) readCursor(ctx context.Context) (any, error) {
	tx, err := m.begin(ctx, kv.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	doc, ok, err := tx.KV().QueryByKey(ctx, kv.CollectionMeta, kv.StringKey(metaCursorKey))
	if err != nil || !ok {
		return nil, err
	}
	return doc["value"], nil
}

// --------------------------------------------------------------------------
// Single-Flight
// --------------------------------------------------------------------------

type inflightOp struct {
	done chan struct{}
	err  error
}

// flight collapses concurrent invocations into one in-flight operation;
// joiners receive the same result.
type flight struct {
	mu  sync.Mutex
	cur *inflightOp
}

func (f *flight) do(fn func() error) error {
	f.mu.Lock()
	if f.cur != nil {
		op := f.cur
		f.mu.Unlock()
		<-op.done
		return op.err
	}
	op := &inflightOp{done: make(chan struct{})}
	f.cur = op
	f.mu.Unlock()

	op.err = fn()

	f.mu.Lock()
	f.cur = nil
	f.mu.Unlock()
	close(op.done)
	return op.err
}
