package query

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	metricBatchedReads  = metrics.NewCounter(`luminardb_query_batched_reads_total`)
	metricBatchDrains   = metrics.NewCounter(`luminardb_query_batch_drains_total`)
	metricCDCDispatched = metrics.NewCounter(`luminardb_query_cdc_events_dispatched_total`)
)

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// DefaultBatchWindow is how long the engine collects initial reads before
// servicing them through one shared read-only overlay transaction.
const DefaultBatchWindow = 5 * time.Millisecond

// ReadTxFactory opens a read-only overlay transaction for a batch drain.
type ReadTxFactory func(ctx context.Context) (*overlay.Transaction, error)

// readOutcome is the resolution of one batched read.
type readOutcome struct {
	rows []kv.Row
	err  error
}

// pendingRead collects the waiters of one deduplicated option hash.
type pendingRead struct {
	option  Option
	waiters []chan readOutcome
}

// Engine owns the query cache and the micro-batched read scheduler, and
// fans CDC batches out to every affected query.
type Engine struct {
	factory ReadTxFactory
	logger  zerolog.Logger
	window  time.Duration

	queries *xsync.MapOf[string, *Query]

	mu      sync.Mutex
	pending map[string]*pendingRead
	timer   *time.Timer
}

// NewEngine creates a query engine. window <= 0 selects DefaultBatchWindow.
func NewEngine(factory ReadTxFactory, window time.Duration, logger zerolog.Logger) *Engine {
	if window <= 0 {
		window = DefaultBatchWindow
	}
	return &Engine{
		factory: factory,
		logger:  logger.With().Str("component", "query-engine").Logger(),
		window:  window,
		queries: xsync.NewMapOf[string, *Query](),
		pending: make(map[string]*pendingRead),
	}
}

// Get returns the single live Query backing the option, creating and
// starting it on first use. Structurally equal options share one instance.
func (e *Engine) Get(ctx context.Context, option Option) *Query {
	hash := option.Hash()
	q, loaded := e.queries.LoadOrCompute(hash, func() *Query {
		return newQuery(option, func(ctx context.Context) ([]kv.Row, error) {
			return e.enqueueRead(ctx, option)
		}, e.logger)
	})
	if !loaded {
		q.start(ctx)
	}
	return q
}

// DispatchCDC routes a committed CDC batch to every cached query. Events on
// reserved collections never reach user-facing queries.
func (e *Engine) DispatchCDC(events []overlay.Event) {
	filtered := events[:0:0]
	for _, ev := range events {
		if !kv.IsReservedCollection(ev.CollectionName) {
			filtered = append(filtered, ev)
		}
	}
	if len(filtered) == 0 {
		return
	}
	metricCDCDispatched.Add(len(filtered))
	e.queries.Range(func(_ string, q *Query) bool {
		q.ApplyCDC(filtered)
		return true
	})
}

// --------------------------------------------------------------------------
// Micro-Batched Reads
// --------------------------------------------------------------------------

// enqueueRead registers an initial read under the option's hash and waits
// for the next drain. Identical concurrent reads share one storage query.
func (e *Engine) enqueueRead(ctx context.Context, option Option) ([]kv.Row, error) {
	outcome := make(chan readOutcome, 1)

	e.mu.Lock()
	hash := option.Hash()
	pr, ok := e.pending[hash]
	if !ok {
		pr = &pendingRead{option: option}
		e.pending[hash] = pr
	}
	pr.waiters = append(pr.waiters, outcome)
	if e.timer == nil {
		e.timer = time.AfterFunc(e.window, e.drain)
	}
	e.mu.Unlock()

	select {
	case out := <-outcome:
		return out.rows, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drain services every queued read through one read-only overlay
// transaction, then clears the timer so the next read opens a new window.
func (e *Engine) drain() {
	e.mu.Lock()
	batch := e.pending
	e.pending = make(map[string]*pendingRead)
	e.timer = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	metricBatchDrains.Inc()

	ctx := context.Background()
	tx, err := e.factory(ctx)
	if err != nil {
		for _, pr := range batch {
			resolve(pr, readOutcome{err: err})
		}
		return
	}
	defer tx.Rollback()

	for _, pr := range batch {
		metricBatchedReads.Inc()
		rows, err := e.execute(ctx, tx, pr.option)
		resolve(pr, readOutcome{rows: rows, err: err})
	}
}

// execute performs one option's read against the shared transaction.
func (e *Engine) execute(ctx context.Context, tx *overlay.Transaction, option Option) ([]kv.Row, error) {
	switch option.Method {
	case MethodGet:
		doc, ok, err := tx.QueryByKey(ctx, option.CollectionName, option.Key)
		if err != nil || !ok {
			return nil, err
		}
		return []kv.Row{{Key: option.Key, Value: doc}}, nil
	default:
		if option.Filter != nil {
			return tx.QueryByCondition(ctx, option.CollectionName, option.Filter)
		}
		return tx.QueryAll(ctx, option.CollectionName)
	}
}

func resolve(pr *pendingRead, out readOutcome) {
	for _, waiter := range pr.waiters {
		waiter <- out
	}
}
