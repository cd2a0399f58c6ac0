package query

import (
	"context"
	"sort"
	"sync"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Query State
// --------------------------------------------------------------------------

// State is the lifecycle of a reactive query.
type State int

const (
	StateIdle State = iota
	StateReading
	StateSuccess
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "Unknown"
	}
}

// ResultChange describes one incremental change to a cached result.
type ResultChange struct {
	Type  overlay.EventType
	Key   kv.Key
	Value kv.Document // post-image for INSERT/UPDATE, last value for DELETE
}

// Snapshot is the full observable state of a query at one notification.
type Snapshot struct {
	State   State
	Data    []kv.Row // sorted by key
	Err     error
	Changes []ResultChange // delta since the previous notification
}

// --------------------------------------------------------------------------
// Query
// --------------------------------------------------------------------------

// readFunc is the injected initial read; the engine batches these over a
// shared read-only overlay transaction.
type readFunc func(ctx context.Context) ([]kv.Row, error)

// Query is a cached, live-updating result bound to exactly one Option.
type Query struct {
	option Option
	read   readFunc
	logger zerolog.Logger

	mu     sync.Mutex
	state  State
	data   map[kv.Key]kv.Document
	err    error
	buffer [][]overlay.Event // CDC batches received while reading
	done   chan struct{}     // closed when the initial read resolves

	subscribers *util.Subscribable[Snapshot]
	watchers    *util.Subscribable[[]ResultChange]
}

// newQuery constructs an idle query; the engine starts it immediately.
func newQuery(option Option, read readFunc, logger zerolog.Logger) *Query {
	return &Query{
		option:      option,
		read:        read,
		logger:      logger.With().Str("component", "query").Str("collection", option.CollectionName).Logger(),
		state:       StateIdle,
		data:        make(map[kv.Key]kv.Document),
		done:        make(chan struct{}),
		subscribers: util.NewSubscribable[Snapshot](),
		watchers:    util.NewSubscribable[[]ResultChange](),
	}
}

// Option returns the query's identity.
func (q *Query) Option() Option {
	return q.option
}

// start schedules the initial read. Called once by the engine.
func (q *Query) start(ctx context.Context) {
	q.mu.Lock()
	if q.state != StateIdle {
		q.mu.Unlock()
		return
	}
	q.state = StateReading
	q.mu.Unlock()

	go func() {
		rows, err := q.read(ctx)
		q.resolveInitialRead(rows, err)
	}()
}

// resolveInitialRead flips the query out of the reading state and drains
// every CDC batch buffered while the read was in flight.
func (q *Query) resolveInitialRead(rows []kv.Row, err error) {
	q.mu.Lock()
	if q.state != StateReading {
		q.mu.Unlock()
		return
	}

	var buffered [][]overlay.Event
	if err != nil {
		q.state = StateError
		q.err = err
	} else {
		q.state = StateSuccess
		q.data = make(map[kv.Key]kv.Document, len(rows))
		for _, row := range rows {
			q.data[row.Key] = row.Value
		}
		buffered = q.buffer
	}
	q.buffer = nil
	close(q.done)
	snapshot := q.snapshotLocked(nil)
	q.mu.Unlock()

	q.subscribers.Notify(snapshot)
	for _, batch := range buffered {
		q.ApplyCDC(batch)
	}
}

// Result blocks until the initial read resolved and returns the current
// data (or the read error).
func (q *Query) Result(ctx context.Context) ([]kv.Row, error) {
	select {
	case <-q.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateError {
		return nil, q.err
	}
	return q.rowsLocked(), nil
}

// Subscribe registers a full-data listener. If the query already resolved,
// the listener immediately receives the current snapshot.
func (q *Query) Subscribe(fn func(Snapshot)) func() {
	unsubscribe := q.subscribers.Subscribe(fn)

	q.mu.Lock()
	resolved := q.state == StateSuccess || q.state == StateError
	snapshot := q.snapshotLocked(nil)
	q.mu.Unlock()

	if resolved {
		fn(snapshot)
	}
	return unsubscribe
}

// Watch registers an incremental-change listener: it receives only the
// change lists, never full snapshots.
func (q *Query) Watch(fn func([]ResultChange)) func() {
	return q.watchers.Subscribe(fn)
}

// SubscriberCount reports how many full-data and watch listeners are live.
func (q *Query) SubscriberCount() int {
	return q.subscribers.Len() + q.watchers.Len()
}

// --------------------------------------------------------------------------
// Incremental CDC Application
// --------------------------------------------------------------------------

// ApplyCDC folds a batch of CDC events into the cached result. Events for
// other collections or outside the query's scope are ignored; a batch that
// changes the result publishes exactly one notification carrying the
// accumulated change list.
func (q *Query) ApplyCDC(events []overlay.Event) {
	q.mu.Lock()
	switch q.state {
	case StateIdle:
		q.mu.Unlock()
		q.logger.Warn().Msg("CDC delivered to idle query; suppressed")
		return
	case StateReading:
		q.buffer = append(q.buffer, events)
		q.mu.Unlock()
		return
	case StateError:
		q.mu.Unlock()
		return
	}

	var changes []ResultChange
	for _, ev := range events {
		if !q.affects(ev) {
			continue
		}
		changes = append(changes, q.applyLocked(ev)...)
	}
	if len(changes) == 0 {
		q.mu.Unlock()
		return
	}
	snapshot := q.snapshotLocked(changes)
	q.mu.Unlock()

	q.subscribers.Notify(snapshot)
	q.watchers.Notify(changes)
}

// affects is the query's CDC relevance predicate.
func (q *Query) affects(ev overlay.Event) bool {
	if ev.CollectionName != q.option.CollectionName {
		return false
	}
	if ev.Type == overlay.EventClear {
		return true
	}
	if q.option.Method == MethodGet {
		return ev.Key.Compare(q.option.Key) == 0
	}
	if q.option.Filter == nil {
		return true
	}
	switch ev.Type {
	case overlay.EventInsert, overlay.EventDelete:
		return q.option.Filter.Satisfies(ev.Value)
	case overlay.EventUpdate:
		// a row can move in or out of the filtered set; it is in scope if
		// it is cached now or if its post-image matches
		if _, cached := q.data[ev.Key]; cached {
			return true
		}
		return q.option.Filter.Satisfies(ev.PostUpdateValue)
	default:
		return false
	}
}

// applyLocked mutates the cached result for one event. Caller holds q.mu.
func (q *Query) applyLocked(ev overlay.Event) []ResultChange {
	switch ev.Type {
	case overlay.EventClear:
		changes := make([]ResultChange, 0, len(q.data))
		for key, value := range q.data {
			changes = append(changes, ResultChange{Type: overlay.EventDelete, Key: key, Value: value})
		}
		sort.Slice(changes, func(i, j int) bool { return changes[i].Key.Compare(changes[j].Key) < 0 })
		q.data = make(map[kv.Key]kv.Document)
		return changes

	case overlay.EventInsert:
		q.data[ev.Key] = util.CloneDocument(ev.Value)
		return []ResultChange{{Type: overlay.EventInsert, Key: ev.Key, Value: q.data[ev.Key]}}

	case overlay.EventDelete:
		value, cached := q.data[ev.Key]
		if !cached {
			return nil
		}
		delete(q.data, ev.Key)
		return []ResultChange{{Type: overlay.EventDelete, Key: ev.Key, Value: value}}

	case overlay.EventUpdate:
		base, cached := q.data[ev.Key]
		post := ev.PostUpdateValue
		if cached {
			post = util.MergeShallow(base, ev.Delta)
		}
		if q.option.Method == MethodGetAll && q.option.Filter != nil && !q.option.Filter.Satisfies(post) {
			// the update moved the row out of the filtered set
			if !cached {
				return nil
			}
			delete(q.data, ev.Key)
			return []ResultChange{{Type: overlay.EventDelete, Key: ev.Key, Value: base}}
		}
		q.data[ev.Key] = util.CloneDocument(post)
		if !cached {
			return []ResultChange{{Type: overlay.EventInsert, Key: ev.Key, Value: q.data[ev.Key]}}
		}
		return []ResultChange{{Type: overlay.EventUpdate, Key: ev.Key, Value: q.data[ev.Key]}}
	}
	return nil
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// rowsLocked materializes the cached result sorted by key. Caller holds q.mu.
func (q *Query) rowsLocked() []kv.Row {
	rows := make([]kv.Row, 0, len(q.data))
	for k, v := range q.data {
		rows = append(rows, kv.Row{Key: k, Value: util.CloneDocument(v)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.Compare(rows[j].Key) < 0 })
	return rows
}

func (q *Query) snapshotLocked(changes []ResultChange) Snapshot {
	return Snapshot{
		State:   q.state,
		Data:    q.rowsLocked(),
		Err:     q.err,
		Changes: changes,
	}
}
