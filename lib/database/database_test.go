package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/kv/engines/memdb"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/query"
	"github.com/litcodeur/luminardb/lib/syncer"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keepRemote returns a resolver that accepts every push, so mutation rows
// stay in the log (pushed, unacknowledged) instead of being promoted.
func keepRemote() *syncer.RemoteResolver {
	var next uint64
	var mu sync.Mutex
	return &syncer.RemoteResolver{
		MutationFn: func(context.Context, any) (*common.PushResult, error) {
			mu.Lock()
			defer mu.Unlock()
			next++
			return &common.PushResult{ServerMutationID: next}, nil
		},
	}
}

func newTestDatabase(t *testing.T, opts ...Option) *Database {
	t.Helper()
	db := New("testdb", memdb.New(), opts...)
	require.NoError(t, db.DefineCollection(kv.CollectionSchema{
		Name:    "todo",
		Indexes: []kv.IndexSchema{{Field: "status"}},
	}))

	require.NoError(t, db.RegisterMutator("addTodo",
		func(ctx context.Context, tx *WriteTransaction, args any) (any, error) {
			doc := args.(kv.Document)
			key, _ := kv.KeyFromValue(doc["key"])
			value := doc["value"].(kv.Document)
			if err := tx.Collection("todo").Insert(ctx, key, value); err != nil {
				return nil, err
			}
			return kv.Document{"inserted": key.Value()}, nil
		}, keepRemote()))

	require.NoError(t, db.RegisterMutator("setStatus",
		func(ctx context.Context, tx *WriteTransaction, args any) (any, error) {
			doc := args.(kv.Document)
			key, _ := kv.KeyFromValue(doc["key"])
			return tx.Collection("todo").Update(ctx, key, kv.Document{"status": doc["status"]})
		}, keepRemote()))

	require.NoError(t, db.Initialize(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addTodo(t *testing.T, db *Database, key string, value kv.Document) {
	t.Helper()
	_, err := db.Mutate(context.Background(), "addTodo", kv.Document{"key": key, "value": value})
	require.NoError(t, err)
}

func TestMutateAndExecute(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	result, err := db.Mutate(ctx, "addTodo", kv.Document{
		"key":   "t1",
		"value": kv.Document{"title": "write tests", "status": "open"},
	})
	require.NoError(t, err)
	assert.Equal(t, kv.Document{"inserted": "t1"}, result)

	doc, ok, err := db.Collection("todo").Get(kv.StringKey("t1")).Execute(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "write tests", doc["title"])

	count, err := db.PendingMutationsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMutateErrorRollsBack(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	sentinel := errors.New("resolver failed")
	require.NoError(t, db.RegisterMutator("failing",
		func(ctx context.Context, tx *WriteTransaction, _ any) (any, error) {
			if err := tx.Collection("todo").Insert(ctx, kv.StringKey("ghost"), kv.Document{"title": "x"}); err != nil {
				return nil, err
			}
			return nil, sentinel
		}, nil))

	var batches [][]overlay.Event
	unsubscribe := db.SubscribeToCDC(func(events []overlay.Event) { batches = append(batches, events) })
	defer unsubscribe()

	_, err := db.Mutate(ctx, "failing", nil)
	assert.ErrorIs(t, err, sentinel)

	_, ok, err := db.Collection("todo").Get(kv.StringKey("ghost")).Execute(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, batches, "rolled-back mutations must emit no CDC")

	count, err := db.PendingMutationsCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSubscriptionsFollowMutations(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	addTodo(t, db, "t1", kv.Document{"title": "one", "status": "open"})

	var mu sync.Mutex
	var latest []kv.Row
	cond, err := condition.New("status", condition.Eq, "open")
	require.NoError(t, err)

	unsubscribe := db.Collection("todo").GetAll(cond).Subscribe(ctx, func(rows []kv.Row) {
		mu.Lock()
		latest = rows
		mu.Unlock()
	})
	defer unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1
	}, time.Second, 5*time.Millisecond)

	addTodo(t, db, "t2", kv.Document{"title": "two", "status": "open"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 2
	}, time.Second, 5*time.Millisecond)

	// closing t1 moves it out of the filtered subscription
	_, err = db.Mutate(ctx, "setStatus", kv.Document{"key": "t1", "status": "done"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Key.String() == "t2"
	}, time.Second, 5*time.Millisecond)
}

func TestWatchDeliversIncrementalChanges(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	q := db.Collection("todo").GetAll(nil)
	_, err := q.Execute(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var all []query.ResultChange
	unsubscribe := q.Watch(ctx, func(changes []query.ResultChange) {
		mu.Lock()
		all = append(all, changes...)
		mu.Unlock()
	})
	defer unsubscribe()

	addTodo(t, db, "t1", kv.Document{"title": "one", "status": "open"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 1 && all[0].Type == overlay.EventInsert
	}, time.Second, 5*time.Millisecond)
}

func TestBatchReadSharesOneSnapshot(t *testing.T) {
	db := newTestDatabase(t, WithBatchWindow(10*time.Millisecond))
	ctx := context.Background()

	addTodo(t, db, "t1", kv.Document{"title": "one", "status": "open"})

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := db.BatchRead(ctx, func(tx *ReadTransaction) error {
				rows, err := tx.GetAll(ctx, "todo")
				if err != nil {
					return err
				}
				results[i] = len(rows)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, results[0], results[1])
	assert.Equal(t, 1, results[0])
}

func TestApplyChangeReachesSubscribers(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	var mu sync.Mutex
	var latest []kv.Row
	unsubscribe := db.Collection("todo").GetAll(nil).Subscribe(ctx, func(rows []kv.Row) {
		mu.Lock()
		latest = rows
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, db.ApplyChange(ctx, &common.PullResponse{
		Change: map[string][]common.CollectionOperation{
			"todo": {{Action: common.ActionCreated, Key: "remote1", Value: kv.Document{"title": "from server"}}},
		},
		Cursor: "c1",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].Value["title"] == "from server"
	}, time.Second, 5*time.Millisecond)
}

func TestPendingCountNotification(t *testing.T) {
	db := newTestDatabase(t)

	var mu sync.Mutex
	var counts []int
	unsubscribe := db.OnPendingMutationsChange(func(count int) {
		mu.Lock()
		counts = append(counts, count)
		mu.Unlock()
	})
	defer unsubscribe()

	addTodo(t, db, "t1", kv.Document{"title": "one", "status": "open"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestReservedCollectionNamesRejected(t *testing.T) {
	db := New("testdb", memdb.New())
	assert.Error(t, db.DefineCollection(kv.CollectionSchema{Name: kv.CollectionMutations}))
	assert.Error(t, db.DefineCollection(kv.CollectionSchema{Name: kv.CollectionMeta}))
}
