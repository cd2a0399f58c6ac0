package query

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/kv/engines/memdb"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) (ReadTxFactory, *atomic.Int32) {
	t.Helper()
	engine := memdb.New()
	require.NoError(t, engine.DefineCollection(kv.CollectionSchema{Name: "todo"}))
	require.NoError(t, engine.Initialize(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })

	ctx := context.Background()
	kvTx, err := engine.Begin(ctx, kv.ReadWrite)
	require.NoError(t, err)
	_, err = kvTx.Insert(ctx, "todo", kv.StringKey("t1"), kv.Document{"title": "one"})
	require.NoError(t, err)
	require.NoError(t, kvTx.Commit(ctx))

	opens := &atomic.Int32{}
	factory := func(ctx context.Context) (*overlay.Transaction, error) {
		opens.Add(1)
		tx, err := engine.Begin(ctx, kv.ReadOnly)
		if err != nil {
			return nil, err
		}
		return overlay.NewTransaction(tx, zerolog.Nop()), nil
	}
	return factory, opens
}

// Scenario S5: two concurrent queries on the same option share one Query
// instance and one storage read.
func TestConcurrentIdenticalQueriesShareOneRead(t *testing.T) {
	factory, opens := newTestFactory(t)
	engine := NewEngine(factory, 5*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	q1 := engine.Get(ctx, GetAll("todo", nil))
	q2 := engine.Get(ctx, GetAll("todo", nil))
	assert.Same(t, q1, q2, "structurally equal options must share one Query")

	var wg sync.WaitGroup
	snapshots := make([][]kv.Row, 2)
	for i, q := range []*Query{q1, q2} {
		wg.Add(1)
		go func(i int, q *Query) {
			defer wg.Done()
			rows, err := q.Result(ctx)
			require.NoError(t, err)
			snapshots[i] = rows
		}(i, q)
	}
	wg.Wait()

	assert.Equal(t, snapshots[0], snapshots[1])
	assert.Equal(t, int32(1), opens.Load(), "one drain, one shared transaction")
}

func TestDistinctQueriesShareOneDrainTransaction(t *testing.T) {
	factory, opens := newTestFactory(t)
	engine := NewEngine(factory, 10*time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	q1 := engine.Get(ctx, GetAll("todo", nil))
	q2 := engine.Get(ctx, Get("todo", kv.StringKey("t1")))

	_, err := q1.Result(ctx)
	require.NoError(t, err)
	rows, err := q2.Result(ctx)
	require.NoError(t, err)

	require.Len(t, rows, 1)
	assert.Equal(t, "one", rows[0].Value["title"])
	assert.Equal(t, int32(1), opens.Load(), "reads within one window share a transaction")
}

func TestReadsAfterWindowOpenNewTransaction(t *testing.T) {
	factory, opens := newTestFactory(t)
	engine := NewEngine(factory, time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	_, err := engine.Get(ctx, GetAll("todo", nil)).Result(ctx)
	require.NoError(t, err)

	_, err = engine.Get(ctx, Get("todo", kv.StringKey("t1"))).Result(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), opens.Load())
}

func TestDispatchFiltersReservedCollections(t *testing.T) {
	factory, _ := newTestFactory(t)
	engine := NewEngine(factory, time.Millisecond, zerolog.Nop())

	ctx := context.Background()
	q := engine.Get(ctx, GetAll("todo", nil))
	_, err := q.Result(ctx)
	require.NoError(t, err)

	engine.DispatchCDC([]overlay.Event{
		{Type: overlay.EventInsert, CollectionName: kv.CollectionMutations, Key: kv.IntKey(1), Value: kv.Document{}},
		{Type: overlay.EventInsert, CollectionName: kv.CollectionMeta, Key: kv.StringKey("cursor"), Value: kv.Document{}},
	})

	rows, err := q.Result(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1, "reserved collection events must not reach queries")
}
