package overlay

import (
	"context"
	"testing"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/kv/engines/memdb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) kv.IEngine {
	t.Helper()
	engine := memdb.New()
	require.NoError(t, engine.DefineCollection(kv.CollectionSchema{
		Name:    "todo",
		Indexes: []kv.IndexSchema{{Field: "status"}},
	}))
	require.NoError(t, engine.Initialize(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func beginOverlay(t *testing.T, engine kv.IEngine, mode kv.TransactionMode) *Transaction {
	t.Helper()
	kvTx, err := engine.Begin(context.Background(), mode)
	require.NoError(t, err)
	return NewTransaction(kvTx, zerolog.Nop())
}

// seedAuthoritative writes rows straight into the base store.
func seedAuthoritative(t *testing.T, engine kv.IEngine, collection string, rows ...kv.Row) {
	t.Helper()
	ctx := context.Background()
	kvTx, err := engine.Begin(ctx, kv.ReadWrite)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, kvTx.Upsert(ctx, collection, row.Key, row.Value))
	}
	require.NoError(t, kvTx.Commit(ctx))
}

// recordMutation runs fn against a fresh completed mutation and commits,
// returning the CDC batch the commit delivered.
func recordMutation(t *testing.T, engine kv.IEngine, fn func(tx *Transaction, m *Mutation)) []Event {
	t.Helper()
	ctx := context.Background()
	tx := beginOverlay(t, engine, kv.ReadWrite)

	m, err := tx.CreateMutation(ctx, "test", nil)
	require.NoError(t, err)
	fn(tx, m)
	require.NoError(t, tx.FinalizeMutation(ctx, m, nil))

	var delivered []Event
	tx.OnComplete(func(events []Event) { delivered = events })
	require.NoError(t, tx.Commit(ctx))
	return delivered
}

// --------------------------------------------------------------------------
// Scenario S1: insert + optimistic update
// --------------------------------------------------------------------------

func TestInsertThenUpdateThroughOverlay(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k1 := kv.StringKey("k1")

	events := recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", k1, kv.Document{"title": "a", "status": "incomplete"}))
		post, err := tx.RecordUpdate(ctx, m, "todo", k1, kv.Document{"title": "b"})
		require.NoError(t, err)
		assert.Equal(t, kv.Document{"title": "b", "status": "incomplete"}, post)
	})

	require.Len(t, events, 2)
	assert.Equal(t, EventInsert, events[0].Type)
	assert.Equal(t, kv.Document{"title": "a", "status": "incomplete"}, events[0].Value)
	assert.Equal(t, EventUpdate, events[1].Type)
	assert.Equal(t, kv.Document{"title": "b"}, events[1].Delta)
	assert.Equal(t, "b", events[1].PostUpdateValue["title"])

	// reads see the merged overlay, the base store stays empty
	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()

	doc, ok, err := read.QueryByKey(ctx, "todo", k1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kv.Document{"title": "b", "status": "incomplete"}, doc)

	_, inBase, err := read.KV().QueryByKey(ctx, "todo", k1)
	require.NoError(t, err)
	assert.False(t, inBase, "optimistic writes must not touch the authoritative store")
}

// --------------------------------------------------------------------------
// Scenario S2: overlay update moves a row into a filtered set
// --------------------------------------------------------------------------

func TestOverlayUpdateMovesRowIntoFilteredSet(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k2 := kv.StringKey("k2")

	seedAuthoritative(t, engine, "todo", kv.Row{Key: k2, Value: kv.Document{"status": "finished"}})

	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		_, err := tx.RecordUpdate(ctx, m, "todo", k2, kv.Document{"status": "incomplete"})
		require.NoError(t, err)
	})

	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()

	cond, err := condition.New("status", condition.Eq, "incomplete")
	require.NoError(t, err)
	rows, err := read.QueryByCondition(ctx, "todo", cond)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, k2, rows[0].Key)
	assert.Equal(t, "incomplete", rows[0].Value["status"])

	// and out of the set it came from
	finished, err := condition.New("status", condition.Eq, "finished")
	require.NoError(t, err)
	rows, err = read.QueryByCondition(ctx, "todo", finished)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// --------------------------------------------------------------------------
// Scenario S6: authoritative insert over a pending update
// --------------------------------------------------------------------------

func TestAuthoritativeInsertOverPendingUpdate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k := kv.StringKey("k")

	seedAuthoritative(t, engine, "todo", kv.Row{Key: k, Value: kv.Document{"title": "orig"}})
	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		_, err := tx.RecordUpdate(ctx, m, "todo", k, kv.Document{"title": "b"})
		require.NoError(t, err)
	})

	// simulate the authoritative row being replaced wholesale; the pending
	// UPDATE state must shine through the emitted insert
	tx := beginOverlay(t, engine, kv.ReadWrite)
	// drop the base row raw so the upsert derives as an INSERT
	require.NoError(t, tx.KV().Delete(ctx, "todo", k))
	require.NoError(t, tx.ApplyUpsert(ctx, "todo", k, kv.Document{"title": "a", "status": "x"}))

	var delivered []Event
	tx.OnComplete(func(events []Event) { delivered = events })
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, delivered, 1)
	assert.Equal(t, EventInsert, delivered[0].Type)
	assert.Equal(t, kv.Document{"title": "b", "status": "x"}, delivered[0].Value)

	// the base store holds the authoritative value
	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	base, ok, err := read.KV().QueryByKey(ctx, "todo", k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kv.Document{"title": "a", "status": "x"}, base)
}

// --------------------------------------------------------------------------
// Scenario S3: deleting an insert-only mutation emits the inverse delete
// --------------------------------------------------------------------------

func TestDeleteMutationEmitsInverseCDC(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k := kv.StringKey("k")
	value := kv.Document{"title": "optimistic"}

	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", k, value))
	})

	tx := beginOverlay(t, engine, kv.ReadWrite)
	muts, err := tx.Mutations(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	require.NoError(t, tx.DeleteMutation(ctx, muts[0]))

	var delivered []Event
	tx.OnComplete(func(events []Event) { delivered = events })
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, delivered, 1)
	assert.Equal(t, EventDelete, delivered[0].Type)
	assert.Equal(t, value, delivered[0].Value)

	// the overlay no longer shows the document
	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	_, ok, err := read.QueryByKey(ctx, "todo", k)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Promoting a mutation (re-apply, then delete the row) must be invisible to
// subscribers: the GC inversion cancels against the re-applied rows.
func TestPromoteMutationIsSilent(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k := kv.StringKey("k")

	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", k, kv.Document{"title": "a"}))
	})

	tx := beginOverlay(t, engine, kv.ReadWrite)
	muts, err := tx.Mutations(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	require.NoError(t, tx.ReapplyChanges(ctx, muts[0]))
	require.NoError(t, tx.DeleteMutation(ctx, muts[0]))

	var delivered []Event
	tx.OnComplete(func(events []Event) { delivered = events })
	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, delivered)

	// the document survived the promotion, now authoritatively
	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	doc, ok, err := read.KV().QueryByKey(ctx, "todo", k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", doc["title"])
}

// --------------------------------------------------------------------------
// Misc overlay behavior
// --------------------------------------------------------------------------

func TestRecordPreconditions(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k := kv.StringKey("k")

	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", k, kv.Document{"title": "a"}))

		err := tx.RecordInsert(ctx, m, "todo", k, kv.Document{"title": "again"})
		assert.True(t, kv.IsCode(err, kv.RetCDuplicateKey))

		_, err = tx.RecordUpdate(ctx, m, "todo", kv.StringKey("missing"), kv.Document{"x": 1})
		assert.True(t, kv.IsCode(err, kv.RetCKeyNotFound))

		err = tx.RecordDelete(ctx, m, "todo", kv.StringKey("missing"))
		assert.True(t, kv.IsCode(err, kv.RetCKeyNotFound))

		err = tx.RecordInsert(ctx, m, kv.CollectionMeta, kv.StringKey("x"), kv.Document{})
		assert.Error(t, err, "reserved collections reject user writes")
	})
}

func TestInsertOverPendingDeleteRestores(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	k := kv.StringKey("k")

	seedAuthoritative(t, engine, "todo", kv.Row{Key: k, Value: kv.Document{"title": "orig"}})
	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordDelete(ctx, m, "todo", k))
	})

	events := recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", k, kv.Document{"title": "fresh"}))
	})
	require.Len(t, events, 1)
	assert.Equal(t, EventInsert, events[0].Type)

	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	doc, ok, err := read.QueryByKey(ctx, "todo", k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", doc["title"])
}

func TestQueryAllMergesOverlay(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	seedAuthoritative(t, engine, "todo",
		kv.Row{Key: kv.StringKey("a"), Value: kv.Document{"title": "a"}},
		kv.Row{Key: kv.StringKey("b"), Value: kv.Document{"title": "b"}},
	)
	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordDelete(ctx, m, "todo", kv.StringKey("a")))
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", kv.StringKey("c"), kv.Document{"title": "c"}))
		_, err := tx.RecordUpdate(ctx, m, "todo", kv.StringKey("b"), kv.Document{"done": true})
		require.NoError(t, err)
	})

	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	rows, err := read.QueryAll(ctx, "todo")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Key.String())
	assert.Equal(t, true, rows[0].Value["done"])
	assert.Equal(t, "c", rows[1].Key.String())
}

func TestRollbackSuppressesCDC(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	tx := beginOverlay(t, engine, kv.ReadWrite)
	m, err := tx.CreateMutation(ctx, "test", nil)
	require.NoError(t, err)
	require.NoError(t, tx.RecordInsert(ctx, m, "todo", kv.StringKey("k"), kv.Document{"title": "a"}))

	fired := false
	tx.OnComplete(func([]Event) { fired = true })
	require.NoError(t, tx.Rollback())
	assert.False(t, fired)

	read := beginOverlay(t, engine, kv.ReadOnly)
	defer read.Rollback()
	_, ok, err := read.QueryByKey(ctx, "todo", kv.StringKey("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutationRowRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	recordMutation(t, engine, func(tx *Transaction, m *Mutation) {
		require.NoError(t, tx.RecordInsert(ctx, m, "todo", kv.IntKey(7), kv.Document{"title": "int-keyed"}))
	})

	tx := beginOverlay(t, engine, kv.ReadWrite)
	defer tx.Rollback()
	muts, err := tx.Mutations(ctx)
	require.NoError(t, err)
	require.Len(t, muts, 1)

	m := muts[0]
	m.IsPushed = true
	m.ServerMutationID = 42
	m.RemotePushAttempts = 3
	require.NoError(t, tx.UpdateMutation(ctx, m))

	reloaded, ok, err := tx.GetMutation(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, reloaded.IsPushed)
	assert.True(t, reloaded.IsCompleted)
	assert.Equal(t, uint64(42), reloaded.ServerMutationID)
	assert.Equal(t, 3, reloaded.RemotePushAttempts)
	require.Len(t, reloaded.Changes, 1)
	assert.Equal(t, kv.IntKey(7), reloaded.Changes[0].Key)
	assert.Equal(t, []string{"todo"}, reloaded.CollectionsAffected)
}
