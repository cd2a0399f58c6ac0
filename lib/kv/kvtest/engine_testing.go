package kvtest

import (
	"context"
	"testing"

	"github.com/litcodeur/luminardb/lib/kv"
)

// TestSchemas returns the collection set the conformance suite runs against.
// Factories must register these before initializing the engine.
func TestSchemas() []kv.CollectionSchema {
	return []kv.CollectionSchema{
		{Name: "todo", Indexes: []kv.IndexSchema{{Field: "status"}}},
		{Name: "user", Indexes: []kv.IndexSchema{
			{Field: "email", Unique: true},
			{Field: "tags", MultiEntry: true},
		}},
	}
}

// RunEngineTests runs the conformance suite for an engine implementation.
func RunEngineTests(t *testing.T, name string, factory kv.EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("InsertAndQueryByKey", func(t *testing.T) {
			testInsertAndQueryByKey(t, mustEngine(t, factory))
		})
		t.Run("DuplicateInsert", func(t *testing.T) {
			testDuplicateInsert(t, mustEngine(t, factory))
		})
		t.Run("UpdateMissing", func(t *testing.T) {
			testUpdateMissing(t, mustEngine(t, factory))
		})
		t.Run("UpsertAndDelete", func(t *testing.T) {
			testUpsertAndDelete(t, mustEngine(t, factory))
		})
		t.Run("QueryAllOrdered", func(t *testing.T) {
			testQueryAllOrdered(t, mustEngine(t, factory))
		})
		t.Run("QueryByCondition", func(t *testing.T) {
			testQueryByCondition(t, mustEngine(t, factory))
		})
		t.Run("ConditionRequiresIndex", func(t *testing.T) {
			testConditionRequiresIndex(t, mustEngine(t, factory))
		})
		t.Run("UniqueIndex", func(t *testing.T) {
			testUniqueIndex(t, mustEngine(t, factory))
		})
		t.Run("MultiEntryIndex", func(t *testing.T) {
			testMultiEntryIndex(t, mustEngine(t, factory))
		})
		t.Run("AutoIncrement", func(t *testing.T) {
			testAutoIncrement(t, mustEngine(t, factory))
		})
		t.Run("Clear", func(t *testing.T) {
			testClear(t, mustEngine(t, factory))
		})
		t.Run("RollbackDiscardsWrites", func(t *testing.T) {
			testRollbackDiscardsWrites(t, mustEngine(t, factory))
		})
		t.Run("ReadsAreDetached", func(t *testing.T) {
			testReadsAreDetached(t, mustEngine(t, factory))
		})
		t.Run("OnCompleteFiresAfterCommit", func(t *testing.T) {
			testOnCompleteFiresAfterCommit(t, mustEngine(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustEngine(t *testing.T, factory kv.EngineFactory) kv.IEngine {
	t.Helper()
	engine, err := factory()
	if err != nil {
		t.Fatalf("engine factory failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func mustBegin(t *testing.T, engine kv.IEngine, mode kv.TransactionMode) kv.ITransaction {
	t.Helper()
	tx, err := engine.Begin(context.Background(), mode)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	return tx
}

func mustInsert(t *testing.T, tx kv.ITransaction, collection string, key kv.Key, value kv.Document) {
	t.Helper()
	if _, err := tx.Insert(context.Background(), collection, key, value); err != nil {
		t.Fatalf("insert %s/%s failed: %v", collection, key, err)
	}
}

func mustCommit(t *testing.T, tx kv.ITransaction) {
	t.Helper()
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

// seed commits a handful of rows in one transaction.
func seed(t *testing.T, engine kv.IEngine, collection string, rows []kv.Row) {
	t.Helper()
	tx := mustBegin(t, engine, kv.ReadWrite)
	for _, r := range rows {
		mustInsert(t, tx, collection, r.Key, r.Value)
	}
	mustCommit(t, tx)
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInsertAndQueryByKey(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("t1"), Value: kv.Document{"title": "a", "status": "incomplete"}},
	})

	tx := mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()

	doc, ok, err := tx.QueryByKey(ctx, "todo", kv.StringKey("t1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !ok {
		t.Fatal("expected row t1 to exist")
	}
	if doc["title"] != "a" {
		t.Errorf("expected title a, got %v", doc["title"])
	}

	_, ok, err = tx.QueryByKey(ctx, "todo", kv.StringKey("missing"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ok {
		t.Error("expected missing key to report ok=false")
	}
}

func testDuplicateInsert(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("t1"), Value: kv.Document{"title": "a"}},
	})

	tx := mustBegin(t, engine, kv.ReadWrite)
	defer tx.Rollback()

	_, err := tx.Insert(ctx, "todo", kv.StringKey("t1"), kv.Document{"title": "b"})
	if !kv.IsCode(err, kv.RetCDuplicateKey) {
		t.Errorf("expected DuplicateKey, got %v", err)
	}
}

func testUpdateMissing(t *testing.T, engine kv.IEngine) {
	tx := mustBegin(t, engine, kv.ReadWrite)
	defer tx.Rollback()

	err := tx.Update(context.Background(), "todo", kv.StringKey("missing"), kv.Document{"title": "x"})
	if !kv.IsCode(err, kv.RetCKeyNotFound) {
		t.Errorf("expected KeyNotFound, got %v", err)
	}
}

func testUpsertAndDelete(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	tx := mustBegin(t, engine, kv.ReadWrite)
	if err := tx.Upsert(ctx, "todo", kv.StringKey("t1"), kv.Document{"title": "a"}); err != nil {
		t.Fatalf("upsert (insert) failed: %v", err)
	}
	if err := tx.Upsert(ctx, "todo", kv.StringKey("t1"), kv.Document{"title": "b"}); err != nil {
		t.Fatalf("upsert (replace) failed: %v", err)
	}
	if err := tx.Delete(ctx, "todo", kv.StringKey("never-existed")); err != nil {
		t.Fatalf("delete of missing key must be a no-op, got %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, engine, kv.ReadWrite)
	if err := tx.Delete(ctx, "todo", kv.StringKey("t1")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()
	_, ok, err := tx.QueryByKey(ctx, "todo", kv.StringKey("t1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ok {
		t.Error("expected t1 to be deleted")
	}
}

func testQueryAllOrdered(t *testing.T, engine kv.IEngine) {
	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("b"), Value: kv.Document{"title": "2"}},
		{Key: kv.StringKey("a"), Value: kv.Document{"title": "1"}},
		{Key: kv.IntKey(7), Value: kv.Document{"title": "0"}},
	})

	tx := mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()

	rows, err := tx.QueryAll(context.Background(), "todo")
	if err != nil {
		t.Fatalf("queryAll failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	// integer keys order before string keys
	want := []kv.Key{kv.IntKey(7), kv.StringKey("a"), kv.StringKey("b")}
	for i, w := range want {
		if rows[i].Key.Compare(w) != 0 {
			t.Errorf("row %d: expected key %s, got %s", i, w, rows[i].Key)
		}
	}
}

func testQueryByCondition(t *testing.T, engine kv.IEngine) {
	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("t1"), Value: kv.Document{"status": "incomplete"}},
		{Key: kv.StringKey("t2"), Value: kv.Document{"status": "finished"}},
		{Key: kv.StringKey("t3"), Value: kv.Document{"status": "incomplete"}},
	})

	tx := mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()

	eq := "incomplete"
	rows, err := tx.QueryByCondition(context.Background(), "todo", "status", kv.Range{
		Lower: &kv.Bound{Value: eq},
		Upper: &kv.Bound{Value: eq},
	})
	if err != nil {
		t.Fatalf("queryByCondition failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Key.String() != "t1" || rows[1].Key.String() != "t3" {
		t.Errorf("unexpected keys %s, %s", rows[0].Key, rows[1].Key)
	}
}

func testConditionRequiresIndex(t *testing.T, engine kv.IEngine) {
	tx := mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()

	_, err := tx.QueryByCondition(context.Background(), "todo", "title", kv.Range{})
	if !kv.IsCode(err, kv.RetCIndexNotFound) {
		t.Errorf("expected IndexNotFound, got %v", err)
	}
}

func testUniqueIndex(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	seed(t, engine, "user", []kv.Row{
		{Key: kv.StringKey("u1"), Value: kv.Document{"email": "a@example.com"}},
	})

	tx := mustBegin(t, engine, kv.ReadWrite)
	defer tx.Rollback()

	_, err := tx.Insert(ctx, "user", kv.StringKey("u2"), kv.Document{"email": "a@example.com"})
	if !kv.IsCode(err, kv.RetCUniqueViolation) {
		t.Errorf("expected UniqueViolation, got %v", err)
	}

	// updating a row to its own value must not trip the unique check
	if err := tx.Update(ctx, "user", kv.StringKey("u1"), kv.Document{"email": "a@example.com", "name": "x"}); err != nil {
		t.Errorf("self-update failed: %v", err)
	}
}

func testMultiEntryIndex(t *testing.T, engine kv.IEngine) {
	seed(t, engine, "user", []kv.Row{
		{Key: kv.StringKey("u1"), Value: kv.Document{"email": "a@x", "tags": []any{"go", "db"}}},
		{Key: kv.StringKey("u2"), Value: kv.Document{"email": "b@x", "tags": []any{"db"}}},
		{Key: kv.StringKey("u3"), Value: kv.Document{"email": "c@x", "tags": []any{"web"}}},
	})

	tx := mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()

	rows, err := tx.QueryByCondition(context.Background(), "user", "tags", kv.Range{
		Lower: &kv.Bound{Value: "db"},
		Upper: &kv.Bound{Value: "db"},
	})
	if err != nil {
		t.Fatalf("queryByCondition failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func testAutoIncrement(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	tx := mustBegin(t, engine, kv.ReadWrite)
	k1, err := tx.Insert(ctx, kv.CollectionMutations, kv.Key{}, kv.Document{"mutationName": "a"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	k2, err := tx.Insert(ctx, kv.CollectionMutations, kv.Key{}, kv.Document{"mutationName": "b"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	mustCommit(t, tx)

	if !k1.IsInt() || !k2.IsInt() {
		t.Fatalf("expected integer keys, got %s, %s", k1, k2)
	}
	if k2.Int() <= k1.Int() {
		t.Errorf("expected strictly increasing keys, got %d then %d", k1.Int(), k2.Int())
	}
}

func testClear(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("t1"), Value: kv.Document{"status": "incomplete"}},
		{Key: kv.StringKey("t2"), Value: kv.Document{"status": "finished"}},
	})

	tx := mustBegin(t, engine, kv.ReadWrite)
	if err := tx.Clear(ctx, "todo"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, engine, kv.ReadOnly)
	defer tx.Rollback()
	rows, err := tx.QueryAll(ctx, "todo")
	if err != nil {
		t.Fatalf("queryAll failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty collection, got %d rows", len(rows))
	}

	// the index keyspace must be empty too
	rows, err = tx.QueryByCondition(ctx, "todo", "status", kv.Range{})
	if err != nil {
		t.Fatalf("queryByCondition failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected empty index scan, got %d rows", len(rows))
	}
}

func testRollbackDiscardsWrites(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	tx := mustBegin(t, engine, kv.ReadWrite)
	mustInsert(t, tx, "todo", kv.StringKey("t1"), kv.Document{"title": "a"})
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if tx.IsActive() {
		t.Error("expected transaction to be inactive after rollback")
	}

	tx2 := mustBegin(t, engine, kv.ReadOnly)
	defer tx2.Rollback()
	_, ok, err := tx2.QueryByKey(ctx, "todo", kv.StringKey("t1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if ok {
		t.Error("expected rolled-back insert to be invisible")
	}
}

func testReadsAreDetached(t *testing.T, engine kv.IEngine) {
	ctx := context.Background()

	seed(t, engine, "todo", []kv.Row{
		{Key: kv.StringKey("t1"), Value: kv.Document{"title": "a"}},
	})

	tx := mustBegin(t, engine, kv.ReadOnly)
	doc, _, err := tx.QueryByKey(ctx, "todo", kv.StringKey("t1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	doc["title"] = "mutated"
	tx.Rollback()

	tx2 := mustBegin(t, engine, kv.ReadOnly)
	defer tx2.Rollback()
	doc2, _, err := tx2.QueryByKey(ctx, "todo", kv.StringKey("t1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if doc2["title"] != "a" {
		t.Errorf("stored row was mutated through a read result: %v", doc2["title"])
	}
}

func testOnCompleteFiresAfterCommit(t *testing.T, engine kv.IEngine) {
	tx := mustBegin(t, engine, kv.ReadWrite)
	mustInsert(t, tx, "todo", kv.StringKey("t1"), kv.Document{"title": "a"})

	fired := false
	tx.OnComplete(func() { fired = true })
	if fired {
		t.Fatal("onComplete fired before commit")
	}
	mustCommit(t, tx)
	if !fired {
		t.Error("onComplete did not fire after commit")
	}
}
