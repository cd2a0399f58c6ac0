package query

import (
	"context"
	"testing"
	"time"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticRead(rows []kv.Row) readFunc {
	return func(context.Context) ([]kv.Row, error) { return rows, nil }
}

func startedQuery(t *testing.T, option Option, rows []kv.Row) *Query {
	t.Helper()
	q := newQuery(option, staticRead(rows), zerolog.Nop())
	q.start(context.Background())
	_, err := q.Result(context.Background())
	require.NoError(t, err)
	return q
}

func insertEvent(collection string, key kv.Key, value kv.Document) overlay.Event {
	return overlay.Event{Type: overlay.EventInsert, CollectionName: collection, Key: key, Value: value}
}

func updateEvent(collection string, key kv.Key, pre, delta kv.Document) overlay.Event {
	return overlay.Event{
		Type:            overlay.EventUpdate,
		CollectionName:  collection,
		Key:             key,
		PreUpdateValue:  pre,
		Delta:           delta,
		PostUpdateValue: util.MergeShallow(pre, delta),
	}
}

func deleteEvent(collection string, key kv.Key, value kv.Document) overlay.Event {
	return overlay.Event{Type: overlay.EventDelete, CollectionName: collection, Key: key, Value: value}
}

func mustCondition(t *testing.T, field string, cmp condition.Comparator, value any) *condition.Condition {
	t.Helper()
	cond, err := condition.New(field, cmp, value)
	require.NoError(t, err)
	return cond
}

func TestInitialReadResolvesSubscribers(t *testing.T) {
	rows := []kv.Row{{Key: kv.StringKey("a"), Value: kv.Document{"title": "a"}}}
	q := startedQuery(t, GetAll("todo", nil), rows)

	var got Snapshot
	unsubscribe := q.Subscribe(func(s Snapshot) { got = s })
	defer unsubscribe()

	assert.Equal(t, StateSuccess, got.State)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "a", got.Data[0].Value["title"])
}

func TestCDCWhileReadingIsBuffered(t *testing.T) {
	release := make(chan struct{})
	q := newQuery(GetAll("todo", nil), func(context.Context) ([]kv.Row, error) {
		<-release
		return []kv.Row{{Key: kv.StringKey("a"), Value: kv.Document{"title": "a"}}}, nil
	}, zerolog.Nop())
	q.start(context.Background())

	// arrives while the initial read is still in flight
	q.ApplyCDC([]overlay.Event{insertEvent("todo", kv.StringKey("b"), kv.Document{"title": "b"})})
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := q.Result(ctx)
	require.NoError(t, err)

	// the buffered event must drain through the incremental path
	require.Eventually(t, func() bool {
		rows, err := q.Result(context.Background())
		return err == nil && len(rows) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDocumentQueryFollowsItsKey(t *testing.T) {
	key := kv.StringKey("k1")
	q := startedQuery(t, Get("todo", key), []kv.Row{{Key: key, Value: kv.Document{"title": "a"}}})

	// a different key is ignored
	q.ApplyCDC([]overlay.Event{updateEvent("todo", kv.StringKey("other"), kv.Document{}, kv.Document{"title": "x"})})
	rows, err := q.Result(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Value["title"])

	q.ApplyCDC([]overlay.Event{updateEvent("todo", key, kv.Document{"title": "a"}, kv.Document{"title": "b"})})
	rows, err = q.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", rows[0].Value["title"])

	q.ApplyCDC([]overlay.Event{deleteEvent("todo", key, kv.Document{"title": "b"})})
	rows, err = q.Result(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFilteredQueryTracksMembership(t *testing.T) {
	cond := mustCondition(t, "status", condition.Eq, "open")
	k1, k2 := kv.StringKey("k1"), kv.StringKey("k2")

	q := startedQuery(t, GetAll("todo", cond), []kv.Row{
		{Key: k1, Value: kv.Document{"status": "open", "title": "one"}},
	})

	var watched [][]ResultChange
	unsubscribe := q.Watch(func(changes []ResultChange) { watched = append(watched, changes) })
	defer unsubscribe()

	// an update moves k2 into the set: surfaces as INSERT
	q.ApplyCDC([]overlay.Event{updateEvent("todo", k2, kv.Document{"status": "done"}, kv.Document{"status": "open"})})
	rows, err := q.Result(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// an update moves k1 out of the set: surfaces as DELETE
	q.ApplyCDC([]overlay.Event{updateEvent("todo", k1, kv.Document{"status": "open"}, kv.Document{"status": "done"})})
	rows, err = q.Result(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, k2, rows[0].Key)

	// inserts not matching the filter are ignored
	q.ApplyCDC([]overlay.Event{insertEvent("todo", kv.StringKey("k3"), kv.Document{"status": "done"})})
	rows, err = q.Result(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.Len(t, watched, 2)
	assert.Equal(t, overlay.EventInsert, watched[0][0].Type)
	assert.Equal(t, overlay.EventDelete, watched[1][0].Type)
}

func TestClearEmitsDeleteForEveryCachedKey(t *testing.T) {
	q := startedQuery(t, GetAll("todo", nil), []kv.Row{
		{Key: kv.StringKey("a"), Value: kv.Document{"title": "a"}},
		{Key: kv.StringKey("b"), Value: kv.Document{"title": "b"}},
	})

	var changes []ResultChange
	unsubscribe := q.Watch(func(c []ResultChange) { changes = c })
	defer unsubscribe()

	q.ApplyCDC([]overlay.Event{{Type: overlay.EventClear, CollectionName: "todo"}})

	rows, err := q.Result(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, overlay.EventDelete, c.Type)
	}
}

func TestWrongCollectionIsIgnored(t *testing.T) {
	q := startedQuery(t, GetAll("todo", nil), nil)
	q.ApplyCDC([]overlay.Event{insertEvent("user", kv.StringKey("u1"), kv.Document{"name": "x"})})

	rows, err := q.Result(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestIncrementalEqualsRecompute replays an event sequence both through the
// incremental path and against a model store recomputed from scratch; the
// cached result must match the recomputation after every step.
func TestIncrementalEqualsRecompute(t *testing.T) {
	cond := mustCondition(t, "rank", condition.Gte, 10)
	k1, k2, k3 := kv.StringKey("k1"), kv.StringKey("k2"), kv.StringKey("k3")

	initial := []kv.Row{
		{Key: k1, Value: kv.Document{"rank": 15}},
		{Key: k2, Value: kv.Document{"rank": 5}},
	}
	events := []overlay.Event{
		insertEvent("todo", k3, kv.Document{"rank": 20}),
		updateEvent("todo", k2, kv.Document{"rank": 5}, kv.Document{"rank": 12}),
		updateEvent("todo", k1, kv.Document{"rank": 15}, kv.Document{"rank": 1}),
		deleteEvent("todo", k3, kv.Document{"rank": 20}),
		insertEvent("todo", k1, kv.Document{"rank": 99}),
	}

	// model: the full collection state, recomputed filter per step
	model := map[kv.Key]kv.Document{}
	for _, row := range initial {
		model[row.Key] = row.Value
	}
	// the filtered query only sees matching initial rows
	filtered := []kv.Row{}
	for _, row := range initial {
		if cond.Satisfies(row.Value) {
			filtered = append(filtered, row)
		}
	}
	q := startedQuery(t, GetAll("todo", cond), filtered)

	for i, ev := range events {
		switch ev.Type {
		case overlay.EventInsert:
			model[ev.Key] = ev.Value
		case overlay.EventUpdate:
			base, ok := model[ev.Key]
			if !ok {
				base = ev.PreUpdateValue
			}
			model[ev.Key] = util.MergeShallow(base, ev.Delta)
		case overlay.EventDelete:
			delete(model, ev.Key)
		}
		q.ApplyCDC([]overlay.Event{ev})

		expected := map[string]any{}
		for key, value := range model {
			if cond.Satisfies(value) {
				expected[key.String()] = value["rank"]
			}
		}
		rows, err := q.Result(context.Background())
		require.NoError(t, err)
		actual := map[string]any{}
		for _, row := range rows {
			actual[row.Key.String()] = row.Value["rank"]
		}
		assert.Equal(t, expected, actual, "divergence after event %d (%s)", i, ev.Type)
	}
}
