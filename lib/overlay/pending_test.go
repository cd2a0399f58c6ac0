package overlay

import (
	"math/rand"
	"testing"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(id uint64, ts int64, typ EventType, collection string, key kv.Key, docs ...kv.Document) PendingChange {
	c := PendingChange{
		ID:             NewChangeID(id, ts),
		Timestamp:      ts,
		Type:           typ,
		CollectionName: collection,
		Key:            key,
	}
	switch typ {
	case EventInsert, EventDelete:
		if len(docs) > 0 {
			c.Value = docs[0]
		}
	case EventUpdate:
		c.PreUpdateValue = docs[0]
		c.Delta = docs[1]
		c.PostUpdateValue = mergeDocs(docs[0], docs[1])
	}
	return c
}

func mergeDocs(base, delta kv.Document) kv.Document {
	out := kv.Document{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

func completedMutation(id uint64, changes ...PendingChange) Mutation {
	return Mutation{ID: id, Name: "m", IsCompleted: true, Changes: changes}
}

func TestFoldBasicTransitions(t *testing.T) {
	k := kv.StringKey("k1")
	state := Fold([]Mutation{
		completedMutation(1,
			change(1, 10, EventInsert, "todo", k, kv.Document{"title": "a"}),
		),
		completedMutation(2,
			change(2, 20, EventUpdate, "todo", k, kv.Document{"title": "a"}, kv.Document{"title": "b"}),
		),
	}, zerolog.Nop())

	p := state.Get("todo", k)
	require.NotNil(t, p)
	assert.Equal(t, StateUpdatePostInsert, p.Kind)
	assert.Equal(t, "b", p.Value["title"])
	assert.Equal(t, kv.Document{"title": "b"}, p.Delta)
}

func TestFoldIgnoresIncompleteMutations(t *testing.T) {
	k := kv.StringKey("k1")
	state := Fold([]Mutation{
		{ID: 1, Changes: []PendingChange{change(1, 10, EventInsert, "todo", k, kv.Document{"title": "a"})}},
	}, zerolog.Nop())
	assert.Nil(t, state.Get("todo", k))
}

func TestFoldDeleteThenInsertRestores(t *testing.T) {
	k := kv.StringKey("k1")
	state := Fold([]Mutation{
		completedMutation(1, change(1, 10, EventDelete, "todo", k, kv.Document{"title": "old"})),
		completedMutation(2, change(2, 20, EventInsert, "todo", k, kv.Document{"title": "new"})),
	}, zerolog.Nop())

	p := state.Get("todo", k)
	require.NotNil(t, p)
	assert.Equal(t, StateInserted, p.Kind)
	assert.Equal(t, "new", p.Value["title"])
}

func TestFoldUpdateOverDeleteIsIgnored(t *testing.T) {
	k := kv.StringKey("k1")
	state := Fold([]Mutation{
		completedMutation(1, change(1, 10, EventDelete, "todo", k, kv.Document{"title": "old"})),
		completedMutation(2, change(2, 20, EventUpdate, "todo", k, kv.Document{}, kv.Document{"title": "x"})),
	}, zerolog.Nop())

	p := state.Get("todo", k)
	require.NotNil(t, p)
	assert.Equal(t, StateDeleted, p.Kind)
}

func TestFoldAccumulatesUpdateDeltas(t *testing.T) {
	k := kv.StringKey("k1")
	state := Fold([]Mutation{
		completedMutation(1, change(1, 10, EventUpdate, "todo", k,
			kv.Document{"title": "a", "status": "open"}, kv.Document{"title": "b"})),
		completedMutation(2, change(2, 20, EventUpdate, "todo", k,
			kv.Document{"title": "b", "status": "open"}, kv.Document{"status": "done"})),
	}, zerolog.Nop())

	p := state.Get("todo", k)
	require.NotNil(t, p)
	assert.Equal(t, StateUpdated, p.Kind)
	assert.Equal(t, kv.Document{"title": "b", "status": "done"}, p.Delta)
}

// TestFoldIsDeterministic shuffles the mutation list; the fold sorts by
// (mutationID, timestamp), so every permutation must produce the same map.
func TestFoldIsDeterministic(t *testing.T) {
	k1, k2 := kv.StringKey("k1"), kv.StringKey("k2")
	mutations := []Mutation{
		completedMutation(1,
			change(1, 10, EventInsert, "todo", k1, kv.Document{"title": "a"}),
			change(1, 11, EventUpdate, "todo", k1, kv.Document{"title": "a"}, kv.Document{"title": "b"}),
		),
		completedMutation(2, change(2, 20, EventDelete, "todo", k1, kv.Document{"title": "b"})),
		completedMutation(3, change(3, 30, EventInsert, "todo", k2, kv.Document{"title": "c"})),
		completedMutation(4, change(4, 40, EventUpdate, "todo", k2, kv.Document{"title": "c"}, kv.Document{"rank": 1})),
	}

	reference := Fold(mutations, zerolog.Nop())
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]Mutation(nil), mutations...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, reference, Fold(shuffled, zerolog.Nop()))
	}
}
