package broadcast

import (
	"context"
	"testing"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var got []Message
	unsubscribe := bus.Subscribe(func(msg Message) { got = append(got, msg) })

	msg := Message{Origin: "a", DBName: "db", Events: []EventPayload{{Type: "INSERT", CollectionName: "todo", Key: "k"}}}
	require.NoError(t, bus.Publish(context.Background(), msg))
	require.Len(t, got, 1)
	assert.Equal(t, "todo", got[0].Events[0].CollectionName)

	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), msg))
	assert.Len(t, got, 1, "unsubscribed listeners receive nothing")
}

func TestEncodeEvents(t *testing.T) {
	events := []overlay.Event{
		{Type: overlay.EventInsert, CollectionName: "todo", Key: kv.StringKey("k"), Value: kv.Document{"title": "a"}},
		{Type: overlay.EventClear, CollectionName: "todo"},
		{
			Type:            overlay.EventUpdate,
			CollectionName:  "todo",
			Key:             kv.IntKey(7),
			PreUpdateValue:  kv.Document{"title": "a"},
			Delta:           kv.Document{"title": "b"},
			PostUpdateValue: kv.Document{"title": "b"},
		},
	}

	payloads := EncodeEvents(events)
	require.Len(t, payloads, 3)
	assert.Equal(t, "INSERT", payloads[0].Type)
	assert.Equal(t, "k", payloads[0].Key)
	assert.Equal(t, "CLEAR", payloads[1].Type)
	assert.Nil(t, payloads[1].Key)
	assert.Equal(t, "UPDATE", payloads[2].Type)
	assert.Equal(t, int64(7), payloads[2].Key)
	assert.Equal(t, "b", payloads[2].Delta["title"])
}
