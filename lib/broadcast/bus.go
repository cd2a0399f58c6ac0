package broadcast

import (
	"context"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/overlay"
	"github.com/litcodeur/luminardb/lib/util"
)

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// EventPayload is the wire form of one CDC event.
type EventPayload struct {
	Type            string      `json:"type"`
	CollectionName  string      `json:"collectionName"`
	Key             any         `json:"key,omitempty"`
	Value           kv.Document `json:"value,omitempty"`
	PreUpdateValue  kv.Document `json:"preUpdateValue,omitempty"`
	PostUpdateValue kv.Document `json:"postUpdateValue,omitempty"`
	Delta           kv.Document `json:"delta,omitempty"`
}

// Message is one bus notification: which instance changed which database,
// with the committed CDC batch attached.
type Message struct {
	Origin string         `json:"origin"` // sender instance ID
	DBName string         `json:"dbName"`
	Events []EventPayload `json:"events"`
}

// EncodeEvents converts a CDC batch to its wire form.
func EncodeEvents(events []overlay.Event) []EventPayload {
	out := make([]EventPayload, len(events))
	for i, ev := range events {
		out[i] = EventPayload{
			Type:            ev.Type.String(),
			CollectionName:  ev.CollectionName,
			Key:             ev.Key.Value(),
			Value:           ev.Value,
			PreUpdateValue:  ev.PreUpdateValue,
			PostUpdateValue: ev.PostUpdateValue,
			Delta:           ev.Delta,
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Bus Interface
// --------------------------------------------------------------------------

// IBus is the opaque pub/sub contract.
type IBus interface {
	// Publish sends a message to the bus's subscribers. The in-process bus
	// delivers it to every subscriber, the sender's own included; the
	// websocket bus drops messages carrying its own origin. Receivers filter
	// by Message.Origin.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers a listener and returns an unsubscribe closure.
	Subscribe(fn func(Message)) func()

	// Close detaches the bus from its transport.
	Close() error
}

// --------------------------------------------------------------------------
// In-Process Bus
// --------------------------------------------------------------------------

type memoryBus struct {
	subs *util.Subscribable[Message]
}

// NewMemoryBus creates a bus connecting instances within one process.
func NewMemoryBus() IBus {
	return &memoryBus{subs: util.NewSubscribable[Message]()}
}

func (b *memoryBus) Publish(_ context.Context, msg Message) error {
	b.subs.Notify(msg)
	return nil
}

func (b *memoryBus) Subscribe(fn func(Message)) func() {
	return b.subs.Subscribe(fn)
}

func (b *memoryBus) Close() error {
	return nil
}
