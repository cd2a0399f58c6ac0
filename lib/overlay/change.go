package overlay

import (
	"fmt"

	"github.com/litcodeur/luminardb/lib/kv"
)

// --------------------------------------------------------------------------
// Event Types
// --------------------------------------------------------------------------

// EventType classifies CDC events and pending changes.
type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventDelete
	EventClear
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	case EventClear:
		return "CLEAR"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Pending Changes
// --------------------------------------------------------------------------

// PendingChange is one recorded effect of a mutation: a tagged
// insert/update/delete against a single collection key.
//
// The ID is "<mutationId>-<timestamp>"; the pair (mutation ID, timestamp)
// totally orders changes for the overlay fold.
type PendingChange struct {
	ID             string
	Timestamp      int64
	Type           EventType
	CollectionName string
	Key            kv.Key

	// Value carries the inserted document (INSERT) or the document observed
	// at delete time (DELETE).
	Value kv.Document

	// Update payload: the view before, the delta applied, and the resulting
	// view at record time.
	PreUpdateValue  kv.Document
	PostUpdateValue kv.Document
	Delta           kv.Document
}

// NewChangeID formats the identity of a change within a mutation.
func NewChangeID(mutationID uint64, timestamp int64) string {
	return fmt.Sprintf("%d-%d", mutationID, timestamp)
}

// --------------------------------------------------------------------------
// CDC Events
// --------------------------------------------------------------------------

// Event is one change-data-capture event. It carries enough context for a
// subscriber to reconstruct its post-state from its pre-state: the inserted
// or deleted value, or the update's pre-image, delta, and post-image.
//
// CLEAR events carry only the collection name.
type Event struct {
	ID             string
	Timestamp      int64
	Type           EventType
	CollectionName string
	Key            kv.Key

	Value           kv.Document // INSERT, DELETE
	PreUpdateValue  kv.Document // UPDATE
	PostUpdateValue kv.Document // UPDATE
	Delta           kv.Document // UPDATE
}

// String implements fmt.Stringer (for log output).
func (e Event) String() string {
	if e.Type == EventClear {
		return fmt.Sprintf("Event{%s %s}", e.Type, e.CollectionName)
	}
	return fmt.Sprintf("Event{%s %s/%s}", e.Type, e.CollectionName, e.Key)
}
