package overlay

import (
	"sort"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Mutation Rows
// --------------------------------------------------------------------------

// Mutation is one row of the reserved "__mutations" log: an atomic
// user-initiated bundle of changes plus its sync lifecycle.
type Mutation struct {
	// ID is the auto-assigned, strictly increasing log key.
	ID uint64

	// Name and Args are the caller-supplied identity; only these are
	// persisted, never resolver function references.
	Name string
	Args any

	// Changes is the ordered effect list recorded by the write transaction.
	Changes []PendingChange

	// CollectionsAffected is the sorted set of collection names touched.
	CollectionsAffected []string

	// IsCompleted flips to true when the mutation body committed locally;
	// only completed mutations contribute to the overlay.
	IsCompleted bool

	// IsPushed flips to true once the remote accepted the mutation.
	IsPushed bool

	// RemotePushAttempts counts push retries; persisted so the counter
	// survives restarts.
	RemotePushAttempts int

	// LocalResolverResult is the opaque payload returned to the caller and
	// handed to the remote resolver on push.
	LocalResolverResult any

	// ServerMutationID is assigned by the remote on a successful push.
	ServerMutationID uint64
}

// Touch records that the mutation affected a collection.
func (m *Mutation) Touch(collection string) {
	for _, c := range m.CollectionsAffected {
		if c == collection {
			return
		}
	}
	m.CollectionsAffected = append(m.CollectionsAffected, collection)
	sort.Strings(m.CollectionsAffected)
}

// Key returns the mutation's log key.
func (m *Mutation) Key() kv.Key {
	return kv.IntKey(int64(m.ID))
}

// --------------------------------------------------------------------------
// Row Serialization
// --------------------------------------------------------------------------

// The mutation log is stored through the same document pipeline as user
// data, so rows round-trip through map[string]any regardless of the engine's
// codec. Numeric fields are re-coerced on load because JSON decodes them as
// float64 and CBOR as uint64/int64.

func mutationToDocument(m *Mutation) kv.Document {
	changes := make([]any, len(m.Changes))
	for i, c := range m.Changes {
		changes[i] = changeToDocument(c)
	}
	affected := make([]any, len(m.CollectionsAffected))
	for i, c := range m.CollectionsAffected {
		affected[i] = c
	}
	doc := kv.Document{
		"id":                  int64(m.ID),
		"mutationName":        m.Name,
		"mutationArgs":        m.Args,
		"changes":             changes,
		"collectionsAffected": affected,
		"isCompleted":         m.IsCompleted,
		"isPushed":            m.IsPushed,
		"remotePushAttempts":  int64(m.RemotePushAttempts),
	}
	if m.LocalResolverResult != nil {
		doc["localResolverResult"] = m.LocalResolverResult
	}
	if m.ServerMutationID != 0 {
		doc["serverMutationId"] = int64(m.ServerMutationID)
	}
	return doc
}

func documentToMutation(key kv.Key, doc kv.Document) (*Mutation, error) {
	m := &Mutation{}
	if id, ok := util.ToUint64(doc["id"]); ok {
		m.ID = id
	} else if key.IsInt() {
		m.ID = uint64(key.Int())
	} else {
		return nil, errors.Errorf("overlay: mutation row %s has no usable id", key)
	}

	m.Name, _ = doc["mutationName"].(string)
	m.Args = doc["mutationArgs"]
	m.IsCompleted, _ = doc["isCompleted"].(bool)
	m.IsPushed, _ = doc["isPushed"].(bool)
	if n, ok := util.ToInt64(doc["remotePushAttempts"]); ok {
		m.RemotePushAttempts = int(n)
	}
	m.LocalResolverResult = doc["localResolverResult"]
	if n, ok := util.ToUint64(doc["serverMutationId"]); ok {
		m.ServerMutationID = n
	}

	if affected, ok := doc["collectionsAffected"].([]any); ok {
		for _, a := range affected {
			if s, ok := a.(string); ok {
				m.CollectionsAffected = append(m.CollectionsAffected, s)
			}
		}
	}

	if changes, ok := doc["changes"].([]any); ok {
		for _, c := range changes {
			cd, ok := c.(kv.Document)
			if !ok {
				return nil, errors.Errorf("overlay: malformed change entry in mutation %d", m.ID)
			}
			change, err := documentToChange(cd)
			if err != nil {
				return nil, errors.Wrapf(err, "overlay: mutation %d", m.ID)
			}
			m.Changes = append(m.Changes, change)
		}
	}
	return m, nil
}

func changeToDocument(c PendingChange) kv.Document {
	doc := kv.Document{
		"id":             c.ID,
		"timestamp":      c.Timestamp,
		"type":           c.Type.String(),
		"collectionName": c.CollectionName,
		"key":            c.Key.Value(),
	}
	switch c.Type {
	case EventInsert, EventDelete:
		doc["value"] = c.Value
	case EventUpdate:
		doc["preUpdateValue"] = c.PreUpdateValue
		doc["postUpdateValue"] = c.PostUpdateValue
		doc["delta"] = c.Delta
	}
	return doc
}

func documentToChange(doc kv.Document) (PendingChange, error) {
	c := PendingChange{}
	c.ID, _ = doc["id"].(string)
	if ts, ok := util.ToInt64(doc["timestamp"]); ok {
		c.Timestamp = ts
	}
	c.CollectionName, _ = doc["collectionName"].(string)

	key, err := kv.KeyFromValue(doc["key"])
	if err != nil {
		return c, errors.Wrap(err, "change key")
	}
	c.Key = key

	typeName, _ := doc["type"].(string)
	switch typeName {
	case EventInsert.String():
		c.Type = EventInsert
		c.Value, _ = doc["value"].(kv.Document)
	case EventDelete.String():
		c.Type = EventDelete
		c.Value, _ = doc["value"].(kv.Document)
	case EventUpdate.String():
		c.Type = EventUpdate
		c.PreUpdateValue, _ = doc["preUpdateValue"].(kv.Document)
		c.PostUpdateValue, _ = doc["postUpdateValue"].(kv.Document)
		c.Delta, _ = doc["delta"].(kv.Document)
	default:
		return c, errors.Errorf("unknown change type %q", typeName)
	}
	return c, nil
}
