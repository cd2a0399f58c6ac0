package common

import (
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Pull Envelope
// --------------------------------------------------------------------------

// Action classifies one authoritative operation in a pull response.
type Action string

const (
	ActionClear   Action = "CLEAR"
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
	ActionDeleted Action = "DELETED"
)

// CollectionOperation is one authoritative change to a collection.
// CLEAR carries neither key nor value; CREATED/UPDATED carry both;
// DELETED carries only the key.
type CollectionOperation struct {
	Action Action      `json:"action"`
	Key    any         `json:"key,omitempty"`
	Value  kv.Document `json:"value,omitempty"`
}

// DocumentKey converts the wire key into a storage key.
func (op CollectionOperation) DocumentKey() (kv.Key, error) {
	key, err := kv.KeyFromValue(op.Key)
	return key, errors.Wrapf(err, "rpc: %s operation key", op.Action)
}

// Validate checks the operation's shape.
func (op CollectionOperation) Validate() error {
	switch op.Action {
	case ActionClear:
		return nil
	case ActionCreated, ActionUpdated:
		if op.Key == nil || op.Value == nil {
			return errors.Errorf("rpc: %s operation requires key and value", op.Action)
		}
		return nil
	case ActionDeleted:
		if op.Key == nil {
			return errors.New("rpc: DELETED operation requires a key")
		}
		return nil
	default:
		return errors.Errorf("rpc: unknown action %q", op.Action)
	}
}

// PullResponse is the authoritative change set returned by a remote pull.
type PullResponse struct {
	// Change maps collection names to their ordered operations.
	Change map[string][]CollectionOperation `json:"change"`

	// Cursor, when present, replaces the persisted pull cursor.
	Cursor any `json:"cursor,omitempty"`

	// LastProcessedMutationID acknowledges every pushed mutation whose
	// server mutation ID is less than or equal to it.
	LastProcessedMutationID uint64 `json:"lastProcessedMutationId"`
}

// Validate checks every operation in the response.
func (r *PullResponse) Validate() error {
	for collection, ops := range r.Change {
		for _, op := range ops {
			if err := op.Validate(); err != nil {
				return errors.Wrapf(err, "collection %q", collection)
			}
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Push Envelope
// --------------------------------------------------------------------------

// PushRequest is what the HTTP resolver sends for one mutation.
type PushRequest struct {
	MutationName string `json:"mutationName"`
	Payload      any    `json:"payload"` // the mutation's local resolver result
}

// PushResult is the remote's acknowledgement of one pushed mutation.
type PushResult struct {
	ServerMutationID uint64 `json:"serverMutationId"`
}
