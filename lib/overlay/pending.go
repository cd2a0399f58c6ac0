package overlay

import (
	"sort"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Pending Document State
// --------------------------------------------------------------------------

// StateKind is the per-document overlay state after folding the pending log.
type StateKind int

const (
	StateInserted StateKind = iota
	StateUpdated
	StateUpdatePostInsert
	StateDeleted
)

// String implements fmt.Stringer.
func (k StateKind) String() string {
	switch k {
	case StateInserted:
		return "INSERTED"
	case StateUpdated:
		return "UPDATED"
	case StateUpdatePostInsert:
		return "UPDATE_POST_INSERT"
	case StateDeleted:
		return "DELETED"
	default:
		return "Unknown"
	}
}

// DocumentState is the folded pending effect on one collection key.
//
//   - StateInserted / StateUpdatePostInsert: Value is the full effective
//     document (no base row involved / base irrelevant).
//   - StateUpdated: Delta is the accumulated delta; Value is the post-image
//     recorded at fold time. Reads recompute base ⊕ Delta so authoritative
//     base changes shine through.
//   - StateDeleted: Value is the document observed when the delete was
//     recorded.
type DocumentState struct {
	Kind  StateKind
	Value kv.Document
	Delta kv.Document
}

// EffectiveValue returns the document the overlay contributes for reads,
// given the authoritative base row (nil if none). The boolean is false when
// the overlay hides the document (pending delete, or a pending update with
// no base row).
func (s *DocumentState) EffectiveValue(base kv.Document) (kv.Document, bool) {
	switch s.Kind {
	case StateInserted, StateUpdatePostInsert:
		return util.CloneDocument(s.Value), true
	case StateUpdated:
		if base == nil {
			return nil, false
		}
		return util.MergeShallow(base, s.Delta), true
	case StateDeleted:
		return nil, false
	default:
		return nil, false
	}
}

// State is the full pending map: collection → key → document state.
type State map[string]map[kv.Key]*DocumentState

// Get returns the state at (collection, key), nil if none.
func (s State) Get(collection string, key kv.Key) *DocumentState {
	if byKey, ok := s[collection]; ok {
		return byKey[key]
	}
	return nil
}

// Collection returns the per-key states of one collection (may be nil).
func (s State) Collection(collection string) map[kv.Key]*DocumentState {
	return s[collection]
}

func (s State) set(collection string, key kv.Key, st *DocumentState) {
	byKey, ok := s[collection]
	if !ok {
		byKey = make(map[kv.Key]*DocumentState)
		s[collection] = byKey
	}
	byKey[key] = st
}

// --------------------------------------------------------------------------
// Fold
// --------------------------------------------------------------------------

// orderedChange carries a change with its mutation ID so the fold can sort
// by (mutation ID, timestamp) without re-parsing change IDs.
type orderedChange struct {
	mutationID uint64
	change     PendingChange
}

// Fold builds the pending state from the completed mutations of the log.
// The fold is deterministic: any permutation of the input that is equal
// under the (mutationID, timestamp) sort yields an identical map.
func Fold(mutations []Mutation, logger zerolog.Logger) State {
	var flat []orderedChange
	for _, m := range mutations {
		if !m.IsCompleted {
			continue
		}
		for _, c := range m.Changes {
			flat = append(flat, orderedChange{mutationID: m.ID, change: c})
		}
	}
	sort.SliceStable(flat, func(i, j int) bool {
		if flat[i].mutationID != flat[j].mutationID {
			return flat[i].mutationID < flat[j].mutationID
		}
		return flat[i].change.Timestamp < flat[j].change.Timestamp
	})

	state := make(State)
	for _, oc := range flat {
		state.Apply(oc.change, logger)
	}
	return state
}

// Apply folds a single change into the state, per the overlay FSM.
//
// Transitions that a correctly recorded log can never produce (an INSERT
// over an already-pending document, an UPDATE over a pending delete) are
// logged and ignored; a DELETE over a pending delete is ignored without a
// log entry. The log is authoritative and the overlay must keep working on
// whatever it holds.
func (s State) Apply(change PendingChange, logger zerolog.Logger) {
	prior := s.Get(change.CollectionName, change.Key)

	switch change.Type {
	case EventInsert:
		if prior == nil {
			s.set(change.CollectionName, change.Key, &DocumentState{
				Kind:  StateInserted,
				Value: util.CloneDocument(change.Value),
			})
			return
		}
		if prior.Kind == StateDeleted {
			// a later mutation may legally restore a pending-deleted document
			s.set(change.CollectionName, change.Key, &DocumentState{
				Kind:  StateInserted,
				Value: util.CloneDocument(change.Value),
			})
			return
		}
		logger.Warn().
			Str("change", change.ID).
			Str("collection", change.CollectionName).
			Stringer("state", prior.Kind).
			Msg("ignoring pending INSERT over live pending document")

	case EventUpdate:
		if prior == nil {
			s.set(change.CollectionName, change.Key, &DocumentState{
				Kind:  StateUpdated,
				Value: util.CloneDocument(change.PostUpdateValue),
				Delta: util.CloneDocument(change.Delta),
			})
			return
		}
		switch prior.Kind {
		case StateInserted:
			s.set(change.CollectionName, change.Key, &DocumentState{
				Kind:  StateUpdatePostInsert,
				Value: util.MergeShallow(prior.Value, change.Delta),
				Delta: util.CloneDocument(change.Delta),
			})
		case StateUpdated, StateUpdatePostInsert:
			prior.Delta = util.MergeShallow(prior.Delta, change.Delta)
			prior.Value = util.MergeShallow(prior.Value, change.Delta)
		case StateDeleted:
			logger.Warn().
				Str("change", change.ID).
				Str("collection", change.CollectionName).
				Msg("ignoring pending UPDATE over pending DELETE")
		}

	case EventDelete:
		if prior == nil {
			s.set(change.CollectionName, change.Key, &DocumentState{
				Kind:  StateDeleted,
				Value: util.CloneDocument(change.Value),
			})
			return
		}
		if prior.Kind == StateDeleted {
			return
		}
		s.set(change.CollectionName, change.Key, &DocumentState{
			Kind:  StateDeleted,
			Value: util.CloneDocument(prior.Value),
		})
	}
}
