package overlay

import (
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
)

// --------------------------------------------------------------------------
// CDC Derivation
// --------------------------------------------------------------------------

// DeriveWrite maps a raw write event onto the event subscribers must
// observe, given the pending state p at the key before the write (nil for
// none) and whether the write is authoritative.
//
// The subscriber's current view is base ⊕ overlay, so the emitted event
// describes the transition from that view, not from the raw base. The
// boolean is false when the raw event is fully masked by the overlay and
// nothing must be emitted.
//
// Optimistic raw events that the record path rejects up front (INSERT over
// a live pending document) never reach this function.
func DeriveWrite(raw Event, p *DocumentState, authoritative bool) (Event, bool) {
	if raw.Type == EventClear {
		return raw, true
	}
	if p == nil {
		return raw, true
	}

	switch raw.Type {
	case EventInsert:
		if !authoritative {
			// only reachable over a pending DELETE: the user forces the
			// document back into existence
			return raw, true
		}
		switch p.Kind {
		case StateInserted, StateUpdatePostInsert:
			// the overlay already shows a full document; the authoritative
			// insert surfaces as an update from that view
			return updateEvent(raw, raw.Value, p.Value), true
		case StateUpdated:
			// the pending delta now applies to a real base row
			merged := util.MergeShallow(raw.Value, p.Delta)
			out := raw
			out.Value = merged
			return out, true
		case StateDeleted:
			return Event{}, false
		}

	case EventUpdate:
		if p.Kind == StateDeleted {
			return Event{}, false
		}
		if authoritative {
			switch p.Kind {
			case StateInserted, StateUpdatePostInsert:
				// overlay masks the authoritative change completely
				return updateEvent(raw, raw.PostUpdateValue, kv.Document{}), true
			case StateUpdated:
				return updateEvent(raw, raw.PostUpdateValue, util.MergeShallow(raw.Delta, p.Delta)), true
			}
			return raw, true
		}
		switch p.Kind {
		case StateInserted, StateUpdatePostInsert:
			return updateEvent(raw, p.Value, raw.Delta), true
		case StateUpdated:
			return updateEvent(raw, p.Value, util.MergeShallow(p.Delta, raw.Delta)), true
		}
		return raw, true

	case EventDelete:
		if !authoritative {
			return raw, true
		}
		switch p.Kind {
		case StateUpdated:
			return raw, true
		default:
			// INSERTED / UPDATE_POST_INSERT / DELETED keep masking the key
			return Event{}, false
		}
	}
	return raw, true
}

// updateEvent rebuilds raw as an UPDATE from pre with delta, recomputing the
// post-image as pre ⊕ delta.
func updateEvent(raw Event, pre, delta kv.Document) Event {
	out := raw
	out.Type = EventUpdate
	out.Value = nil
	out.PreUpdateValue = util.CloneDocument(pre)
	out.Delta = util.CloneDocument(delta)
	out.PostUpdateValue = util.MergeShallow(pre, delta)
	return out
}
