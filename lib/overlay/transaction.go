package overlay

import (
	"context"
	"sort"

	"github.com/litcodeur/luminardb/lib/condition"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

// Transaction wraps a storage transaction with the optimistic overlay:
// reads return the state as the user sees it (base ⊕ pending mutations),
// writes derive the CDC events describing the effective change, and the
// buffered events are delivered atomically after a durable commit.
type Transaction struct {
	kvTx   kv.ITransaction
	logger zerolog.Logger

	// lazily loaded log caches, invalidated by mutation deletion
	mutations     []*Mutation
	pending       State
	pendingLoaded bool

	events     []Event
	onComplete []func(events []Event)
}

// NewTransaction wraps a storage transaction. The overlay does not own the
// underlying transaction's lifetime beyond Commit/Rollback.
func NewTransaction(kvTx kv.ITransaction, logger zerolog.Logger) *Transaction {
	return &Transaction{
		kvTx:   kvTx,
		logger: logger.With().Str("component", "overlay").Logger(),
	}
}

// KV exposes the wrapped storage transaction for raw access to the
// reserved collections.
func (tx *Transaction) KV() kv.ITransaction {
	return tx.kvTx
}

// IsActive reports whether the underlying transaction can still accept
// operations.
func (tx *Transaction) IsActive() bool {
	return tx.kvTx.IsActive()
}

// --------------------------------------------------------------------------
// Pending Log Loading
// --------------------------------------------------------------------------

// loadLog reads and parses the whole mutation log through the storage
// transaction, then folds the completed mutations into the pending state.
func (tx *Transaction) loadLog(ctx context.Context) error {
	if tx.pendingLoaded {
		return nil
	}
	rows, err := tx.kvTx.QueryAll(ctx, kv.CollectionMutations)
	if err != nil {
		return errors.Wrap(err, "overlay: load mutation log")
	}

	mutations := make([]*Mutation, 0, len(rows))
	folded := make([]Mutation, 0, len(rows))
	for _, row := range rows {
		m, err := documentToMutation(row.Key, row.Value)
		if err != nil {
			return err
		}
		mutations = append(mutations, m)
		folded = append(folded, *m)
	}
	tx.mutations = mutations
	tx.pending = Fold(folded, tx.logger)
	tx.pendingLoaded = true
	return nil
}

// invalidateLog drops the caches so the next read refolds from storage.
func (tx *Transaction) invalidateLog() {
	tx.mutations = nil
	tx.pending = nil
	tx.pendingLoaded = false
}

// Mutations returns the parsed mutation log ordered by ID.
func (tx *Transaction) Mutations(ctx context.Context) ([]*Mutation, error) {
	if err := tx.loadLog(ctx); err != nil {
		return nil, err
	}
	out := make([]*Mutation, len(tx.mutations))
	copy(out, tx.mutations)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PendingState returns the folded overlay map (for diagnostics and tests).
func (tx *Transaction) PendingState(ctx context.Context) (State, error) {
	if err := tx.loadLog(ctx); err != nil {
		return nil, err
	}
	return tx.pending, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// QueryByKey returns the user-visible document at key: the authoritative
// row merged with the pending overlay. Reserved collections bypass the
// overlay.
func (tx *Transaction) QueryByKey(ctx context.Context, collection string, key kv.Key) (kv.Document, bool, error) {
	base, ok, err := tx.kvTx.QueryByKey(ctx, collection, key)
	if err != nil {
		return nil, false, err
	}
	if kv.IsReservedCollection(collection) {
		return base, ok, nil
	}
	if err := tx.loadLog(ctx); err != nil {
		return nil, false, err
	}

	p := tx.pending.Get(collection, key)
	if p == nil {
		return base, ok, nil
	}
	if !ok {
		base = nil
	}
	doc, visible := p.EffectiveValue(base)
	return doc, visible, nil
}

// QueryAll returns every user-visible row of the collection in key order.
func (tx *Transaction) QueryAll(ctx context.Context, collection string) ([]kv.Row, error) {
	base, err := tx.kvTx.QueryAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	if kv.IsReservedCollection(collection) {
		return base, nil
	}
	if err := tx.loadLog(ctx); err != nil {
		return nil, err
	}

	result := make(map[kv.Key]kv.Document, len(base))
	for _, row := range base {
		result[row.Key] = row.Value
	}
	for key, p := range tx.pending.Collection(collection) {
		if effective, ok := p.EffectiveValue(result[key]); ok {
			result[key] = effective
		} else {
			delete(result, key)
		}
	}

	rows := make([]kv.Row, 0, len(result))
	for k, v := range result {
		rows = append(rows, kv.Row{Key: k, Value: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.Compare(rows[j].Key) < 0 })
	return rows, nil
}

// QueryByCondition returns the user-visible rows matching the condition.
// The base set comes from the index scan; pending entries whose effective
// value satisfies the condition join it, pending entries that no longer
// satisfy leave it, and pending deletes remove a key iff it is present in
// the set.
func (tx *Transaction) QueryByCondition(ctx context.Context, collection string, cond *condition.Condition) ([]kv.Row, error) {
	base, err := tx.kvTx.QueryByCondition(ctx, collection, cond.Field, cond.Range())
	if err != nil {
		return nil, err
	}
	if kv.IsReservedCollection(collection) {
		return base, nil
	}
	if err := tx.loadLog(ctx); err != nil {
		return nil, err
	}

	result := make(map[kv.Key]kv.Document, len(base))
	for _, row := range base {
		result[row.Key] = row.Value
	}

	for key, p := range tx.pending.Collection(collection) {
		if p.Kind == StateDeleted {
			delete(result, key)
			continue
		}

		baseDoc := result[key]
		if baseDoc == nil && p.Kind == StateUpdated {
			// an update may move a previously non-matching row into scope;
			// fetch its base row outside the scanned range
			fetched, ok, err := tx.kvTx.QueryByKey(ctx, collection, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			baseDoc = fetched
		}

		effective, ok := p.EffectiveValue(baseDoc)
		if !ok {
			continue
		}
		if cond.Satisfies(effective) {
			result[key] = effective
		} else {
			delete(result, key)
		}
	}

	rows := make([]kv.Row, 0, len(result))
	for k, v := range result {
		rows = append(rows, kv.Row{Key: k, Value: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		iv, jv := rows[i].Value[cond.Field], rows[j].Value[cond.Field]
		if c, ok := kv.CompareScalars(iv, jv); ok && c != 0 {
			return c < 0
		}
		return rows[i].Key.Compare(rows[j].Key) < 0
	})
	return rows, nil
}

// --------------------------------------------------------------------------
// Mutation Recording (optimistic writes)
// --------------------------------------------------------------------------

// CreateMutation allocates a new mutation row in the log. The row starts
// incomplete and contributes nothing to the overlay until finalized.
func (tx *Transaction) CreateMutation(ctx context.Context, name string, args any) (*Mutation, error) {
	m := &Mutation{Name: name, Args: args}
	key, err := tx.kvTx.Insert(ctx, kv.CollectionMutations, kv.Key{}, mutationToDocument(m))
	if err != nil {
		return nil, errors.Wrap(err, "overlay: create mutation")
	}
	m.ID = uint64(key.Int())

	if tx.pendingLoaded {
		tx.mutations = append(tx.mutations, m)
	}
	return m, nil
}

// GetMutation loads one mutation row by ID.
func (tx *Transaction) GetMutation(ctx context.Context, id uint64) (*Mutation, bool, error) {
	doc, ok, err := tx.kvTx.QueryByKey(ctx, kv.CollectionMutations, kv.IntKey(int64(id)))
	if err != nil || !ok {
		return nil, false, err
	}
	m, err := documentToMutation(kv.IntKey(int64(id)), doc)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// persistMutation writes the mutation row back to the log.
func (tx *Transaction) persistMutation(ctx context.Context, m *Mutation) error {
	return errors.Wrapf(tx.kvTx.Upsert(ctx, kv.CollectionMutations, m.Key(), mutationToDocument(m)),
		"overlay: persist mutation %d", m.ID)
}

// guardUserCollection rejects writes against the reserved collections.
func guardUserCollection(collection string) error {
	if kv.IsReservedCollection(collection) {
		return kv.NewError(kv.RetCInvalidKey, "collection %q is reserved", collection)
	}
	return nil
}

// RecordInsert appends an INSERT change to the mutation. The precondition
// consults the overlay: inserting a key the user currently sees fails with
// DuplicateKey. Inserting over a pending delete is legal and restores the
// document.
func (tx *Transaction) RecordInsert(ctx context.Context, m *Mutation, collection string, key kv.Key, value kv.Document) error {
	if err := guardUserCollection(collection); err != nil {
		return err
	}
	_, visible, err := tx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if visible {
		return kv.NewError(kv.RetCDuplicateKey, "key %s already exists in %q", key, collection)
	}

	ts := util.IncrementingTimestamp()
	change := PendingChange{
		ID:             NewChangeID(m.ID, ts),
		Timestamp:      ts,
		Type:           EventInsert,
		CollectionName: collection,
		Key:            key,
		Value:          util.CloneDocument(value),
	}
	return tx.recordChange(ctx, m, change)
}

// RecordUpdate appends an UPDATE change to the mutation and returns the
// resulting post-image. The precondition consults the overlay: updating a
// key the user cannot see fails with KeyNotFound.
func (tx *Transaction) RecordUpdate(ctx context.Context, m *Mutation, collection string, key kv.Key, delta kv.Document) (kv.Document, error) {
	if err := guardUserCollection(collection); err != nil {
		return nil, err
	}
	pre, visible, err := tx.QueryByKey(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, kv.NewError(kv.RetCKeyNotFound, "key %s does not exist in %q", key, collection)
	}

	ts := util.IncrementingTimestamp()
	change := PendingChange{
		ID:              NewChangeID(m.ID, ts),
		Timestamp:       ts,
		Type:            EventUpdate,
		CollectionName:  collection,
		Key:             key,
		PreUpdateValue:  pre,
		PostUpdateValue: util.MergeShallow(pre, delta),
		Delta:           util.CloneDocument(delta),
	}
	if err := tx.recordChange(ctx, m, change); err != nil {
		return nil, err
	}
	return util.CloneDocument(change.PostUpdateValue), nil
}

// RecordDelete appends a DELETE change to the mutation. The precondition
// consults the overlay: deleting a key the user cannot see fails with
// KeyNotFound.
func (tx *Transaction) RecordDelete(ctx context.Context, m *Mutation, collection string, key kv.Key) error {
	if err := guardUserCollection(collection); err != nil {
		return err
	}
	value, visible, err := tx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if !visible {
		return kv.NewError(kv.RetCKeyNotFound, "key %s does not exist in %q", key, collection)
	}

	ts := util.IncrementingTimestamp()
	change := PendingChange{
		ID:             NewChangeID(m.ID, ts),
		Timestamp:      ts,
		Type:           EventDelete,
		CollectionName: collection,
		Key:            key,
		Value:          value,
	}
	return tx.recordChange(ctx, m, change)
}

// recordChange appends the change to the mutation row, derives the
// optimistic CDC event, and folds the change into the cached pending state
// so later operations in this transaction observe it.
func (tx *Transaction) recordChange(ctx context.Context, m *Mutation, change PendingChange) error {
	m.Changes = append(m.Changes, change)
	m.Touch(change.CollectionName)
	if err := tx.persistMutation(ctx, m); err != nil {
		return err
	}

	raw := Event{
		ID:              change.ID,
		Timestamp:       change.Timestamp,
		Type:            change.Type,
		CollectionName:  change.CollectionName,
		Key:             change.Key,
		Value:           change.Value,
		PreUpdateValue:  change.PreUpdateValue,
		PostUpdateValue: change.PostUpdateValue,
		Delta:           change.Delta,
	}
	p := tx.pending.Get(change.CollectionName, change.Key)
	if ev, ok := DeriveWrite(raw, p, false); ok {
		tx.events = append(tx.events, ev)
	}
	tx.pending.Apply(change, tx.logger)
	return nil
}

// FinalizeMutation marks the mutation completed and stores the local
// resolver result. From the next commit on, the mutation contributes to
// every overlay.
func (tx *Transaction) FinalizeMutation(ctx context.Context, m *Mutation, localResult any) error {
	m.IsCompleted = true
	m.LocalResolverResult = localResult
	return tx.persistMutation(ctx, m)
}

// UpdateMutation persists lifecycle changes of a mutation row (push flags,
// retry counter, server mutation ID) without touching its changes.
func (tx *Transaction) UpdateMutation(ctx context.Context, m *Mutation) error {
	return tx.persistMutation(ctx, m)
}

// --------------------------------------------------------------------------
// Authoritative Writes
// --------------------------------------------------------------------------

// ApplyUpsert applies an authoritative row (pull CREATED/UPDATED): the
// existence check consults the raw base, and the CDC corrects for whatever
// the overlay masks.
func (tx *Transaction) ApplyUpsert(ctx context.Context, collection string, key kv.Key, value kv.Document) error {
	if err := tx.loadLog(ctx); err != nil {
		return err
	}
	base, exists, err := tx.kvTx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := tx.kvTx.Upsert(ctx, collection, key, value); err != nil {
		return err
	}

	ts := util.IncrementingTimestamp()
	var raw Event
	if exists {
		raw = Event{
			ID:              NewChangeID(0, ts),
			Timestamp:       ts,
			Type:            EventUpdate,
			CollectionName:  collection,
			Key:             key,
			PreUpdateValue:  base,
			PostUpdateValue: util.CloneDocument(value),
			Delta:           util.CloneDocument(value),
		}
	} else {
		raw = Event{
			ID:             NewChangeID(0, ts),
			Timestamp:      ts,
			Type:           EventInsert,
			CollectionName: collection,
			Key:            key,
			Value:          util.CloneDocument(value),
		}
	}
	tx.deriveAuthoritative(collection, key, raw)
	return nil
}

// ApplyDelete applies an authoritative delete (pull DELETED).
func (tx *Transaction) ApplyDelete(ctx context.Context, collection string, key kv.Key) error {
	if err := tx.loadLog(ctx); err != nil {
		return err
	}
	base, exists, err := tx.kvTx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := tx.kvTx.Delete(ctx, collection, key); err != nil {
		return err
	}
	if !exists && tx.pending.Get(collection, key) == nil {
		// nothing was visible before, nothing is visible now
		return nil
	}

	ts := util.IncrementingTimestamp()
	tx.deriveAuthoritative(collection, key, Event{
		ID:             NewChangeID(0, ts),
		Timestamp:      ts,
		Type:           EventDelete,
		CollectionName: collection,
		Key:            key,
		Value:          base,
	})
	return nil
}

// ApplyClear empties a collection authoritatively (pull CLEAR).
func (tx *Transaction) ApplyClear(ctx context.Context, collection string) error {
	if err := tx.kvTx.Clear(ctx, collection); err != nil {
		return err
	}
	ts := util.IncrementingTimestamp()
	tx.events = append(tx.events, Event{
		ID:             NewChangeID(0, ts),
		Timestamp:      ts,
		Type:           EventClear,
		CollectionName: collection,
	})
	return nil
}

func (tx *Transaction) deriveAuthoritative(collection string, key kv.Key, raw Event) {
	if kv.IsReservedCollection(collection) {
		return
	}
	p := tx.pending.Get(collection, key)
	if ev, ok := DeriveWrite(raw, p, true); ok {
		tx.events = append(tx.events, ev)
	}
}

// --------------------------------------------------------------------------
// Mutation GC
// --------------------------------------------------------------------------

// DeleteMutation removes a completed mutation row from the log and emits
// the inverting CDC events that carry subscribers from the optimistic view
// to the authoritative one. The sync manager calls this once the server has
// acknowledged the mutation, and when a push fails permanently.
func (tx *Transaction) DeleteMutation(ctx context.Context, m *Mutation) error {
	if err := tx.kvTx.Delete(ctx, kv.CollectionMutations, m.Key()); err != nil {
		return errors.Wrapf(err, "overlay: delete mutation %d", m.ID)
	}

	// refold without the deleted mutation: the inversion below must observe
	// the overlay that remains
	tx.invalidateLog()
	if err := tx.loadLog(ctx); err != nil {
		return err
	}

	for _, change := range m.Changes {
		ev, ok, err := tx.invertChange(ctx, change)
		if err != nil {
			return err
		}
		if ok {
			tx.events = append(tx.events, ev)
		}
	}
	return nil
}

// invertChange derives the GC event for one recorded change relative to the
// current authoritative store and remaining overlay.
func (tx *Transaction) invertChange(ctx context.Context, change PendingChange) (Event, bool, error) {
	current, exists, err := tx.kvTx.QueryByKey(ctx, change.CollectionName, change.Key)
	if err != nil {
		return Event{}, false, err
	}
	ts := util.IncrementingTimestamp()

	switch change.Type {
	case EventDelete:
		// the pending delete hid the row; if it authoritatively exists and
		// no other pending state masks it, it pops back into view
		if exists && tx.pending.Get(change.CollectionName, change.Key) == nil {
			return Event{
				ID:             NewChangeID(0, ts),
				Timestamp:      ts,
				Type:           EventInsert,
				CollectionName: change.CollectionName,
				Key:            change.Key,
				Value:          current,
			}, true, nil
		}

	case EventInsert:
		if !exists {
			return Event{
				ID:             NewChangeID(0, ts),
				Timestamp:      ts,
				Type:           EventDelete,
				CollectionName: change.CollectionName,
				Key:            change.Key,
				Value:          util.CloneDocument(change.Value),
			}, true, nil
		}

	case EventUpdate:
		if exists {
			// restore the fields the delta shadowed, from the values the
			// authoritative store holds today
			delta := util.ExtractFields(current, change.Delta)
			return Event{
				ID:              NewChangeID(0, ts),
				Timestamp:       ts,
				Type:            EventUpdate,
				CollectionName:  change.CollectionName,
				Key:             change.Key,
				PreUpdateValue:  util.CloneDocument(change.PostUpdateValue),
				Delta:           delta,
				PostUpdateValue: util.MergeShallow(change.PostUpdateValue, delta),
			}, true, nil
		}
	}
	return Event{}, false, nil
}

// ReapplyChanges writes a mutation's recorded changes straight into the
// authoritative store, bypassing overlay checks and emitting no CDC. The
// push path uses this for mutations without a remote resolver, immediately
// before deleting the row, so the optimistic state is promoted to
// authoritative state. The deletion's GC events then see the re-applied
// rows: recorded inserts and deletes emit none, and each recorded update
// emits one UPDATE carrying the re-applied field values.
func (tx *Transaction) ReapplyChanges(ctx context.Context, m *Mutation) error {
	for _, change := range m.Changes {
		switch change.Type {
		case EventInsert:
			if err := tx.kvTx.Upsert(ctx, change.CollectionName, change.Key, change.Value); err != nil {
				return err
			}
		case EventUpdate:
			base, exists, err := tx.kvTx.QueryByKey(ctx, change.CollectionName, change.Key)
			if err != nil {
				return err
			}
			next := change.PostUpdateValue
			if exists {
				next = util.MergeShallow(base, change.Delta)
			}
			if err := tx.kvTx.Upsert(ctx, change.CollectionName, change.Key, next); err != nil {
				return err
			}
		case EventDelete:
			if err := tx.kvTx.Delete(ctx, change.CollectionName, change.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Events returns the CDC events buffered so far (for tests).
func (tx *Transaction) Events() []Event {
	return tx.events
}

// OnComplete registers a callback receiving the transaction's CDC batch
// after a durable commit.
func (tx *Transaction) OnComplete(fn func(events []Event)) {
	tx.onComplete = append(tx.onComplete, fn)
}

// Commit commits the storage transaction and, once it is durable, delivers
// the buffered CDC events to every OnComplete subscriber in one batch.
func (tx *Transaction) Commit(ctx context.Context) error {
	events := tx.events
	callbacks := tx.onComplete
	tx.kvTx.OnComplete(func() {
		for _, fn := range callbacks {
			fn(events)
		}
	})
	return tx.kvTx.Commit(ctx)
}

// Rollback aborts the storage transaction and suppresses every buffered
// CDC event.
func (tx *Transaction) Rollback() error {
	tx.events = nil
	return tx.kvTx.Rollback()
}
