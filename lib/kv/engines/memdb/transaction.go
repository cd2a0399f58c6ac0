package memdb

import (
	"context"
	"sort"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/util"
)

// --------------------------------------------------------------------------
// Staged Writes
// --------------------------------------------------------------------------

// stagedCollection buffers a transaction's writes against one collection.
// A nil document in writes marks a delete.
type stagedCollection struct {
	cleared bool
	writes  map[kv.Key]kv.Document
}

func newStagedCollection() *stagedCollection {
	return &stagedCollection{writes: make(map[kv.Key]kv.Document)}
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type txImpl struct {
	engine *engineImpl
	mode   kv.TransactionMode
	active bool
	staged map[string]*stagedCollection

	onComplete []func()
	onError    []func(error)
}

// stagedFor returns (creating on demand) the write buffer for a collection.
func (tx *txImpl) stagedFor(collection string) *stagedCollection {
	sc, ok := tx.staged[collection]
	if !ok {
		sc = newStagedCollection()
		tx.staged[collection] = sc
	}
	return sc
}

// lookup resolves a key through the staged buffer, falling back to the
// committed row table. Caller must hold the engine's data read lock.
func (tx *txImpl) lookup(coll *memCollection, collection string, key kv.Key) (kv.Document, bool) {
	if sc, ok := tx.staged[collection]; ok {
		if doc, ok := sc.writes[key]; ok {
			return doc, doc != nil
		}
		if sc.cleared {
			return nil, false
		}
	}
	doc, ok := coll.rows[key]
	return doc, ok
}

// snapshot materializes the transaction's merged view of a collection.
// Caller must hold the engine's data read lock.
func (tx *txImpl) snapshot(coll *memCollection, collection string) map[kv.Key]kv.Document {
	out := make(map[kv.Key]kv.Document, len(coll.rows))
	sc := tx.staged[collection]
	if sc == nil || !sc.cleared {
		for k, v := range coll.rows {
			out[k] = v
		}
	}
	if sc != nil {
		for k, v := range sc.writes {
			if v == nil {
				delete(out, k)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func (tx *txImpl) checkActive() error {
	if !tx.active {
		return kv.NewError(kv.RetCTransactionClosed, "transaction is no longer active")
	}
	return nil
}

func (tx *txImpl) checkWritable() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.mode != kv.ReadWrite {
		return kv.NewError(kv.RetCReadOnlyTransaction, "write inside a read-only transaction")
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods - Reads (docu see kv.ITransaction)
// --------------------------------------------------------------------------

func (tx *txImpl) QueryByKey(_ context.Context, collection string, key kv.Key) (kv.Document, bool, error) {
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return nil, false, err
	}

	tx.engine.dataMu.RLock()
	doc, ok := tx.lookup(coll, collection, key)
	tx.engine.dataMu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	return util.CloneDocument(doc), true, nil
}

func (tx *txImpl) QueryAll(_ context.Context, collection string) ([]kv.Row, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return nil, err
	}

	tx.engine.dataMu.RLock()
	merged := tx.snapshot(coll, collection)
	tx.engine.dataMu.RUnlock()

	rows := make([]kv.Row, 0, len(merged))
	for k, v := range merged {
		rows = append(rows, kv.Row{Key: k, Value: util.CloneDocument(v)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.Compare(rows[j].Key) < 0 })
	return rows, nil
}

func (tx *txImpl) QueryByCondition(_ context.Context, collection string, field string, rng kv.Range) ([]kv.Row, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return nil, err
	}
	idx, ok := coll.schema.Index(field)
	if !ok {
		return nil, kv.NewError(kv.RetCIndexNotFound, "collection %q has no index on %q", collection, field)
	}

	tx.engine.dataMu.RLock()
	merged := tx.snapshot(coll, collection)
	tx.engine.dataMu.RUnlock()

	type hit struct {
		row kv.Row
		val any
	}
	hits := make([]hit, 0)
	for k, v := range merged {
		for _, iv := range kv.IndexedValues(idx, v) {
			if rng.Contains(iv) {
				hits = append(hits, hit{row: kv.Row{Key: k, Value: util.CloneDocument(v)}, val: iv})
				break // one match per row, even for multi-entry indexes
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if c, ok := kv.CompareScalars(hits[i].val, hits[j].val); ok && c != 0 {
			return c < 0
		}
		return hits[i].row.Key.Compare(hits[j].row.Key) < 0
	})

	rows := make([]kv.Row, len(hits))
	for i, h := range hits {
		rows[i] = h.row
	}
	return rows, nil
}

// --------------------------------------------------------------------------
// Interface Methods - Writes (docu see kv.ITransaction)
// --------------------------------------------------------------------------

// checkUnique validates the unique indexes of a collection against the
// transaction's merged view before staging value under key.
func (tx *txImpl) checkUnique(coll *memCollection, collection string, key kv.Key, value kv.Document) error {
	for _, idx := range coll.schema.Indexes {
		if !idx.Unique {
			continue
		}
		values := kv.IndexedValues(idx, value)
		if len(values) == 0 {
			continue
		}

		tx.engine.dataMu.RLock()
		merged := tx.snapshot(coll, collection)
		tx.engine.dataMu.RUnlock()

		for otherKey, otherDoc := range merged {
			if otherKey == key {
				continue
			}
			for _, ov := range kv.IndexedValues(idx, otherDoc) {
				for _, nv := range values {
					if c, ok := kv.CompareScalars(ov, nv); ok && c == 0 {
						return kv.NewError(kv.RetCUniqueViolation,
							"unique index %q.%q already holds %v", collection, idx.Field, nv)
					}
				}
			}
		}
	}
	return nil
}

func (tx *txImpl) Insert(ctx context.Context, collection string, key kv.Key, value kv.Document) (kv.Key, error) {
	if err := tx.checkWritable(); err != nil {
		return kv.Key{}, err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return kv.Key{}, err
	}

	if key.IsZero() {
		if !coll.schema.AutoIncrement {
			return kv.Key{}, kv.NewError(kv.RetCInvalidKey, "collection %q requires an explicit key", collection)
		}
		// sequence values are never reused, even when the tx rolls back
		key = kv.IntKey(coll.nextID.Add(1))
	}

	tx.engine.dataMu.RLock()
	_, exists := tx.lookup(coll, collection, key)
	tx.engine.dataMu.RUnlock()
	if exists {
		return kv.Key{}, kv.NewError(kv.RetCDuplicateKey, "key %s already exists in %q", key, collection)
	}
	if err := tx.checkUnique(coll, collection, key, value); err != nil {
		return kv.Key{}, err
	}

	tx.stagedFor(collection).writes[key] = util.CloneDocument(value)
	return key, nil
}

func (tx *txImpl) Update(ctx context.Context, collection string, key kv.Key, value kv.Document) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return err
	}

	tx.engine.dataMu.RLock()
	_, exists := tx.lookup(coll, collection, key)
	tx.engine.dataMu.RUnlock()
	if !exists {
		return kv.NewError(kv.RetCKeyNotFound, "key %s does not exist in %q", key, collection)
	}
	if err := tx.checkUnique(coll, collection, key, value); err != nil {
		return err
	}

	tx.stagedFor(collection).writes[key] = util.CloneDocument(value)
	return nil
}

func (tx *txImpl) Upsert(ctx context.Context, collection string, key kv.Key, value kv.Document) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	coll, err := tx.engine.collection(collection)
	if err != nil {
		return err
	}
	if key.IsZero() {
		return kv.NewError(kv.RetCInvalidKey, "upsert requires an explicit key")
	}
	if err := tx.checkUnique(coll, collection, key, value); err != nil {
		return err
	}

	tx.stagedFor(collection).writes[key] = util.CloneDocument(value)
	return nil
}

func (tx *txImpl) Delete(_ context.Context, collection string, key kv.Key) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, err := tx.engine.collection(collection); err != nil {
		return err
	}
	tx.stagedFor(collection).writes[key] = nil
	return nil
}

func (tx *txImpl) Clear(_ context.Context, collection string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, err := tx.engine.collection(collection); err != nil {
		return err
	}
	sc := tx.stagedFor(collection)
	sc.cleared = true
	sc.writes = make(map[kv.Key]kv.Document)
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods - Lifecycle (docu see kv.ITransaction)
// --------------------------------------------------------------------------

func (tx *txImpl) Commit(_ context.Context) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	tx.active = false

	if tx.mode == kv.ReadWrite {
		tx.engine.dataMu.Lock()
		for name, sc := range tx.staged {
			coll, err := tx.engine.collection(name)
			if err != nil {
				// collections are validated at op time; reaching this is a bug
				tx.engine.dataMu.Unlock()
				tx.engine.writeMu.Unlock()
				tx.fireError(err)
				return err
			}
			if sc.cleared {
				coll.rows = make(map[kv.Key]kv.Document)
			}
			for k, v := range sc.writes {
				if v == nil {
					delete(coll.rows, k)
				} else {
					coll.rows[k] = v
				}
			}
		}
		tx.engine.dataMu.Unlock()
		tx.engine.writeMu.Unlock()
	}

	for _, fn := range tx.onComplete {
		fn()
	}
	return nil
}

func (tx *txImpl) Rollback() error {
	if !tx.active {
		return nil
	}
	tx.active = false
	tx.staged = nil
	if tx.mode == kv.ReadWrite {
		tx.engine.writeMu.Unlock()
	}
	return nil
}

func (tx *txImpl) OnComplete(fn func()) {
	tx.onComplete = append(tx.onComplete, fn)
}

func (tx *txImpl) OnError(fn func(error)) {
	tx.onError = append(tx.onError, fn)
}

func (tx *txImpl) IsActive() bool {
	return tx.active
}

func (tx *txImpl) fireError(err error) {
	for _, fn := range tx.onError {
		fn(err)
	}
}
