package pebbledb

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/pkg/errors"
)

// reader is the common read surface of an indexed batch (read-write
// transactions) and a snapshot (read-only transactions).
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

type txImpl struct {
	engine *engineImpl
	mode   kv.TransactionMode
	active bool

	batch *pebble.Batch    // read-write transactions
	snap  *pebble.Snapshot // read-only transactions

	onComplete []func()
	onError    []func(error)
}

func (tx *txImpl) reader() reader {
	if tx.batch != nil {
		return tx.batch
	}
	return tx.snap
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

// get reads and decodes a raw value. The boolean reports existence.
func (tx *txImpl) get(key []byte) ([]byte, bool, error) {
	val, closer, err := tx.reader().Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "pebbledb: get")
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, false, errors.Wrap(err, "pebbledb: get close")
	}
	return out, true, nil
}

// --------------------------------------------------------------------------
// Interface Methods - Reads (docu see kv.ITransaction)
// --------------------------------------------------------------------------

func (tx *txImpl) QueryByKey(_ context.Context, collection string, key kv.Key) (kv.Document, bool, error) {
	if err := tx.checkActive(); err != nil {
		return nil, false, err
	}
	if _, err := tx.engine.schemaOf(collection); err != nil {
		return nil, false, err
	}

	raw, ok, err := tx.get(docKey(collection, key))
	if err != nil || !ok {
		return nil, false, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (tx *txImpl) QueryAll(_ context.Context, collection string) ([]kv.Row, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if _, err := tx.engine.schemaOf(collection); err != nil {
		return nil, err
	}

	prefix := docPrefix(collection)
	iter, err := tx.reader().NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "pebbledb: iter")
	}
	defer iter.Close()

	var rows []kv.Row
	for iter.First(); iter.Valid(); iter.Next() {
		key, err := kv.DecodeKey(iter.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		doc, err := decodeDocument(iter.Value())
		if err != nil {
			return nil, err
		}
		rows = append(rows, kv.Row{Key: key, Value: doc})
	}
	return rows, errors.Wrap(iter.Error(), "pebbledb: iter")
}

func (tx *txImpl) QueryByCondition(ctx context.Context, collection string, field string, rng kv.Range) ([]kv.Row, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return nil, err
	}
	idx, ok := schema.Index(field)
	if !ok {
		return nil, kv.NewError(kv.RetCIndexNotFound, "collection %q has no index on %q", collection, field)
	}

	lower, upper := indexScanBounds(collection, field, rng)
	iter, err := tx.reader().NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "pebbledb: index iter")
	}
	defer iter.Close()

	var rows []kv.Row
	seen := make(map[kv.Key]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		key, err := kv.DecodeKey(iter.Value())
		if err != nil {
			return nil, err
		}
		// multi-entry indexes can surface the same row more than once
		if _, dup := seen[key]; dup {
			continue
		}

		doc, ok, err := tx.QueryByKey(ctx, collection, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			// dangling index entry, repaired on the next write of the row
			continue
		}
		if !indexedValueInRange(idx, doc, rng) {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, kv.Row{Key: key, Value: doc})
	}
	return rows, errors.Wrap(iter.Error(), "pebbledb: index iter")
}

// indexedValueInRange re-checks the range against the decoded document, so
// byte-encoding edge cases can never disagree with the in-memory predicate.
func indexedValueInRange(idx kv.IndexSchema, doc kv.Document, rng kv.Range) bool {
	for _, v := range kv.IndexedValues(idx, doc) {
		if rng.Contains(v) {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Interface Methods - Writes (docu see kv.ITransaction)
// --------------------------------------------------------------------------

func (tx *txImpl) Insert(ctx context.Context, collection string, key kv.Key, value kv.Document) (kv.Key, error) {
	if err := tx.checkWritable(); err != nil {
		return kv.Key{}, err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return kv.Key{}, err
	}

	if key.IsZero() {
		if !schema.AutoIncrement {
			return kv.Key{}, kv.NewError(kv.RetCInvalidKey, "collection %q requires an explicit key", collection)
		}
		key, err = tx.nextSequence(collection)
		if err != nil {
			return kv.Key{}, err
		}
	}

	_, exists, err := tx.get(docKey(collection, key))
	if err != nil {
		return kv.Key{}, err
	}
	if exists {
		return kv.Key{}, kv.NewError(kv.RetCDuplicateKey, "key %s already exists in %q", key, collection)
	}
	if err := tx.checkUnique(schema, collection, key, value); err != nil {
		return kv.Key{}, err
	}
	if err := tx.putRow(schema, collection, key, nil, value); err != nil {
		return kv.Key{}, err
	}
	return key, nil
}

func (tx *txImpl) Update(ctx context.Context, collection string, key kv.Key, value kv.Document) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return err
	}

	old, exists, err := tx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if !exists {
		return kv.NewError(kv.RetCKeyNotFound, "key %s does not exist in %q", key, collection)
	}
	if err := tx.checkUnique(schema, collection, key, value); err != nil {
		return err
	}
	return tx.putRow(schema, collection, key, old, value)
}

func (tx *txImpl) Upsert(ctx context.Context, collection string, key kv.Key, value kv.Document) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return err
	}
	if key.IsZero() {
		return kv.NewError(kv.RetCInvalidKey, "upsert requires an explicit key")
	}

	old, _, err := tx.QueryByKey(ctx, collection, key)
	if err != nil {
		return err
	}
	if err := tx.checkUnique(schema, collection, key, value); err != nil {
		return err
	}
	return tx.putRow(schema, collection, key, old, value)
}

func (tx *txImpl) Delete(ctx context.Context, collection string, key kv.Key) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return err
	}

	old, exists, err := tx.QueryByKey(ctx, collection, key)
	if err != nil || !exists {
		return err
	}
	if err := tx.removeIndexEntries(schema, collection, key, old); err != nil {
		return err
	}
	return errors.Wrap(tx.batch.Delete(docKey(collection, key), nil), "pebbledb: delete")
}

func (tx *txImpl) Clear(_ context.Context, collection string) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	schema, err := tx.engine.schemaOf(collection)
	if err != nil {
		return err
	}

	prefix := docPrefix(collection)
	if err := tx.batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return errors.Wrap(err, "pebbledb: clear rows")
	}
	for _, idx := range schema.Indexes {
		p := indexPrefix(collection, idx.Field)
		if err := tx.batch.DeleteRange(p, prefixEnd(p), nil); err != nil {
			return errors.Wrap(err, "pebbledb: clear index")
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Write Helpers
// --------------------------------------------------------------------------

// nextSequence allocates the next auto-increment key. Safe because write
// transactions hold the engine write lock for their whole lifetime.
func (tx *txImpl) nextSequence(collection string) (kv.Key, error) {
	raw, ok, err := tx.get(seqKey(collection))
	if err != nil {
		return kv.Key{}, err
	}
	var cur uint64
	if ok && len(raw) == 8 {
		cur = binary.BigEndian.Uint64(raw)
	}
	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := tx.batch.Set(seqKey(collection), buf, nil); err != nil {
		return kv.Key{}, errors.Wrap(err, "pebbledb: bump sequence")
	}
	return kv.IntKey(int64(next)), nil
}

// putRow writes the document and swaps its index entries from old to value.
func (tx *txImpl) putRow(schema kv.CollectionSchema, collection string, key kv.Key, old, value kv.Document) error {
	if old != nil {
		if err := tx.removeIndexEntries(schema, collection, key, old); err != nil {
			return err
		}
	}
	for _, idx := range schema.Indexes {
		for _, v := range kv.IndexedValues(idx, value) {
			if err := tx.batch.Set(indexEntryKey(collection, idx.Field, v, key), key.Encode(), nil); err != nil {
				return errors.Wrap(err, "pebbledb: index entry")
			}
		}
	}
	enc, err := encodeDocument(value)
	if err != nil {
		return err
	}
	return errors.Wrap(tx.batch.Set(docKey(collection, key), enc, nil), "pebbledb: put")
}

func (tx *txImpl) removeIndexEntries(schema kv.CollectionSchema, collection string, key kv.Key, doc kv.Document) error {
	for _, idx := range schema.Indexes {
		for _, v := range kv.IndexedValues(idx, doc) {
			if err := tx.batch.Delete(indexEntryKey(collection, idx.Field, v, key), nil); err != nil {
				return errors.Wrap(err, "pebbledb: drop index entry")
			}
		}
	}
	return nil
}

// checkUnique scans each unique index for an entry carrying one of value's
// indexed values under a different primary key.
func (tx *txImpl) checkUnique(schema kv.CollectionSchema, collection string, key kv.Key, value kv.Document) error {
	for _, idx := range schema.Indexes {
		if !idx.Unique {
			continue
		}
		for _, v := range kv.IndexedValues(idx, value) {
			prefix := indexValuePrefix(collection, idx.Field, v)
			iter, err := tx.reader().NewIter(&pebble.IterOptions{
				LowerBound: prefix,
				UpperBound: prefixEnd(prefix),
			})
			if err != nil {
				return errors.Wrap(err, "pebbledb: unique check")
			}
			for iter.First(); iter.Valid(); iter.Next() {
				if !bytes.Equal(iter.Value(), key.Encode()) {
					iter.Close()
					return kv.NewError(kv.RetCUniqueViolation,
						"unique index %q.%q already holds %v", collection, idx.Field, v)
				}
			}
			if err := iter.Close(); err != nil {
				return errors.Wrap(err, "pebbledb: unique check close")
			}
		}
	}
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
		err := tx.batch.Commit(tx.engine.syncOption())
		tx.engine.writeMu.Unlock()
		if err != nil {
			err = errors.Wrap(err, "pebbledb: commit")
			for _, fn := range tx.onError {
				fn(err)
			}
			return err
		}
	} else if err := tx.snap.Close(); err != nil {
		return errors.Wrap(err, "pebbledb: close snapshot")
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

	if tx.mode == kv.ReadWrite {
		err := tx.batch.Close()
		tx.engine.writeMu.Unlock()
		return errors.Wrap(err, "pebbledb: rollback")
	}
	return errors.Wrap(tx.snap.Close(), "pebbledb: rollback")
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
