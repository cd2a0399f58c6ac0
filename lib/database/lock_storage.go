package database

import (
	"context"

	"github.com/litcodeur/luminardb/lib/kv"
	"github.com/litcodeur/luminardb/lib/lockmgr"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Meta-Backed Lock Storage
// --------------------------------------------------------------------------

// metaLockStorage persists advisory lock records as {locked, id} documents
// in the reserved "__meta" collection, one short-lived transaction per
// operation so cross-instance visibility matches the engine's durability.
type metaLockStorage struct {
	db *Database
}

func (s *metaLockStorage) Get(ctx context.Context, name string) (lockmgr.LockState, bool, error) {
	tx, err := s.db.engine.Begin(ctx, kv.ReadOnly)
	if err != nil {
		return lockmgr.LockState{}, false, err
	}
	defer tx.Rollback()

	doc, ok, err := tx.QueryByKey(ctx, kv.CollectionMeta, kv.StringKey(name))
	if err != nil || !ok {
		return lockmgr.LockState{}, false, err
	}
	state := lockmgr.LockState{}
	state.Locked, _ = doc["locked"].(bool)
	state.ID, _ = doc["id"].(string)
	return state, true, nil
}

func (s *metaLockStorage) Set(ctx context.Context, name string, state lockmgr.LockState) error {
	tx, err := s.db.engine.Begin(ctx, kv.ReadWrite)
	if err != nil {
		return err
	}
	err = tx.Upsert(ctx, kv.CollectionMeta, kv.StringKey(name), kv.Document{
		"locked": state.Locked,
		"id":     state.ID,
	})
	if err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "database: write lock %q", name)
	}
	return tx.Commit(ctx)
}

func (s *metaLockStorage) Remove(ctx context.Context, name string) error {
	tx, err := s.db.engine.Begin(ctx, kv.ReadWrite)
	if err != nil {
		return err
	}
	if err := tx.Delete(ctx, kv.CollectionMeta, kv.StringKey(name)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "database: remove lock %q", name)
	}
	return tx.Commit(ctx)
}
