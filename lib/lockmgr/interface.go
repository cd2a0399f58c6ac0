package lockmgr

import (
	"context"
	"time"
)

// LockState is the persisted record of one advisory lock.
type LockState struct {
	Locked bool   `json:"locked"`
	ID     string `json:"id"` // owner instance ID
}

// ILockStorage is the opaque persistence the controller runs on: get, set,
// remove by lock name. The database backs it with the reserved "__meta"
// collection; tests back it with a map.
type ILockStorage interface {
	// Get returns the lock record for name. The boolean reports whether a
	// record exists.
	Get(ctx context.Context, name string) (LockState, bool, error)

	// Set writes the lock record for name.
	Set(ctx context.Context, name string, state LockState) error

	// Remove deletes the lock record for name. Removing a missing record is
	// a no-op.
	Remove(ctx context.Context, name string) error
}

// ILockController grants cooperative exclusive sections keyed by name.
type ILockController interface {
	// Request runs callback while holding the named lock. It polls until the
	// lock is free or owned by this instance; once timeout elapses, a stale
	// lock is force-removed and taken over. The lock is released when the
	// callback returns.
	Request(ctx context.Context, name string, timeout time.Duration, callback func(ctx context.Context) error) error

	// InstanceID returns this controller's random owner ID.
	InstanceID() string
}
