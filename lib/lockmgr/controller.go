package lockmgr

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is how long Request waits before force-removing a
	// stale lock.
	DefaultTimeout = 5 * time.Minute

	// pollInterval is the wait between acquisition attempts.
	pollInterval = time.Second
)

type controllerImpl struct {
	storage    ILockStorage
	instanceID string
	logger     zerolog.Logger
}

// NewController creates a lock controller over the given storage. The
// controller identifies itself with a fresh random ULID.
func NewController(storage ILockStorage, logger zerolog.Logger) ILockController {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return &controllerImpl{
		storage:    storage,
		instanceID: ulid.MustNew(ulid.Now(), entropy).String(),
		logger:     logger.With().Str("component", "lockmgr").Logger(),
	}
}

func (c *controllerImpl) InstanceID() string {
	return c.instanceID
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr.ILockController)
// --------------------------------------------------------------------------

func (c *controllerImpl) Request(ctx context.Context, name string, timeout time.Duration, callback func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := c.acquire(ctx, name, timeout); err != nil {
		return err
	}

	defer func() {
		if err := c.storage.Remove(context.WithoutCancel(ctx), name); err != nil {
			c.logger.Warn().Err(err).Str("lock", name).Msg("failed to release advisory lock")
		}
	}()
	return callback(ctx)
}

// acquire polls until the lock is free or owned by this instance. After
// timeout the lock is presumed stale, force-removed, and taken over.
func (c *controllerImpl) acquire(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		state, exists, err := c.storage.Get(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "lockmgr: read lock %q", name)
		}
		if !exists || !state.Locked || state.ID == c.instanceID {
			break
		}
		if time.Now().After(deadline) {
			c.logger.Warn().
				Str("lock", name).
				Str("holder", state.ID).
				Msg("lock not released within timeout; force-removing")
			if err := c.storage.Remove(ctx, name); err != nil {
				return errors.Wrapf(err, "lockmgr: force-remove lock %q", name)
			}
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	err := c.storage.Set(ctx, name, LockState{Locked: true, ID: c.instanceID})
	return errors.Wrapf(err, "lockmgr: acquire lock %q", name)
}
