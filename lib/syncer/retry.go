package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 10 * time.Second
)

// newBackOff builds the shared exponential backoff curve: 1s initial,
// capped at 10s, never giving up on its own.
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retry runs op until it succeeds or onFailure (called after each failed
// attempt with the cumulative failure count) returns false. The final
// error is returned when retrying stops.
func retry(ctx context.Context, op func(ctx context.Context) error, onFailure func(failureCount int, err error) (bool, error)) error {
	b := newBackOff()
	failures := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		failures++

		if onFailure != nil {
			keep, cbErr := onFailure(failures, err)
			if cbErr != nil {
				return cbErr
			}
			if !keep {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
}
