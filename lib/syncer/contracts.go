package syncer

import (
	"context"

	"github.com/litcodeur/luminardb/rpc/common"
)

// --------------------------------------------------------------------------
// Remote Contracts
// --------------------------------------------------------------------------

// Puller fetches authoritative changes since cursor (nil on the first
// pull). Any transport works; rpc/client ships an HTTP implementation.
type Puller func(ctx context.Context, cursor any) (*common.PullResponse, error)

// RetryPolicy decides whether a failed push attempt should be retried.
// failureCount counts all attempts so far, including those persisted from
// before a restart.
type RetryPolicy func(failureCount int, err error) bool

// RetryBool builds a policy that always (true) or never (false) retries.
func RetryBool(retry bool) RetryPolicy {
	return func(int, error) bool { return retry }
}

// RetryLimit builds a policy that allows up to max failures.
func RetryLimit(max int) RetryPolicy {
	return func(failureCount int, _ error) bool { return failureCount < max }
}

// RemoteResolver is the per-mutator remote integration: how a mutation is
// propagated to the server once it committed locally.
type RemoteResolver struct {
	// MutationFn pushes the mutation's local resolver result and returns
	// the server's acknowledgement. Required.
	MutationFn func(ctx context.Context, localResult any) (*common.PushResult, error)

	// ShouldRetry gates push retries. Nil retries without bound.
	ShouldRetry RetryPolicy

	// OnSuccess, if set, runs after the server accepted the mutation.
	OnSuccess func(result common.PushResult)
}
