package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/litcodeur/luminardb/rpc/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(t *testing.T) (*server.Server, *Client) {
	t.Helper()
	srv := server.New(nil, nil, zerolog.Nop())
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)

	return srv, New(common.DefaultClientConfig(httpSrv.URL), nil, zerolog.Nop())
}

func TestPullerFollowsCursor(t *testing.T) {
	srv, c := newTestRemote(t)
	ctx := context.Background()

	srv.Record("todo",
		common.CollectionOperation{Action: common.ActionCreated, Key: "k1", Value: map[string]any{"title": "a"}},
		common.CollectionOperation{Action: common.ActionDeleted, Key: "k2"},
	)

	puller := c.Puller()

	resp, err := puller(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Validate())
	require.Len(t, resp.Change["todo"], 2)
	require.NotNil(t, resp.Cursor)

	// pulling from the advanced cursor returns nothing new
	resp2, err := puller(ctx, resp.Cursor)
	require.NoError(t, err)
	assert.Empty(t, resp2.Change)

	// new server-side writes surface on the next pull
	srv.Record("todo", common.CollectionOperation{Action: common.ActionClear})
	resp3, err := puller(ctx, resp.Cursor)
	require.NoError(t, err)
	require.Len(t, resp3.Change["todo"], 1)
	assert.Equal(t, common.ActionClear, resp3.Change["todo"][0].Action)
}

func TestResolverPushesAndAcknowledges(t *testing.T) {
	_, c := newTestRemote(t)
	ctx := context.Background()

	resolver := c.Resolver("addTodo", nil)
	payload := map[string]any{
		"change": map[string]any{
			"todo": []any{
				map[string]any{"action": "CREATED", "key": "k1", "value": map[string]any{"title": "a"}},
			},
		},
	}

	result, err := resolver.MutationFn(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.ServerMutationID)

	result, err = resolver.MutationFn(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.ServerMutationID)

	// the pushed changes become part of the pull stream, acknowledged up to
	// the last processed mutation
	resp, err := c.Puller()(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.LastProcessedMutationID)
	assert.Len(t, resp.Change["todo"], 2)
}

func TestResolverSurfacesServerRejection(t *testing.T) {
	_, c := newTestRemote(t)

	resolver := c.Resolver("addTodo", nil)
	_, err := resolver.MutationFn(context.Background(), map[string]any{"not-a-change": true})
	require.Error(t, err)
}
