package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/litcodeur/luminardb/lib/syncer"
	"github.com/litcodeur/luminardb/rpc/common"
	"github.com/litcodeur/luminardb/rpc/serializer"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// --------------------------------------------------------------------------
// HTTP Sync Client
// --------------------------------------------------------------------------

// Client talks to a sync remote over HTTP.
type Client struct {
	config     common.ClientConfig
	serializer serializer.IEnvelopeSerializer
	http       *retryablehttp.Client
}

// New creates an HTTP sync client. A nil serializer selects JSON.
func New(config common.ClientConfig, s serializer.IEnvelopeSerializer, logger zerolog.Logger) *Client {
	if s == nil {
		s = serializer.NewJSONSerializer()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = config.RetryMax
	httpClient.HTTPClient.Timeout = config.Timeout
	httpClient.Logger = retryableLogger{logger.With().Str("component", "sync-http").Logger()}

	return &Client{config: config, serializer: s, http: httpClient}
}

// DefaultTimeout bounds a single sync request.
const DefaultTimeout = 30 * time.Second

// Puller returns the pull contract implementation: POST <endpoint>/pull
// with {"cursor": ...}, expecting a pull response envelope.
func (c *Client) Puller() syncer.Puller {
	return func(ctx context.Context, cursor any) (*common.PullResponse, error) {
		var resp common.PullResponse
		if err := c.post(ctx, "/pull", map[string]any{"cursor": cursor}, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
}

// Resolver returns a remote resolver pushing mutations of the given name:
// POST <endpoint>/push with the mutation's payload, expecting a push result.
func (c *Client) Resolver(mutationName string, shouldRetry syncer.RetryPolicy) *syncer.RemoteResolver {
	return &syncer.RemoteResolver{
		MutationFn: func(ctx context.Context, localResult any) (*common.PushResult, error) {
			var result common.PushResult
			req := common.PushRequest{MutationName: mutationName, Payload: localResult}
			if err := c.post(ctx, "/push", req, &result); err != nil {
				return nil, err
			}
			return &result, nil
		},
		ShouldRetry: shouldRetry,
	}
}

// post sends one serialized request and decodes the response into out.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := c.serializer.Serialize(payload)
	if err != nil {
		return errors.Wrap(err, "rpc: serialize request")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "rpc: build request")
	}
	req.Header.Set("Content-Type", c.serializer.ContentType())
	req.Header.Set("Accept", c.serializer.ContentType())
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rpc: %s", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "rpc: read %s response", path)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rpc: %s returned %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}
	return errors.Wrapf(c.serializer.Deserialize(raw, out), "rpc: decode %s response", path)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// --------------------------------------------------------------------------
// Logger Adapter
// --------------------------------------------------------------------------

// retryableLogger bridges retryablehttp's leveled logger onto zerolog.
type retryableLogger struct {
	logger zerolog.Logger
}

func (l retryableLogger) Error(msg string, kv ...any) { l.logger.Error().Fields(kv).Msg(msg) }
func (l retryableLogger) Info(msg string, kv ...any)  { l.logger.Info().Fields(kv).Msg(msg) }
func (l retryableLogger) Debug(msg string, kv ...any) { l.logger.Debug().Fields(kv).Msg(msg) }
func (l retryableLogger) Warn(msg string, kv ...any)  { l.logger.Warn().Fields(kv).Msg(msg) }
