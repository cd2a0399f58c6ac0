package common

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// HTTP client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the connection parameters of the HTTP sync client.
type ClientConfig struct {
	// Endpoint is the base URL of the sync remote (e.g. https://sync.example.com).
	Endpoint string

	// Timeout bounds a single request.
	Timeout time.Duration

	// RetryMax is how many times the HTTP layer retries a failed request
	// before surfacing the error to the sync manager's own retry loop.
	RetryMax int

	// Headers are attached to every request (auth tokens and the like).
	Headers map[string]string
}

// DefaultClientConfig returns a config for endpoint with a 30s timeout and
// two HTTP-level retries. client.New fills in only a zero Timeout; a zero
// RetryMax disables HTTP-level retries.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint: endpoint,
		Timeout:  30 * time.Second,
		RetryMax: 2,
	}
}

// String returns a formatted representation of the configuration.
func (c ClientConfig) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %-10s: %s\n", "Endpoint", c.Endpoint))
	sb.WriteString(fmt.Sprintf("  %-10s: %s\n", "Timeout", c.Timeout))
	sb.WriteString(fmt.Sprintf("  %-10s: %d\n", "Retries", c.RetryMax))
	return sb.String()
}
