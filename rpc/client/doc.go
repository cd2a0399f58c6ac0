// Package client implements the sync contracts over HTTP: a puller posting
// the cursor to <endpoint>/pull, and a per-mutator remote resolver posting
// the mutation payload to <endpoint>/push. Requests go through a retrying
// HTTP client; the sync manager's own backoff loop sits above that for
// longer outages.
package client
