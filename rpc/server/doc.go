// Package server provides a reference sync remote: an in-memory
// implementation of the pull/push protocol served over HTTP. It exists for
// development setups and end-to-end tests; production remotes implement
// the same two endpoints against their own storage.
//
// Endpoints:
//
//	POST /pull  {"cursor": ...} → pull response envelope
//	POST /push  push request    → {"serverMutationId": ...}
//
// The server assigns each pushed mutation a server mutation ID and keeps a
// linear change history; a pull with a cursor returns only the operations
// recorded after that cursor, with the cursor advanced past them.
package server
