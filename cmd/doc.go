// Package cmd implements the command-line interface for LuminarDB. It
// provides a hierarchical command structure for inspecting a data
// directory, driving sync manually, tailing live queries, and running the
// reference sync server.
//
// The package is organized into several subpackages:
//
//   - inspect: Commands for reading a data directory offline (collections,
//     rows, pending mutations, pull cursor)
//   - pull: One-shot pull against an HTTP sync remote
//   - watch: Tail a live query and print incremental changes
//   - serve: Run the in-memory reference sync server
//   - util: Shared utilities for configuration and output (internal use)
//
// See luminar -help for a list of all commands.
package cmd
