// Package broadcast is the opaque pub/sub channel the database uses to fan
// CDC notifications out to other instances (tabs, processes) sharing one
// logical database.
//
// The bus is a bus, not a transport with delivery guarantees: messages may
// arrive out of order or not at all. The database dispatches the serialized
// events of a foreign message to its cached queries and CDC subscribers as
// they arrive, without re-reading the store or reordering them; cheap
// listeners (devtools, test probes) can observe the same traffic without a
// store of their own.
//
// Two implementations ship: an in-process bus for instances inside one
// process, and a websocket bus relaying messages through an external
// fan-out endpoint.
package broadcast
