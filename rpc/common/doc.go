// Package common defines the wire types of the sync protocol: the pull
// response envelope with its per-collection operations, the push result,
// and the client configuration shared by the HTTP implementations.
//
// The envelope is deliberately transport-agnostic plain data; serializers
// in rpc/serializer turn it into bytes.
package common
