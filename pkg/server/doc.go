// Package server implements the push-only TCP forecast server.
//
// Clients connect, are geolocated once, and then receive nothing until the
// next broadcast boundary, when every registered client is sent its own
// forecast. The server never reads from clients. A client leaves by closing
// its end, which the event loop observes as a peer hangup.
//
// # Architecture
//
// The runtime consists of a few small pieces:
//
//   - Registry: the set of active connections, keyed by socket handle
//   - EventLoop: a single goroutine multiplexing the listener and every
//     client socket with poll(2); it accepts, resolves and registers new
//     clients and removes clients that hang up
//   - Broadcaster: a timer goroutine that, at every interval boundary,
//     snapshots the registry and delivers one payload per connection
//   - Server: wires the above together and owns shutdown
//
// # Connection Lifecycle
//
//  1. The listener becomes readable and the loop accepts every pending client.
//  2. The peer address is resolved to a location with a bounded timeout.
//  3. On failure the client is sent a one-line notice and closed.
//  4. On success the connection is registered and watched for hangup.
//  5. At each boundary the broadcaster sends the client its forecast.
//  6. On hangup the loop unregisters and closes the socket.
//
// # Thread Safety
//
// The Registry is safe for concurrent use and is the only state shared
// between the loop and the broadcaster. Broadcasts work from a snapshot, so
// a client closed mid-cycle only produces a failed send for that client.
package server
