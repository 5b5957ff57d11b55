// Package connection implements the lifecycle manager in front of a hub
// connection.
//
// The Manager:
//   - Builds one connection object at a time and refuses duplicate connects
//   - Re-arms a single-shot reconnect deadline on every Disconnected report
//   - Releases dismissed connection objects in the background
//   - Queues failed invokes for replay once connected, or drops them
//
// Invoke never returns transport failures to the caller. They are logged,
// counted, and published on the bus instead.
package connection
