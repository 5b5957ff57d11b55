// Package wshub implements hub.Connection over a WebSocket.
//
// Each text frame carries one JSON message:
//   - invocation: a call of hub.target with positional arguments; client
//     calls carry an invocationId, server calls carry none
//   - completion: the result or error for an invocationId
//   - ping: ignored, keeps intermediaries from idling the socket out
//
// A dropped socket is redialed in place for a bounded window (Reconnecting).
// When the window runs out the connection reports Disconnected and stays
// there; recovering from that is the caller's job.
//
// Server is the hub side of the same protocol, used by cmd/hubecho and tests.
package wshub
