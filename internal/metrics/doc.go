// Package metrics provides Prometheus metrics for the managed hub client.
//
// Key metrics:
//   - Connect attempts by outcome and the current connection state
//   - Reconnect deadlines armed
//   - Invokes by outcome and the pending queue depth
//   - Replay outcomes and dispose failures
//
// Collectors live on a private registry served by Handler. A nil
// *Collectors is a valid receiver whose methods do nothing.
package metrics
