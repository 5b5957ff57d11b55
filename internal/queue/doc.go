// Package queue holds invocations that failed while the hub connection was
// unavailable, in the order they failed, until they are replayed.
//
// The queue is unbounded and does no deduplication: replay is best effort
// and each entry gets one replay attempt.
package queue
