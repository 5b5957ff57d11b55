// Package timer provides a periodic timer that can also fire once.
//
// The connection manager uses it as its reconnect deadline: a run-once timer
// that is stopped and restarted on every unsolicited disconnect.
package timer
