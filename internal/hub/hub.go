package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("connection is not in the connected state")
	ErrDisposed     = errors.New("connection disposed")
)

// State is the lifecycle state of a hub connection.
type State int

const (
	// Disconnected - no transport. Initial state of every connection.
	Disconnected State = iota
	// Connecting - Start in progress
	Connecting
	// Connected - live session
	Connected
	// Reconnecting - transport dropped, connection is retrying in place
	Reconnecting
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is a state transition notification. A Connection never
// delivers a change whose Old equals New.
type StateChange struct {
	Old State
	New State
}

// Proxy invokes methods on one hub and receives calls made by the server.
type Proxy interface {
	// Invoke calls a remote method and waits for its completion.
	Invoke(ctx context.Context, method string, args ...any) error

	// InvokeInto calls a remote method and decodes its result into reply.
	InvokeInto(ctx context.Context, reply any, method string, args ...any) error

	// On registers a handler for server-to-client invocations of method.
	On(method string, handler func(args []json.RawMessage))
}

// Connection is a single hub connection object.
//
// Setters must be called before Start. Start may be called once.
type Connection interface {
	SetTransportTimeout(d time.Duration)
	SetLogger(logger *slog.Logger)
	SetHeader(name, value string)

	// CreateHubProxy returns the proxy for the named hub.
	CreateHubProxy(hubName string) Proxy

	// OnStateChanged registers a state change handler. Handlers run in
	// emission order. The returned func detaches the handler.
	OnStateChanged(fn func(StateChange)) (detach func())

	// OnReconnected registers a handler fired after an in-place reconnection.
	OnReconnected(fn func()) (detach func())

	// State returns the current state.
	State() State

	// Start establishes the transport.
	Start(ctx context.Context) error

	// Dispose stops the connection and releases its resources. It can block.
	Dispose() error
}

// Factory creates a connection object for an endpoint.
type Factory func(endpoint string) Connection
