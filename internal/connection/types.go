package connection

import (
	"errors"
	"log/slog"

	"github.com/rickgao/queuedhub/internal/queue"
)

// Errors
var (
	ErrEndpointRequired = errors.New("endpoint must be configured before connecting")
	ErrHubNameRequired  = errors.New("hub name must be configured before connecting")
)

// Bus topics published by the manager.
const (
	TopicState         = "conn.state"           // hub.StateChange
	TopicInvokeQueued  = "invoke.queued"        // InvokeEvent
	TopicInvokeDropped = "invoke.dropped"       // InvokeEvent
	TopicReplayed      = "invoke.replayed"      // InvokeEvent
	TopicReplayFailed  = "invoke.replay_failed" // InvokeEvent
)

// InvokeEvent describes what happened to a failed or replayed invocation.
type InvokeEvent struct {
	Invocation queue.Invocation
	Err        error // nil for a successful replay
}

// LifecycleState is the manager's view of its session.
type LifecycleState int

const (
	// Idle - no connection object exists
	Idle LifecycleState = iota
	// Connecting - a connect attempt is in flight or the hub is (re)connecting
	Connecting
	// Connected - live session
	Connected
	// DisconnectedRetrying - the reconnect deadline is armed
	DisconnectedRetrying
)

// String returns the string representation of the lifecycle state.
func (s LifecycleState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DisconnectedRetrying:
		return "disconnected_retrying"
	default:
		return "unknown"
	}
}

// TraceLevel selects how much the manager logs.
type TraceLevel int

const (
	TraceNone         TraceLevel = iota // nothing
	TraceErrors                         // failures only
	TraceStateChanges                   // failures and state transitions
	TraceAll                            // everything, including per-call detail
)

// slogLevel maps a trace level to the minimum slog level it lets through.
func (l TraceLevel) slogLevel() slog.Level {
	switch l {
	case TraceErrors:
		return slog.LevelWarn
	case TraceStateChanges:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// ConnectFailurePolicy decides what happens to a connection object whose
// Start failed.
type ConnectFailurePolicy int

const (
	// KeepOnFailure leaves the object in place. Recovery relies on the
	// connection reporting Disconnected, which arms the reconnect deadline.
	KeepOnFailure ConnectFailurePolicy = iota
	// TeardownOnFailure dismisses the object and arms the reconnect
	// deadline directly.
	TeardownOnFailure
)

func (p ConnectFailurePolicy) String() string {
	switch p {
	case KeepOnFailure:
		return "keep"
	case TeardownOnFailure:
		return "teardown"
	default:
		return "unknown"
	}
}
