package queue

import (
	"time"

	"github.com/google/uuid"
)

// Invocation is a deferred remote call.
type Invocation struct {
	ID       uuid.UUID // Correlates queue, replay and drop log lines
	Method   string
	Args     []any
	QueuedAt time.Time
}

// NewInvocation captures a call. Args are copied so later changes to the
// caller's slice do not leak into the queue.
func NewInvocation(method string, args ...any) Invocation {
	var copied []any
	if len(args) > 0 {
		copied = make([]any, len(args))
		copy(copied, args)
	}

	return Invocation{
		ID:       uuid.New(),
		Method:   method,
		Args:     copied,
		QueuedAt: time.Now(),
	}
}
