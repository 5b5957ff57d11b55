package connection

import (
	"context"
	"fmt"

	"github.com/rickgao/queuedhub/internal/hub"
	"github.com/rickgao/queuedhub/internal/metrics"
	"github.com/rickgao/queuedhub/internal/queue"
)

// Invoke calls method on the hub, connecting first if needed. A failed call
// is logged and then queued for replay or dropped; it is never returned.
// Only configuration errors are returned.
func (m *Manager) Invoke(ctx context.Context, method string, args ...any) error {
	if _, err := m.connect(ctx, attempt{fromInvoke: true}); err != nil {
		return err
	}

	err := m.call(ctx, func(ctx context.Context, p hub.Proxy) error {
		return p.Invoke(ctx, method, args...)
	})
	if err != nil {
		m.invokeFailed(method, args, err)
		return nil
	}

	m.metrics.Invoke(metrics.InvokeOK)
	m.logger.Debug("invoked", "method", method)
	return nil
}

// InvokeAs is Invoke with a decoded result. On failure it returns the zero
// T and a nil error.
func InvokeAs[T any](ctx context.Context, m *Manager, method string, args ...any) (T, error) {
	var zero T

	if _, err := m.connect(ctx, attempt{fromInvoke: true}); err != nil {
		return zero, err
	}

	var reply T
	err := m.call(ctx, func(ctx context.Context, p hub.Proxy) error {
		return p.InvokeInto(ctx, &reply, method, args...)
	})
	if err != nil {
		m.invokeFailed(method, args, err)
		return zero, nil
	}

	m.metrics.Invoke(metrics.InvokeOK)
	m.logger.Debug("invoked", "method", method)
	return reply, nil
}

// call runs fn against the current proxy, bounded by the invoke timeout.
func (m *Manager) call(ctx context.Context, fn func(context.Context, hub.Proxy) error) (err error) {
	m.lifecycleMu.Lock()
	p := m.proxy
	m.lifecycleMu.Unlock()

	if p == nil {
		return hub.ErrNotConnected
	}

	if m.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.invokeTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("proxy panicked: %v", r)
		}
	}()

	return fn(ctx, p)
}

func (m *Manager) invokeFailed(method string, args []any, err error) {
	m.logger.Warn("could not invoke", "method", method, "error", err)

	inv := queue.NewInvocation(method, args...)
	event := InvokeEvent{Invocation: inv, Err: err}

	if m.queue == nil {
		m.metrics.Invoke(metrics.InvokeDropped)
		m.publish(TopicInvokeDropped, event)
		return
	}

	m.queue.Enqueue(inv)
	m.metrics.Invoke(metrics.InvokeQueued)
	m.metrics.QueueDepth(m.queue.Len())
	m.publish(TopicInvokeQueued, event)
}

// ProcessInvokeQueue replays queued invocations in FIFO order. It does
// nothing unless the queue is non-empty and the state is Connected when
// checked. Each entry is tried once; a failed replay is logged and dropped.
// Draining stops early, leaving the rest queued, when ctx is done.
func (m *Manager) ProcessInvokeQueue(ctx context.Context) {
	if m.queue == nil {
		return
	}

	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	if m.queue.IsEmpty() || m.ConnectionState() != hub.Connected {
		return
	}

	m.logger.Info("processing invoke queue", "pending", m.queue.Len())

	for ctx.Err() == nil {
		inv, ok := m.queue.Dequeue()
		if !ok {
			break
		}
		m.metrics.QueueDepth(m.queue.Len())

		err := m.call(ctx, func(ctx context.Context, p hub.Proxy) error {
			return p.Invoke(ctx, inv.Method, inv.Args...)
		})
		if err != nil {
			m.logger.Warn("could not process pending item", "method", inv.Method, "id", inv.ID, "error", err)
			m.metrics.Replay(metrics.ReplayFailed)
			m.publish(TopicReplayFailed, InvokeEvent{Invocation: inv, Err: err})
			continue
		}

		m.metrics.Replay(metrics.ReplayOK)
		m.publish(TopicReplayed, InvokeEvent{Invocation: inv})
	}
}
