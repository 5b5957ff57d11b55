package wshub

import (
	"context"
	"encoding/json"
	"sync"
)

// proxy is a hub.Proxy for one hub on a Conn.
type proxy struct {
	conn *Conn
	hub  string

	mu       sync.RWMutex
	handlers map[string]func([]json.RawMessage)
}

func (p *proxy) Invoke(ctx context.Context, method string, args ...any) error {
	return p.conn.invoke(ctx, p.hub, method, nil, args)
}

func (p *proxy) InvokeInto(ctx context.Context, reply any, method string, args ...any) error {
	return p.conn.invoke(ctx, p.hub, method, reply, args)
}

// On registers the handler for server invocations of method, replacing any
// previous one.
func (p *proxy) On(method string, handler func(args []json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = handler
}

func (p *proxy) handle(method string, args []json.RawMessage) {
	p.mu.RLock()
	h, ok := p.handlers[method]
	p.mu.RUnlock()

	if ok && h != nil {
		h(args)
	}
}
