package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/queuedhub/internal/hub"
)

var errStartFailed = errors.New("start failed")

// fakeConn is an in-memory hub.Connection driven by the test.
type fakeConn struct {
	endpoint string

	mu               sync.Mutex
	state            hub.State
	startCalls       int
	startErr         error
	emitOnFail       bool // report Connecting -> Disconnected when Start fails
	disposed         bool
	disposeErr       error
	headers          map[string]string
	transportTimeout time.Duration
	logger           *slog.Logger

	stateHandlers       []fakeStateHandler
	reconnectedHandlers []fakeReconnectedHandler
	nextID              int

	proxy *fakeProxy
}

type fakeStateHandler struct {
	id int
	fn func(hub.StateChange)
}

type fakeReconnectedHandler struct {
	id int
	fn func()
}

func newFakeConn(endpoint string) *fakeConn {
	c := &fakeConn{
		endpoint:   endpoint,
		emitOnFail: true,
		headers:    make(map[string]string),
	}
	c.proxy = &fakeProxy{conn: c}
	return c
}

func (c *fakeConn) SetTransportTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportTimeout = d
}

func (c *fakeConn) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *fakeConn) SetHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[name] = value
}

func (c *fakeConn) CreateHubProxy(hubName string) hub.Proxy {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxy.hub = hubName
	return c.proxy
}

func (c *fakeConn) OnStateChanged(fn func(hub.StateChange)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.stateHandlers = append(c.stateHandlers, fakeStateHandler{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.stateHandlers {
			if h.id == id {
				c.stateHandlers = append(c.stateHandlers[:i:i], c.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeConn) OnReconnected(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.reconnectedHandlers = append(c.reconnectedHandlers, fakeReconnectedHandler{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.reconnectedHandlers {
			if h.id == id {
				c.reconnectedHandlers = append(c.reconnectedHandlers[:i:i], c.reconnectedHandlers[i+1:]...)
				return
			}
		}
	}
}

func (c *fakeConn) State() hub.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Start(ctx context.Context) error {
	c.mu.Lock()
	c.startCalls++
	err := c.startErr
	emitOnFail := c.emitOnFail
	c.mu.Unlock()

	c.emit(hub.Connecting)

	if err != nil {
		if emitOnFail {
			c.emit(hub.Disconnected)
		} else {
			c.mu.Lock()
			c.state = hub.Disconnected
			c.mu.Unlock()
		}
		return err
	}

	c.emit(hub.Connected)
	return nil
}

func (c *fakeConn) Dispose() error {
	c.mu.Lock()
	c.disposed = true
	err := c.disposeErr
	c.mu.Unlock()

	c.emit(hub.Disconnected)
	return err
}

// emit moves to state to and notifies handlers, skipping redundant changes.
func (c *fakeConn) emit(to hub.State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	handlers := make([]fakeStateHandler, len(c.stateHandlers))
	copy(handlers, c.stateHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(hub.StateChange{Old: from, New: to})
	}
}

func (c *fakeConn) emitReconnected() {
	c.mu.Lock()
	handlers := make([]fakeReconnectedHandler, len(c.reconnectedHandlers))
	copy(handlers, c.reconnectedHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn()
	}
}

func (c *fakeConn) starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

func (c *fakeConn) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *fakeConn) header(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[name]
}

func (c *fakeConn) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stateHandlers) + len(c.reconnectedHandlers)
}

type fakeCall struct {
	method string
	args   []any
}

// fakeProxy records calls. It fails unless its connection is Connected, and
// always fails while fail is set.
type fakeProxy struct {
	conn *fakeConn
	hub  string

	mu     sync.Mutex
	fail   error
	result any
	calls  []fakeCall
	panics bool
}

func (p *fakeProxy) Invoke(ctx context.Context, method string, args ...any) error {
	return p.InvokeInto(ctx, nil, method, args...)
}

func (p *fakeProxy) InvokeInto(ctx context.Context, reply any, method string, args ...any) error {
	if p.conn.State() != hub.Connected {
		return hub.ErrNotConnected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.panics {
		panic("proxy exploded")
	}
	if p.fail != nil {
		return p.fail
	}

	p.calls = append(p.calls, fakeCall{method: method, args: args})

	if reply != nil && p.result != nil {
		data, err := json.Marshal(p.result)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, reply)
	}
	return nil
}

func (p *fakeProxy) On(method string, handler func(args []json.RawMessage)) {}

func (p *fakeProxy) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *fakeProxy) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.method
	}
	return out
}

// fakeHub is a hub.Factory that keeps every connection it creates.
type fakeHub struct {
	mu        sync.Mutex
	conns     []*fakeConn
	configure func(*fakeConn)
}

func (h *fakeHub) factory(endpoint string) hub.Connection {
	c := newFakeConn(endpoint)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.configure != nil {
		h.configure(c)
	}
	h.conns = append(h.conns, c)
	return c
}

func (h *fakeHub) setConfigure(fn func(*fakeConn)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configure = fn
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *fakeHub) conn(i int) *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[i]
}

func (h *fakeHub) last() *fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[len(h.conns)-1]
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// stateRecorder collects manager state notifications.
type stateRecorder struct {
	mu      sync.Mutex
	changes []hub.StateChange
}

func (r *stateRecorder) record(c hub.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) snapshot() []hub.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.StateChange, len(r.changes))
	copy(out, r.changes)
	return out
}
