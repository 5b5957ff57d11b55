package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rickgao/queuedhub/internal/hub"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func hubServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// changeRecorder collects state changes in delivery order.
type changeRecorder struct {
	mu          sync.Mutex
	changes     []hub.StateChange
	reconnected int
}

func (r *changeRecorder) record(c hub.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) onReconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnected++
}

func (r *changeRecorder) snapshot() []hub.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.StateChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *changeRecorder) reconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnected
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConn_StartEmitsConnectingThenConnected(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	if conn.State() != hub.Connected {
		t.Errorf("State() = %v, want connected", conn.State())
	}

	want := []hub.StateChange{
		{Old: hub.Disconnected, New: hub.Connecting},
		{Old: hub.Connecting, New: hub.Connected},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConn_StartDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	conn := New(url)
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)

	if err := conn.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}

	got := rec.snapshot()
	if len(got) != 2 || got[1] != (hub.StateChange{Old: hub.Connecting, New: hub.Disconnected}) {
		t.Errorf("changes = %v, want connecting then disconnected", got)
	}
	if conn.State() != hub.Disconnected {
		t.Errorf("State() = %v, want disconnected", conn.State())
	}
}

func TestConn_StartTwice(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	if err := conn.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestConn_StartAfterDispose(t *testing.T) {
	conn := New("ws://127.0.0.1:1")
	conn.Dispose()

	if err := conn.Start(context.Background()); !errors.Is(err, hub.ErrDisposed) {
		t.Errorf("Start = %v, want ErrDisposed", err)
	}
}

func TestConn_HeadersSentOnHandshake(t *testing.T) {
	srv, ts := hubServer(t)

	seen := make(chan string, 1)
	srv.Authorize(func(r *http.Request) error {
		seen <- r.Header.Get("X-Test")
		return nil
	})

	conn := New(wsURL(ts))
	conn.SetHeader("X-Test", "abc")
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	if got := <-seen; got != "abc" {
		t.Errorf("X-Test = %q, want %q", got, "abc")
	}
}

func TestConn_InvokeInto(t *testing.T) {
	srv, ts := hubServer(t)
	srv.Handle("calc", "add", func(args []json.RawMessage) (any, error) {
		var a, b int
		json.Unmarshal(args[0], &a)
		json.Unmarshal(args[1], &b)
		return a + b, nil
	})

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	proxy := conn.CreateHubProxy("calc")

	var sum int
	if err := proxy.InvokeInto(context.Background(), &sum, "add", 2, 3); err != nil {
		t.Fatalf("InvokeInto failed: %v", err)
	}
	if sum != 5 {
		t.Errorf("sum = %d, want 5", sum)
	}
}

func TestConn_InvokeRemoteError(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	err := conn.CreateHubProxy("chat").Invoke(context.Background(), "missing")

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Invoke error = %v, want *RemoteError", err)
	}
	if remote.Method != "missing" {
		t.Errorf("Method = %q, want %q", remote.Method, "missing")
	}
	if remote.Message != "method not found: chat.missing" {
		t.Errorf("Message = %q", remote.Message)
	}
}

func TestConn_InvokeNotConnected(t *testing.T) {
	conn := New("ws://127.0.0.1:1")

	err := conn.CreateHubProxy("chat").Invoke(context.Background(), "send", "x")
	if !errors.Is(err, hub.ErrNotConnected) {
		t.Errorf("Invoke = %v, want ErrNotConnected", err)
	}
}

func TestConn_InvokeAfterDispose(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	conn.Dispose()

	err := conn.CreateHubProxy("chat").Invoke(context.Background(), "send")
	if !errors.Is(err, hub.ErrDisposed) {
		t.Errorf("Invoke = %v, want ErrDisposed", err)
	}
}

func TestConn_InvokeUnencodableArgument(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	err := conn.CreateHubProxy("chat").Invoke(context.Background(), "send", make(chan int))
	if err == nil {
		t.Fatal("expected encode error")
	}
	if !strings.Contains(err.Error(), "argument 0") {
		t.Errorf("error = %v, want argument index", err)
	}
}

func TestConn_InvokeContextCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Reads frames but never answers.
	ts := mockWSServer(t, func(ws *websocket.Conn) {
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		<-release
	})
	defer ts.Close()

	conn := New(wsURL(ts))
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.CreateHubProxy("chat").Invoke(ctx, "send")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke = %v, want DeadlineExceeded", err)
	}
}

func TestConn_ServerInvocationReachesHandler(t *testing.T) {
	srv, ts := hubServer(t)

	conn := New(wsURL(ts))
	received := make(chan string, 1)
	conn.CreateHubProxy("chat").On("receive", func(args []json.RawMessage) {
		var msg string
		json.Unmarshal(args[0], &msg)
		received <- msg
	})

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	waitFor(t, time.Second, func() bool { return srv.PeerCount() == 1 })

	n, err := srv.Broadcast("chat", "receive", "hello")
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Broadcast sent to %d peers, want 1", n)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Errorf("received %q, want %q", msg, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestConn_ReconnectsAfterDrop(t *testing.T) {
	srv, ts := hubServer(t)

	conn := New(wsURL(ts))
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)
	conn.OnReconnected(rec.onReconnected)

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	waitFor(t, time.Second, func() bool { return srv.PeerCount() == 1 })
	srv.DropAll()

	waitFor(t, 2*time.Second, func() bool { return rec.reconnects() == 1 })

	if conn.State() != hub.Connected {
		t.Errorf("State() = %v, want connected", conn.State())
	}

	got := rec.snapshot()
	want := []hub.StateChange{
		{Old: hub.Disconnected, New: hub.Connecting},
		{Old: hub.Connecting, New: hub.Connected},
		{Old: hub.Connected, New: hub.Reconnecting},
		{Old: hub.Reconnecting, New: hub.Connected},
	}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("changes[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConn_ReconnectWindowExhausted(t *testing.T) {
	srv, ts := hubServer(t)

	conn := New(wsURL(ts), WithReconnectWindow(300*time.Millisecond))
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	waitFor(t, time.Second, func() bool { return srv.PeerCount() == 1 })
	srv.Authorize(func(*http.Request) error { return errors.New("denied") })
	srv.DropAll()

	waitFor(t, 3*time.Second, func() bool { return conn.State() == hub.Disconnected })

	got := rec.snapshot()
	last := got[len(got)-1]
	if last != (hub.StateChange{Old: hub.Reconnecting, New: hub.Disconnected}) {
		t.Errorf("last change = %v, want reconnecting -> disconnected", last)
	}
	if rec.reconnects() != 0 {
		t.Errorf("reconnected = %d, want 0", rec.reconnects())
	}
}

func TestConn_StaleKeepAliveDropsSocket(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// Never reads, so client pings are never answered.
	ts := mockWSServer(t, func(ws *websocket.Conn) {
		<-release
	})
	defer ts.Close()

	conn := New(wsURL(ts),
		WithKeepAliveInterval(30*time.Millisecond),
		WithReconnectWindow(100*time.Millisecond),
	)
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	waitFor(t, 2*time.Second, func() bool {
		for _, c := range rec.snapshot() {
			if c.New == hub.Reconnecting {
				return true
			}
		}
		return false
	})
}

func TestConn_DisposeEmitsDisconnected(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	rec := &changeRecorder{}
	conn.OnStateChanged(rec.record)

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn.Dispose()
	conn.Dispose()

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("changes = %v, want 3", got)
	}
	if got[2] != (hub.StateChange{Old: hub.Connected, New: hub.Disconnected}) {
		t.Errorf("changes[2] = %v, want connected -> disconnected", got[2])
	}
}

func TestConn_DetachStopsNotifications(t *testing.T) {
	_, ts := hubServer(t)

	conn := New(wsURL(ts))
	rec := &changeRecorder{}
	detach := conn.OnStateChanged(rec.record)
	detach()

	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer conn.Dispose()

	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("changes = %v, want none after detach", got)
	}
}
