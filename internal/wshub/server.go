package wshub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HandlerFunc answers a client invocation.
type HandlerFunc func(args []json.RawMessage) (any, error)

type handlerKey struct {
	hub    string
	target string
}

type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is the hub side of the protocol.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	handlers  map[handlerKey]HandlerFunc
	peers     map[*peer]struct{}
	authorize func(*http.Request) error
}

// NewServer creates a hub server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger: logger.With("component", "hub_server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[handlerKey]HandlerFunc),
		peers:    make(map[*peer]struct{}),
	}
}

// AnyTarget registers a handler for every target of a hub that has no
// handler of its own.
const AnyTarget = "*"

// Handle registers fn for invocations of hub.target.
func (s *Server) Handle(hub, target string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handlerKey{hub: hub, target: target}] = fn
}

// Authorize sets a check run before each upgrade. A non-nil error rejects
// the handshake with 401. Passing nil removes the check.
func (s *Server) Authorize(fn func(*http.Request) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorize = fn
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Broadcast sends a server invocation to every peer and returns how many
// peers it was written to.
func (s *Server) Broadcast(hub, target string, args ...any) (int, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return 0, fmt.Errorf("broadcast %s.%s: %w", hub, target, err)
	}

	data, err := json.Marshal(frame{
		Type:      frameInvocation,
		Hub:       hub,
		Target:    target,
		Arguments: encoded,
	})
	if err != nil {
		return 0, fmt.Errorf("broadcast %s.%s: %w", hub, target, err)
	}

	sent := 0
	for _, p := range s.snapshotPeers() {
		if err := p.write(data); err != nil {
			s.logger.Debug("broadcast write failed", "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// DropAll closes every peer socket without a close handshake.
func (s *Server) DropAll() {
	for _, p := range s.snapshotPeers() {
		p.ws.Close()
	}
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	authorize := s.authorize
	s.mu.RUnlock()

	if authorize != nil {
		if err := authorize(r); err != nil {
			s.logger.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	p := &peer{ws: ws}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("peer connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		ws.Close()
		s.logger.Debug("peer disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("invalid frame", "error", err)
			continue
		}

		if f.Type != frameInvocation || f.InvocationID == "" {
			continue
		}

		if err := p.write(s.answer(f)); err != nil {
			s.logger.Debug("completion write failed", "error", err)
			return
		}
	}
}

// answer runs the handler for f and encodes its completion.
func (s *Server) answer(f frame) []byte {
	s.mu.RLock()
	fn, ok := s.handlers[handlerKey{hub: f.Hub, target: f.Target}]
	if !ok {
		fn, ok = s.handlers[handlerKey{hub: f.Hub, target: AnyTarget}]
	}
	s.mu.RUnlock()

	completion := frame{Type: frameCompletion, InvocationID: f.InvocationID}

	if !ok {
		completion.Error = fmt.Sprintf("method not found: %s.%s", f.Hub, f.Target)
	} else if res, err := fn(f.Arguments); err != nil {
		completion.Error = err.Error()
	} else if res != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			completion.Error = fmt.Sprintf("encode result: %v", err)
		} else {
			completion.Result = raw
		}
	}

	data, _ := json.Marshal(completion)
	return data
}
