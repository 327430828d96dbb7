// Package conn owns the authenticated WebSocket channel to each peer:
// dialing, the upgrade handshake, frame pumps, keepalive, reconnect
// bursts and per-peer admission limiting.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// KeyStore supplies long-term X25519 key material. It mirrors the
// host-facing callback so the engine can pass it straight through.
type KeyStore interface {
	PrivateKey() [32]byte
	PeerPublicKey(peerIP string) ([32]byte, bool)
}

// Handler receives inbound traffic and connectivity transitions.
// Dispatch order follows arrival order within one connection.
type Handler interface {
	HandleControl(peer string, msg any)
	HandleChunk(peer string, chunk protocol.Chunk)
	PeerConnected(peer string)
	PeerDisconnected(peer string)
}

// Config tunes connection behaviour.
type Config struct {
	// Retries is the number of attempts within one reconnect burst.
	Retries int

	// AutoRetryInterval separates reconnect bursts unless a network
	// refresh arrives first.
	AutoRetryInterval time.Duration

	// PingInterval drives keepalive: a ping goes out every interval.
	// The read deadline is twice it and every inbound frame, pong or
	// otherwise, refreshes it; there is no separate pong deadline.
	PingInterval time.Duration

	// HandshakeTimeout bounds the upgrade exchange including auth.
	HandshakeTimeout time.Duration

	// RequestsPerSec is the per-peer transfer-request admission rate.
	RequestsPerSec int
}

var ErrClosed = errors.New("connection manager closed")

// Manager holds one session per remote peer and the listening side of
// the wire.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	keys    KeyStore
	handler Handler

	mu       sync.Mutex
	sessions map[string]*Session
	limiters map[string]*rate.Limiter
	nonces   *nonceStore
	closed   bool

	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager; Listen must be called before any
// traffic flows.
func NewManager(cfg Config, keys KeyStore, handler Handler, log *slog.Logger) *Manager {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:      log,
		cfg:      cfg,
		keys:     keys,
		handler:  handler,
		sessions: make(map[string]*Session),
		limiters: make(map[string]*rate.Limiter),
		nonces:   newNonceStore(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds the WebSocket endpoint. An unavailable address is
// reported distinctly so the engine can map it to AddrInUse.
func (m *Manager) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.UpgradePath, m.handleUpgrade)
	m.server = &http.Server{Handler: mux}
	m.listener = ln

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("listener stopped", "error", err)
		}
	}()
	m.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Close tears down the listener and every session, waiting for pumps
// to drain.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.close()
	}
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
	m.wg.Wait()
	return nil
}

// SessionFor returns the session to a peer, creating a dialing session
// on first use. Sessions are keyed by the peer's canonical IP.
func (m *Manager) SessionFor(peer string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[peer]; ok {
		return s, nil
	}
	s := newSession(m, peer, true)
	m.sessions[peer] = s
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(m.ctx)
	}()
	return s, nil
}

// NetworkRefresh wakes every session sleeping between reconnect
// bursts.
func (m *Manager) NetworkRefresh() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.refresh()
	}
}

// Admit applies the per-peer leaky bucket to an inbound transfer
// request. A breach must be answered with TooManyRequests and no local
// state change.
func (m *Manager) Admit(peer string) bool {
	m.mu.Lock()
	lim, ok := m.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.cfg.RequestsPerSec), m.cfg.RequestsPerSec)
		m.limiters[peer] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}

// Send enqueues a control message to the peer in FIFO order.
func (m *Manager) Send(peer string, msg any) error {
	s, err := m.SessionFor(peer)
	if err != nil {
		return err
	}
	return s.sendControl(msg)
}

// SendChunk enqueues a binary data frame to the peer.
func (m *Manager) SendChunk(peer string, chunk protocol.Chunk) error {
	s, err := m.SessionFor(peer)
	if err != nil {
		return err
	}
	return s.sendChunk(chunk)
}

// MarkInFlight records an outbound transfer request id; a duplicate
// returns false and the request must be dropped.
func (m *Manager) MarkInFlight(peer string, id uuid.UUID) bool {
	s, err := m.SessionFor(peer)
	if err != nil {
		return false
	}
	return s.markInFlight(id)
}

// ClearInFlight removes a transfer id from the single-flight set once
// it reaches a terminal state.
func (m *Manager) ClearInFlight(peer string, id uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	m.mu.Unlock()
	if ok {
		s.clearInFlight(id)
	}
}

// adoptConn installs a server-accepted socket into the peer's session,
// replacing any broken one. Last write wins, matching the dialer side.
func (m *Manager) adoptConn(peer string, ws *websocket.Conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	s, ok := m.sessions[peer]
	if !ok {
		s = newSession(m, peer, false)
		m.sessions[peer] = s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.run(m.ctx)
		}()
	}
	m.mu.Unlock()
	s.adopt(ws)
}

// peerIP extracts the canonical remote IP of a request.
func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// IsAddrInUse reports whether the listen error means the port is
// taken.
func IsAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
