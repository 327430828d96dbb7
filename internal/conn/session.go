package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// outboundMailboxSize bounds frames queued towards one peer. Senders
// block (a suspension point) when the peer is slower than the
// producers.
const outboundMailboxSize = 64

// initialBackoff is the first delay within a reconnect burst; it
// doubles on each subsequent attempt of the burst.
const initialBackoff = time.Second

type frame struct {
	text bool
	data []byte
}

// Session is the one bidirectional channel per remote peer. A dialing
// session owns the reconnect loop; an accepted session waits for the
// peer to re-establish.
type Session struct {
	m      *Manager
	peer   string
	dialer bool

	outbox  chan frame
	refreshC chan struct{}
	closedC  chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	ws       *websocket.Conn
	adopted  chan *websocket.Conn
	inFlight map[uuid.UUID]struct{}
}

func newSession(m *Manager, peer string, dialer bool) *Session {
	return &Session{
		m:        m,
		peer:     peer,
		dialer:   dialer,
		outbox:   make(chan frame, outboundMailboxSize),
		refreshC: make(chan struct{}, 1),
		closedC:  make(chan struct{}),
		adopted:  make(chan *websocket.Conn, 1),
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// sendControl enqueues a JSON control message in FIFO order.
func (s *Session) sendControl(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.enqueue(frame{text: true, data: data})
}

// sendChunk enqueues a binary data frame.
func (s *Session) sendChunk(c protocol.Chunk) error {
	data, err := protocol.EncodeChunk(c)
	if err != nil {
		return err
	}
	return s.enqueue(frame{data: data})
}

func (s *Session) enqueue(f frame) error {
	select {
	case s.outbox <- f:
		return nil
	case <-s.closedC:
		return ErrClosed
	}
}

func (s *Session) markInFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inFlight[id]; dup {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Session) clearInFlight(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *Session) refresh() {
	select {
	case s.refreshC <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closedC) })
	s.mu.Lock()
	if s.ws != nil {
		s.ws.Close()
	}
	s.mu.Unlock()
}

// adopt installs a server-accepted socket, replacing any current one.
func (s *Session) adopt(ws *websocket.Conn) {
	s.mu.Lock()
	if old := s.ws; old != nil {
		old.Close()
	}
	s.mu.Unlock()
	select {
	case <-s.adopted:
	default:
	}
	s.adopted <- ws
}

// run is the session task: connect (or wait for adoption), pump frames
// until failure, notify the handler, repeat with burst backoff.
func (s *Session) run(ctx context.Context) {
	log := s.m.log.With("peer", s.peer)
	for {
		ws, err := s.obtainConn(ctx, log)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.ws = ws
		s.mu.Unlock()

		s.m.handler.PeerConnected(s.peer)
		err = s.pump(ctx, ws)
		s.m.handler.PeerDisconnected(s.peer)

		s.mu.Lock()
		s.ws = nil
		// The single-flight set is per connection: after a reconnect
		// the transfer engine may legitimately re-announce, and the
		// receiver dedups by manifest.
		s.inFlight = make(map[uuid.UUID]struct{})
		s.mu.Unlock()
		ws.Close()

		select {
		case <-ctx.Done():
			return
		case <-s.closedC:
			return
		default:
		}
		log.Info("connection lost", "error", err)
	}
}

// obtainConn returns a live socket: dialing sessions run the burst
// retry schedule, accepted sessions block until the peer reconnects.
func (s *Session) obtainConn(ctx context.Context, log *slog.Logger) (*websocket.Conn, error) {
	for {
		// A socket handed over by the listener always wins.
		select {
		case ws := <-s.adopted:
			return ws, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closedC:
			return nil, ErrClosed
		default:
		}

		if !s.dialer {
			select {
			case ws := <-s.adopted:
				return ws, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.closedC:
				return nil, ErrClosed
			}
		}

		// One burst: Retries attempts with doubling backoff.
		backoff := initialBackoff
		for attempt := 0; attempt < s.m.cfg.Retries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff):
				case ws := <-s.adopted:
					return ws, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-s.closedC:
					return nil, ErrClosed
				}
				backoff *= 2
			}
			ws, err := s.m.dial(ctx, s.peer)
			if err == nil {
				return ws, nil
			}
			log.Warn("dial failed", "attempt", attempt+1, "error", err)
			if errors.Is(err, ErrAuthRejected) {
				// Authentication failures are not transient.
				return nil, err
			}
		}

		// Between bursts: sleep until the retry interval elapses or
		// the host signals a network change.
		select {
		case <-time.After(s.m.cfg.AutoRetryInterval):
		case <-s.refreshC:
		case ws := <-s.adopted:
			return ws, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closedC:
			return nil, ErrClosed
		}
	}
}

// pump runs the reader and writer halves until either fails.
func (s *Session) pump(ctx context.Context, ws *websocket.Conn) error {
	errC := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	// Writer half: drains the mailbox in FIFO order and emits pings.
	go func() {
		ticker := time.NewTicker(s.m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case f := <-s.outbox:
				kind := websocket.BinaryMessage
				if f.text {
					kind = websocket.TextMessage
				}
				if err := ws.WriteMessage(kind, f.data); err != nil {
					errC <- fmt.Errorf("write frame: %w", err)
					return
				}
			case <-ticker.C:
				ping, err := protocol.Encode(protocol.Ping{Ts: time.Now().UnixMilli()})
				if err != nil {
					errC <- err
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
					errC <- fmt.Errorf("write ping: %w", err)
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				errC <- ctx.Err()
				return
			case <-s.closedC:
				errC <- ErrClosed
				return
			}
		}
	}()

	// Reader half: every inbound frame refreshes the liveness
	// deadline; pong must arrive within it.
	go func() {
		for {
			ws.SetReadDeadline(time.Now().Add(2 * s.m.cfg.PingInterval))
			kind, data, err := ws.ReadMessage()
			if err != nil {
				errC <- fmt.Errorf("read frame: %w", err)
				return
			}
			switch kind {
			case websocket.TextMessage:
				msg, err := protocol.Decode(data)
				if err != nil {
					s.m.log.Warn("undecodable control frame", "peer", s.peer, "error", err)
					continue
				}
				if ping, ok := msg.(protocol.Ping); ok {
					if err := s.sendControl(protocol.Pong{Ts: ping.Ts}); err != nil {
						errC <- err
						return
					}
					continue
				}
				if _, ok := msg.(protocol.Pong); ok {
					continue
				}
				s.m.handler.HandleControl(s.peer, msg)
			case websocket.BinaryMessage:
				chunk, err := protocol.DecodeChunk(data)
				if err != nil {
					s.m.log.Warn("corrupt data frame", "peer", s.peer, "error", err)
					continue
				}
				s.m.handler.HandleChunk(s.peer, chunk)
			}
		}
	}()

	return <-errC
}
