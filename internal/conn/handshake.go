package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdrop/peerdrop/internal/auth"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// ErrAuthRejected is the non-transient handshake failure; the caller
// maps it to AuthenticationFailed.
var ErrAuthRejected = errors.New("handshake authentication rejected")

// nonceTTL bounds how long an issued server nonce may be redeemed.
const nonceTTL = 30 * time.Second

// nonceStore remembers the challenge issued to each remote IP so the
// Authorization retry can be verified against it.
type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]issuedNonce
}

type issuedNonce struct {
	nonce auth.Nonce
	at    time.Time
}

func newNonceStore() *nonceStore {
	return &nonceStore{nonces: make(map[string]issuedNonce)}
}

func (n *nonceStore) issue(ip string) (auth.Nonce, error) {
	nonce, err := auth.NewNonce()
	if err != nil {
		return nonce, err
	}
	n.mu.Lock()
	n.nonces[ip] = issuedNonce{nonce: nonce, at: time.Now()}
	n.mu.Unlock()
	return nonce, nil
}

// take redeems the nonce issued to ip. Single use.
func (n *nonceStore) take(ip string) (auth.Nonce, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	issued, ok := n.nonces[ip]
	if !ok {
		return auth.Nonce{}, false
	}
	delete(n.nonces, ip)
	if time.Since(issued.at) > nonceTTL {
		return auth.Nonce{}, false
	}
	return issued.nonce, true
}

// keychainFor builds the handshake key material for a peer.
func (m *Manager) keychainFor(peer string) (auth.Keychain, error) {
	pub, ok := m.keys.PeerPublicKey(peer)
	if !ok {
		return auth.Keychain{}, fmt.Errorf("%w: unknown peer %s", ErrAuthRejected, peer)
	}
	return auth.Keychain{Private: m.keys.PrivateKey(), PeerPublic: pub}, nil
}

// dial performs the two-step authenticated upgrade: an unauthenticated
// probe harvests the server's challenge nonce, then the real upgrade
// carries the possession proof and verifies the server's in return.
func (m *Manager) dial(ctx context.Context, peer string) (*websocket.Conn, error) {
	target := url.URL{Scheme: "ws", Host: peerHostPort(peer), Path: protocol.UpgradePath}
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}

	// Probe: expect 401 with the server nonce.
	_, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if err == nil {
		return nil, fmt.Errorf("%w: server skipped challenge", ErrAuthRejected)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}
	challenge, err := auth.ParseChallenge(resp.Header.Get(auth.HeaderWWWAuthenticate))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	keychain, err := m.keychainFor(peer)
	if err != nil {
		return nil, err
	}
	eph, err := auth.NewEphemeral()
	if err != nil {
		return nil, err
	}
	ourNonce, err := auth.NewNonce()
	if err != nil {
		return nil, err
	}
	tag, err := auth.Tag(keychain, eph.Public[:], ourNonce, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(auth.HeaderAuthorization, auth.Credentials{
		Nonce:     ourNonce,
		Ephemeral: eph.Public[:],
		Tag:       tag,
	}.String())

	ws, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: server rejected credentials", ErrAuthRejected)
		}
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}

	// Mutual step: the server proves possession in its response.
	info, err := auth.ParseCredentials(resp.Header.Get(auth.HeaderAuthenticationInfo))
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: missing server proof", ErrAuthRejected)
	}
	if err := auth.Verify(keychain, eph.Public[:], info.Nonce, ourNonce, info.Tag); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: bad server proof", ErrAuthRejected)
	}
	return ws, nil
}

// handleUpgrade is the server half of the handshake.
func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peer := peerIP(r.RemoteAddr)
	log := m.log.With("peer", peer)

	authz := r.Header.Get(auth.HeaderAuthorization)
	if authz == "" {
		nonce, err := m.nonces.issue(peer)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set(auth.HeaderWWWAuthenticate, auth.Challenge{Nonce: nonce}.String())
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	creds, err := auth.ParseCredentials(authz)
	if err != nil {
		log.Warn("malformed credentials", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	serverNonce, ok := m.nonces.take(peer)
	if !ok {
		log.Warn("no outstanding challenge")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	keychain, err := m.keychainFor(peer)
	if err != nil {
		log.Warn("unknown peer key")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := auth.Verify(keychain, creds.Ephemeral, creds.Nonce, serverNonce, creds.Tag); err != nil {
		log.Warn("client proof rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Our own proof rides on the successful upgrade response.
	tag, err := auth.Tag(keychain, creds.Ephemeral, serverNonce, creds.Nonce)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respHeader := http.Header{}
	respHeader.Set(auth.HeaderAuthenticationInfo, auth.Credentials{
		Nonce:     serverNonce,
		Ephemeral: creds.Ephemeral,
		Tag:       tag,
	}.String())

	upgrader := websocket.Upgrader{
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn("upgrade failed", "error", err)
		return
	}
	m.adoptConn(peer, ws)
}

// DefaultPort is the well-known listen port peers dial when a bare IP
// is given.
const DefaultPort = "49111"

// peerHostPort appends the default port when the peer is a bare IP.
func peerHostPort(peer string) string {
	if _, _, err := net.SplitHostPort(peer); err == nil {
		return peer
	}
	return net.JoinHostPort(peer, DefaultPort)
}
