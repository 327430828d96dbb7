// Package auth implements the mutual challenge-response handshake
// carried in the WebSocket upgrade exchange.
//
// Both peers hold long-term X25519 keys. A MAC key is derived from the
// X25519 shared secret; each side proves possession of its long-term
// private key by returning a MAC over its own nonce concatenated with
// the peer's nonce. No trusted third party is involved.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// NonceLen is the length of handshake nonces in bytes.
const NonceLen = 32

// hkdfInfo binds derived MAC keys to this protocol version.
const hkdfInfo = "drop/v6 auth"

// ErrAuthFailed is returned for any handshake verification failure.
// Callers map it to the AuthenticationFailed status.
var ErrAuthFailed = errors.New("peer authentication failed")

// Nonce is a single-use handshake challenge.
type Nonce [NonceLen]byte

// NewNonce generates a random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// NonceFrom copies up to NonceLen bytes into a nonce.
func NonceFrom(b []byte) Nonce {
	var n Nonce
	copy(n[:], b)
	return n
}

// Keychain holds this endpoint's private key and the peer's public key
// for one handshake.
type Keychain struct {
	Private    [32]byte
	PeerPublic [32]byte
}

// macKey derives the handshake MAC key from the X25519 shared secret.
// The ephemeral public key salts the derivation so every connection
// yields a fresh key even between the same two peers.
func (k Keychain) macKey(ephemeralPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(k.Private[:], k.PeerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	r := hkdf.New(sha256.New, secret, ephemeralPub, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return key, nil
}

// Ephemeral is a fresh X25519 key pair generated per connection.
type Ephemeral struct {
	Private [32]byte
	Public  [32]byte
}

// NewEphemeral generates a connection-scoped key pair.
func NewEphemeral() (Ephemeral, error) {
	var e Ephemeral
	if _, err := io.ReadFull(rand.Reader, e.Private[:]); err != nil {
		return e, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(e.Private[:], curve25519.Basepoint)
	if err != nil {
		return e, fmt.Errorf("derive ephemeral public: %w", err)
	}
	copy(e.Public[:], pub)
	return e, nil
}

// Tag computes the possession proof: a MAC over own nonce followed by
// the peer's nonce, keyed by the derived MAC key.
func Tag(k Keychain, ephemeralPub []byte, own, peer Nonce) ([]byte, error) {
	key, err := k.macKey(ephemeralPub)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(own[:])
	mac.Write(peer[:])
	return mac.Sum(nil), nil
}

// Verify checks a peer's tag over (peerNonce ‖ ownNonce).
func Verify(k Keychain, ephemeralPub []byte, peer, own Nonce, tag []byte) error {
	want, err := Tag(k, ephemeralPub, peer, own)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, tag) {
		return ErrAuthFailed
	}
	return nil
}

// PublicKey derives the X25519 public key of a private key.
func PublicKey(private [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return out, fmt.Errorf("derive public key: %w", err)
	}
	copy(out[:], pub)
	return out, nil
}
