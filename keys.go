package peerdrop

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/peerdrop/peerdrop/internal/auth"
)

// GenerateKeyPair creates a fresh long-term X25519 key pair for this
// endpoint. The private key belongs in the host's key store; the
// public key is what peers need to authenticate us.
func GenerateKeyPair() (private, public [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, private[:]); err != nil {
		return private, public, fmt.Errorf("generate private key: %w", err)
	}
	public, err = auth.PublicKey(private)
	return private, public, err
}
