package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Scheme is the HTTP authentication scheme used by the handshake.
const Scheme = "drop"

// Header names used across the upgrade exchange.
const (
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderAuthorization      = "Authorization"
	HeaderAuthenticationInfo = "Authentication-Info"
)

var b64 = base64.StdEncoding.WithPadding(base64.NoPadding)

// Challenge is the server's 401 challenge: a bare nonce.
type Challenge struct {
	Nonce Nonce
}

// Credentials carries one side's handshake proof: its nonce, the
// connection's ephemeral public key, and the possession tag.
type Credentials struct {
	Nonce     Nonce
	Ephemeral []byte
	Tag       []byte
}

// String formats the challenge header value.
func (c Challenge) String() string {
	return fmt.Sprintf("%s nonce=%q", Scheme, b64.EncodeToString(c.Nonce[:]))
}

// ParseChallenge parses a WWW-Authenticate value.
func ParseChallenge(value string) (Challenge, error) {
	var c Challenge
	params, err := parseParams(value)
	if err != nil {
		return c, err
	}
	nonce, ok := params["nonce"]
	if !ok {
		return c, fmt.Errorf("%w: missing nonce", ErrAuthFailed)
	}
	raw, err := b64.DecodeString(nonce)
	if err != nil {
		return c, fmt.Errorf("%w: bad nonce encoding", ErrAuthFailed)
	}
	c.Nonce = NonceFrom(raw)
	return c, nil
}

// String formats the credentials header value.
func (c Credentials) String() string {
	return fmt.Sprintf("%s nonce=%q, epub=%q, tag=%q",
		Scheme,
		b64.EncodeToString(c.Nonce[:]),
		b64.EncodeToString(c.Ephemeral),
		b64.EncodeToString(c.Tag),
	)
}

// ParseCredentials parses an Authorization or Authentication-Info
// value.
func ParseCredentials(value string) (Credentials, error) {
	var c Credentials
	params, err := parseParams(value)
	if err != nil {
		return c, err
	}
	for _, key := range []string{"nonce", "epub", "tag"} {
		if _, ok := params[key]; !ok {
			return c, fmt.Errorf("%w: missing %s", ErrAuthFailed, key)
		}
	}
	raw, err := b64.DecodeString(params["nonce"])
	if err != nil {
		return c, fmt.Errorf("%w: bad nonce encoding", ErrAuthFailed)
	}
	c.Nonce = NonceFrom(raw)
	if c.Ephemeral, err = b64.DecodeString(params["epub"]); err != nil {
		return c, fmt.Errorf("%w: bad epub encoding", ErrAuthFailed)
	}
	if c.Tag, err = b64.DecodeString(params["tag"]); err != nil {
		return c, fmt.Errorf("%w: bad tag encoding", ErrAuthFailed)
	}
	return c, nil
}

// parseParams splits `drop key="value", key=value` into a map. The
// grammar is whitespace tolerant and accepts bare or quoted values.
func parseParams(value string) (map[string]string, error) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || scheme != Scheme {
		return nil, fmt.Errorf("%w: unexpected auth scheme", ErrAuthFailed)
	}

	params := make(map[string]string)
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed auth parameter", ErrAuthFailed)
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"`)
		params[key] = val
	}
	return params, nil
}
