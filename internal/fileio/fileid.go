// Package fileio provides the chunked readers, resumable writers and
// digest helpers used by file transfer workers.
package fileio

import (
	"crypto/sha256"
	"encoding/base64"
)

// FileID computes the identifier of a file from the sender's absolute
// path: url-safe unpadded base64 of the SHA-256 of the path's UTF-8
// bytes. Receivers treat the result as opaque and never recompute it.
func FileID(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
