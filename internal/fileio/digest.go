package fileio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// HashPrefix streams the first limit bytes of the file at path through
// SHA-256 and returns the hex digest. The progress callback, when
// non-nil, is invoked with cumulative hashed bytes at most once per
// granularity bytes and once at the end.
func HashPrefix(path string, limit uint64, granularity uint64, progress func(uint64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	var done, lastNotified uint64
	buf := make([]byte, 64*1024)

	for done < limit {
		want := uint64(len(buf))
		if limit-done < want {
			want = limit - done
		}
		n, err := f.Read(buf[:want])
		if n > 0 {
			h.Write(buf[:n])
			done += uint64(n)
			if progress != nil && granularity > 0 && done-lastNotified >= granularity {
				progress(done)
				lastNotified = done
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read for hashing: %w", err)
		}
	}
	if done < limit {
		return "", fmt.Errorf("short file: hashed %d of %d bytes", done, limit)
	}
	if progress != nil && done != lastNotified {
		progress(done)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile hashes the whole file at path.
func HashFile(path string, granularity uint64, progress func(uint64)) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat for hashing: %w", err)
	}
	return HashPrefix(path, uint64(info.Size()), granularity, progress)
}

// RollingDigest accumulates SHA-256 over the bytes a receiver will
// hold: the resume prefix folded in first, then every streamed chunk.
// Comparing it against a fresh read of the source at the end of the
// stream detects content divergence without hashing the prefix twice.
type RollingDigest struct {
	h     hash.Hash
	bytes uint64
}

// NewRollingDigest creates an empty rolling digest.
func NewRollingDigest() *RollingDigest {
	return &RollingDigest{h: sha256.New()}
}

// Write folds more bytes into the digest.
func (r *RollingDigest) Write(p []byte) (int, error) {
	r.bytes += uint64(len(p))
	return r.h.Write(p)
}

// Bytes returns how many bytes have been folded in.
func (r *RollingDigest) Bytes() uint64 {
	return r.bytes
}

// Hex returns the hex digest of everything written so far. The digest
// state is not consumed.
func (r *RollingDigest) Hex() string {
	return hex.EncodeToString(r.h.Sum(nil))
}
