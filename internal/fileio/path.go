package fileio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxComponentLen is the per-component limit in UTF-8 bytes.
const maxComponentLen = 250

var (
	ErrBadPath         = errors.New("invalid path")
	ErrFilenameTooLong = errors.New("filename too long")
)

// forbiddenChars is the union of characters rejected by common
// filesystems. They are replaced before name-conflict resolution.
const forbiddenChars = `<>:"/\|?*`

// ValidateRelPath checks a transfer-relative path: no empty or ".."
// components, and every component within the length limit. Separator
// is always "/" on the wire.
func ValidateRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("%w: empty path", ErrBadPath)
	}
	if strings.HasPrefix(rel, "/") {
		return fmt.Errorf("%w: absolute path %q", ErrBadPath, rel)
	}
	for _, comp := range strings.Split(rel, "/") {
		switch comp {
		case "", ".", "..":
			return fmt.Errorf("%w: component %q in %q", ErrBadPath, comp, rel)
		}
		if len(comp) > maxComponentLen {
			return fmt.Errorf("%w: component of %d bytes", ErrFilenameTooLong, len(comp))
		}
	}
	return nil
}

// SanitizeName replaces forbidden filename characters and control
// bytes with an underscore.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(forbiddenChars, r) {
			return '_'
		}
		return r
	}, name)
}

// ResolveConflict returns a destination path that does not exist yet,
// appending " (n)" before the extension with the smallest positive n
// when the candidate is taken. The candidate's filename is sanitized
// first.
func ResolveConflict(dir, name string) (string, error) {
	name = SanitizeName(filepath.Base(name))

	candidate := filepath.Join(dir, name)
	if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
}

// DirDepth returns the number of directory components of a relative
// path, used to enforce the configured depth limit.
func DirDepth(rel string) int {
	return strings.Count(rel, "/")
}
