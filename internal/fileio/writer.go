package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PartSuffix marks in-progress downloads on disk.
const PartSuffix = ".dropdl-part"

var ErrOffsetGap = errors.New("chunk offset does not follow previous bytes")

// Writer appends received chunks to a partial download file. Chunks
// must arrive in offset order; any gap is rejected.
type Writer struct {
	f       *os.File
	path    string
	written uint64
}

// PartPath returns the temporary file path for an incoming file id
// under its destination base directory.
func PartPath(baseDir, fileID string) string {
	return filepath.Join(baseDir, fileID+PartSuffix)
}

// CreateWriter opens (or creates) the partial file and positions it at
// the given resume offset. The partial is truncated to the offset so
// a partially written trailing chunk never survives a restart.
func CreateWriter(path string, offset uint64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	if err := f.Truncate(int64(offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial to %d: %w", offset, err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek partial to %d: %w", offset, err)
	}
	return &Writer{f: f, path: path, written: offset}, nil
}

// WriteChunk appends a chunk at the given absolute offset.
func (w *Writer) WriteChunk(offset uint64, data []byte) error {
	if offset != w.written {
		return fmt.Errorf("%w: have %d, chunk at %d", ErrOffsetGap, w.written, offset)
	}
	if _, err := w.f.Write(data); err != nil {
		return fmt.Errorf("write chunk at %d: %w", offset, err)
	}
	w.written += uint64(len(data))
	return nil
}

// Written returns the cumulative byte count.
func (w *Writer) Written() uint64 {
	return w.written
}

// Sync flushes the partial file to stable storage.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

// Close releases the file handle, keeping the partial on disk.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Discard closes and removes the partial file.
func (w *Writer) Discard() error {
	w.f.Close()
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MoveIntoPlace moves a closed, verified partial to a conflict-free
// final location derived from wantName inside dir.
func MoveIntoPlace(part, dir, wantName string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create final directory: %w", err)
	}
	final, err := ResolveConflict(dir, wantName)
	if err != nil {
		return "", err
	}
	if err := os.Rename(part, final); err != nil {
		return "", fmt.Errorf("move into place: %w", err)
	}
	return final, nil
}

// PartSize reports the current size of a partial download, or zero if
// none exists.
func PartSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}
