package fileio

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileID(t *testing.T) {
	path := "/tmp/testfile-small"
	sum := sha256.Sum256([]byte(path))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	if got := FileID(path); got != want {
		t.Fatalf("FileID = %q, want %q", got, want)
	}
	if strings.ContainsAny(FileID(path), "+/=") {
		t.Fatal("file id must be url-safe and unpadded")
	}
}

func TestValidateRelPath(t *testing.T) {
	long := strings.Repeat("a", 251)
	ok := strings.Repeat("a", 250)

	tests := []struct {
		rel     string
		wantErr error
	}{
		{"a.txt", nil},
		{"dir/sub/a.txt", nil},
		{ok + "/b.txt", nil},
		{"", ErrBadPath},
		{"/abs/a.txt", ErrBadPath},
		{"dir/../a.txt", ErrBadPath},
		{"../a.txt", ErrBadPath},
		{"dir//a.txt", ErrBadPath},
		{"./a.txt", ErrBadPath},
		{long + "/b.txt", ErrFilenameTooLong},
		{"dir/" + long, ErrFilenameTooLong},
	}

	for _, tt := range tests {
		err := ValidateRelPath(tt.rel)
		if tt.wantErr == nil && err != nil {
			t.Errorf("ValidateRelPath(%q) = %v, want nil", tt.rel, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("ValidateRelPath(%q) = %v, want %v", tt.rel, err, tt.wantErr)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain.txt", "plain.txt"},
		{`a<b>c:d"e.txt`, "a_b_c_d_e.txt"},
		{"tab\there", "tab_here"},
		{"sl/ash", "sl_ash"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := ResolveConflict(dir, "testfile-small")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(first) != "testfile-small" {
		t.Fatalf("first = %q", first)
	}
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := ResolveConflict(dir, "testfile-small")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(second) != "testfile-small (1)" {
		t.Fatalf("second = %q, want \"testfile-small (1)\"", filepath.Base(second))
	}
	if err := os.WriteFile(second, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	third, err := ResolveConflict(dir, "testfile-small")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(third) != "testfile-small (2)" {
		t.Fatalf("third = %q", filepath.Base(third))
	}
}

func TestResolveConflictKeepsExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveConflict(dir, "report.pdf")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Base(got) != "report (1).pdf" {
		t.Fatalf("got %q, want \"report (1).pdf\"", filepath.Base(got))
	}
}

func TestSourceReadsDeclaredBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src")
	content := bytes.Repeat([]byte{0x5A}, 1000)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenPath(path, 1000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := src.ReadChunk(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		out = append(out, buf[:n]...)
	}
	if !bytes.Equal(out, content) {
		t.Fatalf("read %d bytes, want %d", len(out), len(content))
	}
}

func TestSourceDetectsShrink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src")
	if err := os.WriteFile(path, bytes.Repeat([]byte{1}, 512), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenPath(path, 512)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	buf := make([]byte, 256)
	if _, err := src.ReadChunk(buf); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	// Shrink the source between chunk boundaries.
	if err := os.Truncate(path, 300); err != nil {
		t.Fatal(err)
	}
	if _, err := src.ReadChunk(buf); !errors.Is(err, ErrSizeChanged) {
		t.Fatalf("err = %v, want ErrSizeChanged", err)
	}
}

func TestSourceSeekResumes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src")
	content := []byte("0123456789")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenPath(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if err := src.Seek(4); err != nil {
		t.Fatalf("seek: %v", err)
	}

	buf := make([]byte, 16)
	n, err := src.ReadChunk(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "456789" {
		t.Fatalf("got %q, want %q", buf[:n], "456789")
	}
}

func TestWriterOrderAndFinalize(t *testing.T) {
	dir := t.TempDir()
	part := PartPath(dir, "fid123")

	w, err := CreateWriter(part, 0)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := w.WriteChunk(0, []byte("hello ")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := w.WriteChunk(6, []byte("world")); err != nil {
		t.Fatalf("chunk 6: %v", err)
	}
	if err := w.WriteChunk(2, []byte("oops")); !errors.Is(err, ErrOffsetGap) {
		t.Fatalf("out of order write: err = %v, want ErrOffsetGap", err)
	}
	if w.Written() != 11 {
		t.Fatalf("written = %d, want 11", w.Written())
	}

	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	final, err := MoveIntoPlace(part, dir, "greeting.txt")
	if err != nil {
		t.Fatalf("move into place: %v", err)
	}
	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("final content = %q", data)
	}
	if _, err := os.Stat(part); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("partial should be gone after the move")
	}
}

func TestMoveIntoPlaceResolvesConflicts(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "name.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	part := filepath.Join(dir, "x"+PartSuffix)
	if err := os.WriteFile(part, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	final, err := MoveIntoPlace(part, dir, "name.txt")
	if err != nil {
		t.Fatalf("move into place: %v", err)
	}
	if filepath.Base(final) != "name (1).txt" {
		t.Fatalf("final = %q, want \"name (1).txt\"", filepath.Base(final))
	}
}

func TestWriterResumeTruncatesTail(t *testing.T) {
	dir := t.TempDir()
	part := PartPath(dir, "fid")
	if err := os.WriteFile(part, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := CreateWriter(part, 4)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := w.WriteChunk(4, []byte("XY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(part)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0123XY" {
		t.Fatalf("partial = %q, want %q", data, "0123XY")
	}
}

func TestWriterDiscard(t *testing.T) {
	dir := t.TempDir()
	part := PartPath(dir, "fid")
	w, err := CreateWriter(part, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteChunk(0, []byte("junk")); err != nil {
		t.Fatal(err)
	}
	if err := w.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := os.Stat(part); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("partial should be removed")
	}
}

func TestHashPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	content := bytes.Repeat([]byte{0xC3}, 200*1024)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(content[:100*1024])
	want := hex.EncodeToString(sum[:])

	var notifications []uint64
	got, err := HashPrefix(path, 100*1024, 64*1024, func(n uint64) {
		notifications = append(notifications, n)
	})
	if err != nil {
		t.Fatalf("hash prefix: %v", err)
	}
	if got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
	if len(notifications) == 0 {
		t.Fatal("expected progress notifications")
	}
	if last := notifications[len(notifications)-1]; last != 100*1024 {
		t.Fatalf("last notification = %d, want %d", last, 100*1024)
	}
	for i := 1; i < len(notifications); i++ {
		if notifications[i] <= notifications[i-1] {
			t.Fatal("notifications must be strictly increasing")
		}
	}
}

func TestHashPrefixShortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := HashPrefix(path, 100, 0, nil); err == nil {
		t.Fatal("expected error hashing beyond file end")
	}
}

func TestSourceFoldPrefixMatchesHashPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	content := bytes.Repeat([]byte{0x1F}, 96*1024)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	want, err := HashPrefix(path, 64*1024, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	src, err := OpenPath(path, uint64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	rd := NewRollingDigest()
	if err := src.FoldPrefix(rd, 64*1024); err != nil {
		t.Fatalf("fold prefix: %v", err)
	}
	if rd.Hex() != want {
		t.Fatalf("folded = %s, want %s", rd.Hex(), want)
	}
	if rd.Bytes() != 64*1024 {
		t.Fatalf("bytes = %d, want %d", rd.Bytes(), 64*1024)
	}

	// The fold leaves the read position at the prefix end, so the
	// stream continues with the tail; prefix+tail must equal the
	// whole-file digest.
	buf := make([]byte, len(content))
	for {
		n, err := src.ReadChunk(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		rd.Write(buf[:n])
	}
	whole, err := src.HashAll()
	if err != nil {
		t.Fatalf("hash all: %v", err)
	}
	if rd.Hex() != whole {
		t.Fatal("prefix+tail digest differs from whole-file digest")
	}
}

func TestSourceFoldPrefixShortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("tiny"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := OpenPath(path, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	rd := NewRollingDigest()
	if err := src.FoldPrefix(rd, 100); !errors.Is(err, ErrSizeChanged) {
		t.Fatalf("err = %v, want ErrSizeChanged folding beyond file end", err)
	}
}

func TestRollingDigestMatchesHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	content := []byte("rolling digest content")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRollingDigest()
	r.Write(content[:7])
	r.Write(content[7:])

	want, err := HashFile(path, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Hex() != want {
		t.Fatalf("rolling = %s, file = %s", r.Hex(), want)
	}
	if r.Bytes() != uint64(len(content)) {
		t.Fatalf("bytes = %d, want %d", r.Bytes(), len(content))
	}
}
