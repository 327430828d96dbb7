package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/fileio"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// transferState is the live controller of one transfer. The arena in
// Service keys these by UUID; inbound messages resolve the transfer by
// id on each dispatch, while workers hold direct references to the
// transfer and path they serve.
type transferState struct {
	id   uuid.UUID
	peer string
	dir  storage.Direction

	// mu serialises state-log appends for this transfer.
	mu    sync.Mutex
	paths map[string]*pathState

	terminal bool

	// activeMarked records that the Active transfer state has been
	// persisted, done once when bytes first move.
	activeMarked bool

	// peerSynced records that the peer has demonstrably observed this
	// transfer; until then the announcement is replayed on reconnect.
	peerSynced bool

	ctx    context.Context
	cancel context.CancelFunc
}

// pathState is the live state of one file within a transfer. Its mutex
// serialises all byte-level actions on the path.
type pathState struct {
	mu sync.Mutex

	fileID  string
	relPath string
	size    uint64

	// Outgoing source: a disk path or an opaque content URI.
	uri          string
	isContentURI bool

	// Incoming destination base directory, set by download_file.
	baseDir string

	kind  storage.PathStateKind
	bytes uint64

	// storedFloor is the highest byte count ever persisted for this
	// path. The stored log is monotone even when a digest mismatch
	// restarts the stream from zero.
	storedFloor uint64

	// pendingEmitted makes download_file idempotent.
	pendingEmitted bool

	// writer is the open partial download, receiver side only.
	writer *fileio.Writer

	// senderDigest is the full-content digest reported by the peer,
	// consumed by final verification.
	senderDigest string

	// verifyLimit/verifyDigest remember the resume verification we
	// sent, matched against the sender's checksum report.
	verifyLimit  uint64
	verifyDigest string

	// restartExpected is set when the sender reported a mismatching
	// prefix digest, so the next offset-zero chunk restarts the
	// download instead of being dropped as a duplicate.
	restartExpected bool

	// lastProgressEvent throttles host progress notifications.
	lastProgressEvent uint64

	// uploadCancel stops the sender worker for this path.
	uploadCancel context.CancelFunc

	// uploading guards against duplicate sender workers.
	uploading bool
}

func newTransferState(id uuid.UUID, peer string, dir storage.Direction) *transferState {
	ctx, cancel := context.WithCancel(context.Background())
	return &transferState{
		id:     id,
		peer:   peer,
		dir:    dir,
		paths:  make(map[string]*pathState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// path resolves a file id, or nil.
func (t *transferState) path(fileID string) *pathState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paths[fileID]
}

// manifest rebuilds the announcement for this transfer.
func (t *transferState) manifest() protocol.TransferRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := protocol.TransferRequest{ID: t.id}
	for _, p := range t.paths {
		req.Files = append(req.Files, protocol.File{FileID: p.fileID, Path: p.relPath, Size: p.size})
	}
	return req
}

// allTerminal reports whether every path has reached an absorbing
// state.
func (t *transferState) allTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.paths {
		p.mu.Lock()
		terminal := p.kind.Terminal()
		p.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

// activePaths returns the paths currently moving bytes.
func (t *transferState) activePaths() []*pathState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pathState
	for _, p := range t.paths {
		p.mu.Lock()
		if p.kind == storage.PathStarted {
			out = append(out, p)
		}
		p.mu.Unlock()
	}
	return out
}

// logBytes returns the byte count to persist for this path, clamped to
// the monotone floor, and raises the floor. Callers hold p.mu.
func (p *pathState) logBytes(b uint64) uint64 {
	if b < p.storedFloor {
		return p.storedFloor
	}
	p.storedFloor = b
	return b
}

// terminalErr maps a path's absorbing state to the error a duplicate
// download attempt gets.
func terminalErr(kind storage.PathStateKind) *drop.Error {
	switch kind {
	case storage.PathRejected:
		return drop.NewError(drop.StatusFileRejected)
	case storage.PathFailed:
		return drop.NewError(drop.StatusFileFailed)
	case storage.PathCompleted:
		return drop.NewError(drop.StatusFileFinished)
	default:
		return nil
	}
}
