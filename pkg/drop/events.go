package drop

import (
	"time"

	"github.com/google/uuid"
)

// Event is the interface implemented by every notification handed to
// the host. Events for one file arrive in causal order, and the
// terminal transfer event is always the last event for its id.
type Event interface {
	TransferID() uuid.UUID
	Timestamp() time.Time
}

// EventBase carries the fields shared by all events.
type EventBase struct {
	Transfer uuid.UUID
	At       time.Time
}

func (e EventBase) TransferID() uuid.UUID { return e.Transfer }
func (e EventBase) Timestamp() time.Time  { return e.At }

// FileInfo describes one file within a transfer request event.
type FileInfo struct {
	ID   string
	Path string
	Size uint64
}

// RequestReceived is emitted on the receiving side when a peer
// announces a new transfer.
type RequestReceived struct {
	EventBase
	Peer  string
	Files []FileInfo
}

// RequestQueued is emitted on the sending side when a new outgoing
// transfer has been persisted and enqueued for the peer.
type RequestQueued struct {
	EventBase
	Peer  string
	Files []FileInfo
}

// FilePending is emitted once when the receiver requests a download.
type FilePending struct {
	EventBase
	FileID  string
	BaseDir string
}

// FileStarted is emitted when bytes begin to flow for a file, with the
// resume offset.
type FileStarted struct {
	EventBase
	FileID string
	Offset uint64
}

// FileProgress reports cumulative transferred bytes. Throttled to at
// most one event per 64 KiB of new bytes.
type FileProgress struct {
	EventBase
	FileID      string
	Transferred uint64
}

// FileUploaded is emitted on the sender once the peer confirms the
// file.
type FileUploaded struct {
	EventBase
	FileID string
}

// FileDownloaded is emitted on the receiver after final verification,
// with the conflict-resolved destination path.
type FileDownloaded struct {
	EventBase
	FileID    string
	FinalPath string
}

// FileRejected is emitted at most once per file on either side.
type FileRejected struct {
	EventBase
	FileID string
	ByPeer bool
	Bytes  uint64
}

// FileFailed carries the stable status describing the failure.
type FileFailed struct {
	EventBase
	FileID string
	Status Status
	Bytes  uint64
}

// FileThrottled is emitted when a file worker waits on the upload
// semaphore.
type FileThrottled struct {
	EventBase
	FileID string
	Offset uint64
}

// TransferPaused is emitted once per in-flight file when the
// connection enters reconnect backoff.
type TransferPaused struct {
	EventBase
	FileID string
	Bytes  uint64
}

// VerifyChecksumStarted begins the resume digest verification of a
// partial download.
type VerifyChecksumStarted struct {
	EventBase
	FileID string
}

// VerifyChecksumProgress reports bytes hashed during resume
// verification.
type VerifyChecksumProgress struct {
	EventBase
	FileID string
	Bytes  uint64
}

// VerifyChecksumFinished ends the resume digest verification.
type VerifyChecksumFinished struct {
	EventBase
	FileID string
}

// FinalizeChecksumStarted begins the whole-file verification of a
// completed download. Only emitted for files at least the configured
// size threshold.
type FinalizeChecksumStarted struct {
	EventBase
	FileID string
}

// FinalizeChecksumProgress reports bytes hashed during final
// verification.
type FinalizeChecksumProgress struct {
	EventBase
	FileID string
	Bytes  uint64
}

// FinalizeChecksumFinished ends the whole-file verification.
type FinalizeChecksumFinished struct {
	EventBase
	FileID string
}

// TransferFinalized is the last event of a successfully closed
// transfer.
type TransferFinalized struct {
	EventBase
	ByPeer bool
}

// TransferFailed is the last event of a failed transfer.
type TransferFailed struct {
	EventBase
	Status Status
}

// RuntimeError reports a non-fatal engine-level condition, such as
// the storage backend being lost.
type RuntimeError struct {
	EventBase
	Status Status
}
