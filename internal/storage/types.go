// Package storage is the durable record of transfers, paths and every
// state transition. The engine is restartable from it: live transfers
// can be resumed and terminal ones replayed in order.
package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Direction distinguishes incoming from outgoing transfers.
type Direction int

const (
	Incoming Direction = 0
	Outgoing Direction = 1
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferStateKind enumerates transfer-level states.
type TransferStateKind int

const (
	TransferActive TransferStateKind = iota + 1
	TransferCancelled
	TransferFailed
)

// Terminal reports whether the kind is absorbing.
func (k TransferStateKind) Terminal() bool {
	return k == TransferCancelled || k == TransferFailed
}

// TransferState is one entry of a transfer's state history.
type TransferState struct {
	Kind       TransferStateKind
	ByPeer     bool
	StatusCode uint32
	CreatedAt  time.Time
}

// PathStateKind enumerates path-level states.
type PathStateKind int

const (
	PathPending PathStateKind = iota + 1
	PathStarted
	PathPaused
	PathFailed
	PathCompleted
	PathRejected
)

// Terminal reports whether the kind accepts no further transitions.
func (k PathStateKind) Terminal() bool {
	switch k {
	case PathFailed, PathCompleted, PathRejected:
		return true
	}
	return false
}

func (k PathStateKind) String() string {
	switch k {
	case PathPending:
		return "pending"
	case PathStarted:
		return "started"
	case PathPaused:
		return "paused"
	case PathFailed:
		return "failed"
	case PathCompleted:
		return "completed"
	case PathRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PathState is one entry of a path's state history. Bytes carries
// bytes_sent for outgoing paths and bytes_received for incoming ones.
type PathState struct {
	Kind       PathStateKind
	Bytes      uint64
	StatusCode uint32
	ByPeer     bool
	BaseDir    string
	FinalPath  string
	CreatedAt  time.Time
}

// Path is a file entry of a transfer with its state history, newest
// last.
type Path struct {
	DBID         int64
	FileID       string
	RelativePath string
	Bytes        uint64
	URI          string
	Checksum     string
	IsDeleted    bool
	CreatedAt    time.Time
	States       []PathState
}

// CurrentState returns the most recent state, or nil for a fresh path.
func (p *Path) CurrentState() *PathState {
	if len(p.States) == 0 {
		return nil
	}
	return &p.States[len(p.States)-1]
}

// Terminal reports whether the path has reached an absorbing state.
func (p *Path) Terminal() bool {
	s := p.CurrentState()
	return s != nil && s.Kind.Terminal()
}

// TransferredBytes returns the last recorded cumulative byte count.
func (p *Path) TransferredBytes() uint64 {
	for i := len(p.States) - 1; i >= 0; i-- {
		switch p.States[i].Kind {
		case PathStarted, PathPaused, PathFailed, PathRejected:
			return p.States[i].Bytes
		case PathCompleted:
			return p.Bytes
		}
	}
	return 0
}

// Transfer is a stored transfer with its paths and state history.
type Transfer struct {
	ID        uuid.UUID
	Peer      string
	Direction Direction
	IsDeleted bool
	CreatedAt time.Time
	Paths     []Path
	States    []TransferState
}

// CurrentState returns the most recent transfer state, or nil.
func (t *Transfer) CurrentState() *TransferState {
	if len(t.States) == 0 {
		return nil
	}
	return &t.States[len(t.States)-1]
}

// Terminal reports whether the transfer has reached an absorbing
// state.
func (t *Transfer) Terminal() bool {
	s := t.CurrentState()
	return s != nil && s.Kind.Terminal()
}

// PathByFileID finds a path by its file id.
func (t *Transfer) PathByFileID(fileID string) *Path {
	for i := range t.Paths {
		if t.Paths[i].FileID == fileID {
			return &t.Paths[i]
		}
	}
	return nil
}

// NewPath describes one file of a transfer at insertion time.
type NewPath struct {
	FileID       string
	RelativePath string
	Bytes        uint64
	URI          string
}

// SyncState records what this side has observed and acknowledged for
// one transfer, consulted on reconnection.
type SyncState struct {
	TransferID uuid.UUID
	LocalState int
	CreatedAt  time.Time
}

// Stable storage errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrEmptyTransfer = errors.New("transfer has no paths")
	ErrTerminalState = errors.New("path is in a terminal state")
	ErrNonMonotonic  = errors.New("byte counter would decrease")
	ErrDuplicate     = errors.New("already exists")
)
