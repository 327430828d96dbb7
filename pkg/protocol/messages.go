// Package protocol defines the peerdrop wire protocol: JSON control
// messages carried in WebSocket text frames and the binary chunk frame
// carried in WebSocket binary frames.
//
// The upgrade path is /drop/v6. Authentication headers travel in the
// upgrade request and response; see the auth package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// UpgradePath is the WebSocket upgrade URL path.
const UpgradePath = "/drop/v6"

// Message type tags. These are part of the wire contract.
const (
	TypeTransferRequest = "TransferRequest"
	TypeTransferReject  = "TransferReject"
	TypeTransferCancel  = "TransferCancel"
	TypeFileRequest     = "FileRequest"
	TypeFileReject      = "FileReject"
	TypeFileCancel      = "FileCancel"
	TypeFileProgress    = "FileProgress"
	TypeFileDone        = "FileDone"
	TypeFileError       = "FileError"
	TypePing            = "Ping"
	TypePong            = "Pong"
	TypeReportChecksum  = "ReportChecksum"
)

// File describes one entry of a transfer manifest.
type File struct {
	FileID string `json:"file_id"`
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
}

// TransferRequest announces a new transfer with its complete manifest.
type TransferRequest struct {
	ID    uuid.UUID `json:"id"`
	Files []File    `json:"files"`
}

// TransferReject declines a whole transfer.
type TransferReject struct {
	ID uuid.UUID `json:"id"`
}

// TransferCancel cancels a whole transfer on either side.
type TransferCancel struct {
	ID uuid.UUID `json:"id"`
}

// FileRequest asks the sender to start streaming a file from the
// given offset. VerifyDigest, when set, carries the hex SHA-256 of the
// receiver's current partial prefix for resume validation.
type FileRequest struct {
	TransferID   uuid.UUID `json:"tid"`
	FileID       string    `json:"fid"`
	Offset       uint64    `json:"offset"`
	VerifyDigest string    `json:"verify_digest,omitempty"`
}

// FileReject declines a single file. Terminal for the file.
type FileReject struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
}

// FileCancel pauses a single in-flight file without finalising it.
type FileCancel struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
}

// FileProgress acknowledges received bytes from receiver to sender.
type FileProgress struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
	Offset     uint64    `json:"offset"`
}

// FileDone confirms full receipt, from receiver to sender. The engine
// leaves Digest empty; the sender's full-content digest travels in a
// ReportChecksum whose Limit equals the file size.
type FileDone struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
	Digest     string    `json:"digest,omitempty"`
}

// FileError reports a per-file failure with the stable status code.
type FileError struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
	Status     uint32    `json:"status"`
}

// Ping is the keepalive probe. Ts is the sender's unix millisecond
// clock, echoed back in Pong.
type Ping struct {
	Ts int64 `json:"ts"`
}

// Pong answers a Ping.
type Pong struct {
	Ts int64 `json:"ts"`
}

// ReportChecksum carries the sender's SHA-256 over the first Limit
// bytes of the source. It answers a FileRequest with a verify digest,
// and follows the last chunk with Limit equal to the file size so the
// receiver can run final verification.
type ReportChecksum struct {
	TransferID uuid.UUID `json:"tid"`
	FileID     string    `json:"fid"`
	Limit      uint64    `json:"limit"`
	Digest     string    `json:"digest"`
}

// envelope is the tagged wrapper every control message travels in.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var errUnknownType = errors.New("unknown message type")

// Encode wraps a control message in its tagged envelope.
func Encode(msg any) ([]byte, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tag, err)
	}
	return json.Marshal(envelope{Type: tag, Payload: payload})
}

// Decode parses a text frame into one of the typed control messages.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	msg, err := newByTag(env.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errUnknownType, env.Type)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return deref(msg), nil
}

func tagOf(msg any) (string, error) {
	switch msg.(type) {
	case TransferRequest, *TransferRequest:
		return TypeTransferRequest, nil
	case TransferReject, *TransferReject:
		return TypeTransferReject, nil
	case TransferCancel, *TransferCancel:
		return TypeTransferCancel, nil
	case FileRequest, *FileRequest:
		return TypeFileRequest, nil
	case FileReject, *FileReject:
		return TypeFileReject, nil
	case FileCancel, *FileCancel:
		return TypeFileCancel, nil
	case FileProgress, *FileProgress:
		return TypeFileProgress, nil
	case FileDone, *FileDone:
		return TypeFileDone, nil
	case FileError, *FileError:
		return TypeFileError, nil
	case Ping, *Ping:
		return TypePing, nil
	case Pong, *Pong:
		return TypePong, nil
	case ReportChecksum, *ReportChecksum:
		return TypeReportChecksum, nil
	default:
		return "", fmt.Errorf("%w: %T", errUnknownType, msg)
	}
}

func newByTag(tag string) (any, error) {
	switch tag {
	case TypeTransferRequest:
		return &TransferRequest{}, nil
	case TypeTransferReject:
		return &TransferReject{}, nil
	case TypeTransferCancel:
		return &TransferCancel{}, nil
	case TypeFileRequest:
		return &FileRequest{}, nil
	case TypeFileReject:
		return &FileReject{}, nil
	case TypeFileCancel:
		return &FileCancel{}, nil
	case TypeFileProgress:
		return &FileProgress{}, nil
	case TypeFileDone:
		return &FileDone{}, nil
	case TypeFileError:
		return &FileError{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeReportChecksum:
		return &ReportChecksum{}, nil
	default:
		return nil, errUnknownType
	}
}

func deref(msg any) any {
	switch m := msg.(type) {
	case *TransferRequest:
		return *m
	case *TransferReject:
		return *m
	case *TransferCancel:
		return *m
	case *FileRequest:
		return *m
	case *FileReject:
		return *m
	case *FileCancel:
		return *m
	case *FileProgress:
		return *m
	case *FileDone:
		return *m
	case *FileError:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *ReportChecksum:
		return *m
	default:
		return msg
	}
}
