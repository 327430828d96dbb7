package drop

import "fmt"

// Status identifies the stable, externally visible error kinds.
// The numeric values are part of the host contract and must not change.
type Status uint32

const (
	StatusFinalized              Status = 1
	StatusBadPath                Status = 2
	StatusBadFile                Status = 3
	StatusBadTransfer            Status = 7
	StatusBadTransferState       Status = 8
	StatusBadFileID              Status = 9
	StatusIoError                Status = 15
	StatusTransferLimitsExceeded Status = 20
	StatusMismatchedSize         Status = 21
	StatusInvalidArgument        Status = 23
	StatusAddrInUse              Status = 27
	StatusFileModified           Status = 28
	StatusFilenameTooLong        Status = 29
	StatusAuthenticationFailed   Status = 30
	StatusStorageError           Status = 31
	StatusDbLost                 Status = 32
	StatusFileChecksumMismatch   Status = 33
	StatusFileRejected           Status = 34
	StatusFileFailed             Status = 35
	StatusFileFinished           Status = 36
	StatusEmptyTransfer          Status = 37
	StatusConnectionClosedByPeer Status = 38
	StatusTooManyRequests        Status = 39
	StatusPermissionDenied       Status = 40
)

// String returns the stable name of the status.
func (s Status) String() string {
	switch s {
	case StatusFinalized:
		return "Finalized"
	case StatusBadPath:
		return "BadPath"
	case StatusBadFile:
		return "BadFile"
	case StatusBadTransfer:
		return "BadTransfer"
	case StatusBadTransferState:
		return "BadTransferState"
	case StatusBadFileID:
		return "BadFileId"
	case StatusIoError:
		return "IoError"
	case StatusTransferLimitsExceeded:
		return "TransferLimitsExceeded"
	case StatusMismatchedSize:
		return "MismatchedSize"
	case StatusInvalidArgument:
		return "InvalidArgument"
	case StatusAddrInUse:
		return "AddrInUse"
	case StatusFileModified:
		return "FileModified"
	case StatusFilenameTooLong:
		return "FilenameTooLong"
	case StatusAuthenticationFailed:
		return "AuthenticationFailed"
	case StatusStorageError:
		return "StorageError"
	case StatusDbLost:
		return "DbLost"
	case StatusFileChecksumMismatch:
		return "FileChecksumMismatch"
	case StatusFileRejected:
		return "FileRejected"
	case StatusFileFailed:
		return "FileFailed"
	case StatusFileFinished:
		return "FileFinished"
	case StatusEmptyTransfer:
		return "EmptyTransfer"
	case StatusConnectionClosedByPeer:
		return "ConnectionClosedByPeer"
	case StatusTooManyRequests:
		return "TooManyRequests"
	case StatusPermissionDenied:
		return "PermissionDenied"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Error is the error type returned by all public engine operations.
type Error struct {
	Status Status
	Cause  error
}

// NewError creates an Error with the given status and no cause.
func NewError(s Status) *Error {
	return &Error{Status: s}
}

// WrapError attaches a cause to a status.
func WrapError(s Status, cause error) *Error {
	return &Error{Status: s, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status, e.Cause)
	}
	return e.Status.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is match on the status kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status == e.Status
}

// StatusOf extracts the Status from an error, defaulting to IoError
// for plain errors.
func StatusOf(err error) Status {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Error); ok {
		return e.Status
	}
	return StatusIoError
}
