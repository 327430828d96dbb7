package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Chunk is the payload of one binary wire frame. The fixed header
// carries the transfer id, the file id and the absolute byte offset of
// the payload; a CRC-32 of the payload trails the frame.
type Chunk struct {
	TransferID uuid.UUID
	FileID     string
	Offset     uint64
	Data       []byte
}

const (
	// chunk header: tid(16) + fid_len(1) + offset(8) + length(4)
	chunkHeaderFixed = 16 + 1 + 8 + 4
	chunkTrailer     = 4

	maxFileIDLen = 255
)

var (
	ErrFrameTooShort   = errors.New("binary frame too short")
	ErrFrameChecksum   = errors.New("binary frame checksum mismatch")
	ErrFileIDTooLong   = errors.New("file id too long")
	ErrFrameLengthSpan = errors.New("binary frame length mismatch")
)

// EncodeChunk serialises the chunk into a single binary frame.
func EncodeChunk(c Chunk) ([]byte, error) {
	if len(c.FileID) > maxFileIDLen {
		return nil, ErrFileIDTooLong
	}
	buf := make([]byte, 0, chunkHeaderFixed+len(c.FileID)+len(c.Data)+chunkTrailer)
	buf = append(buf, c.TransferID[:]...)
	buf = append(buf, byte(len(c.FileID)))
	buf = append(buf, c.FileID...)
	buf = binary.BigEndian.AppendUint64(buf, c.Offset)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Data)))
	buf = append(buf, c.Data...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(c.Data))
	return buf, nil
}

// DecodeChunk parses a binary frame and verifies its payload CRC.
func DecodeChunk(frame []byte) (Chunk, error) {
	var c Chunk
	if len(frame) < chunkHeaderFixed+chunkTrailer {
		return c, ErrFrameTooShort
	}
	copy(c.TransferID[:], frame[:16])
	fidLen := int(frame[16])
	rest := frame[17:]
	if len(rest) < fidLen+8+4+chunkTrailer {
		return c, ErrFrameTooShort
	}
	c.FileID = string(rest[:fidLen])
	rest = rest[fidLen:]
	c.Offset = binary.BigEndian.Uint64(rest[:8])
	length := binary.BigEndian.Uint32(rest[8:12])
	rest = rest[12:]
	if len(rest) != int(length)+chunkTrailer {
		return c, fmt.Errorf("%w: header %d, got %d", ErrFrameLengthSpan, length, len(rest)-chunkTrailer)
	}
	c.Data = rest[:length]
	want := binary.BigEndian.Uint32(rest[length:])
	if got := crc32.ChecksumIEEE(c.Data); got != want {
		return c, ErrFrameChecksum
	}
	return c, nil
}
