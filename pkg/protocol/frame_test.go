package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestChunkRoundTrip(t *testing.T) {
	c := Chunk{
		TransferID: uuid.New(),
		FileID:     "ESDW8PFTBoD8UYaqxMSWp6FBCZN3SKnhyHFqlhrdMzU",
		Offset:     7 * 256 * 1024,
		Data:       bytes.Repeat([]byte{0xAB}, 4096),
	}

	frame, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransferID != c.TransferID {
		t.Fatalf("transfer id mismatch")
	}
	if got.FileID != c.FileID {
		t.Fatalf("file id = %q, want %q", got.FileID, c.FileID)
	}
	if got.Offset != c.Offset {
		t.Fatalf("offset = %d, want %d", got.Offset, c.Offset)
	}
	if !bytes.Equal(got.Data, c.Data) {
		t.Fatalf("payload mismatch")
	}
}

func TestChunkEmptyPayload(t *testing.T) {
	c := Chunk{TransferID: uuid.New(), FileID: "x", Offset: 0}
	frame, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Data) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Data))
	}
}

func TestChunkCorruptPayload(t *testing.T) {
	c := Chunk{TransferID: uuid.New(), FileID: "abc", Offset: 0, Data: []byte("hello world")}
	frame, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Flip a payload byte; the CRC tail must catch it.
	frame[len(frame)-6] ^= 0xFF
	if _, err := DecodeChunk(frame); err == nil {
		t.Fatal("expected checksum error for corrupted frame")
	}
}

func TestChunkTruncated(t *testing.T) {
	c := Chunk{TransferID: uuid.New(), FileID: "abc", Offset: 0, Data: []byte("hello")}
	frame, err := EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, n := range []int{0, 3, 16, len(frame) - 1} {
		if _, err := DecodeChunk(frame[:n]); err == nil {
			t.Fatalf("expected error for %d-byte prefix", n)
		}
	}
}
