package drop

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	if cfg.DirDepthLimit != DefaultDirDepthLimit {
		t.Errorf("DirDepthLimit = %d", cfg.DirDepthLimit)
	}
	if cfg.TransferFileLimit != DefaultTransferFileLimit {
		t.Errorf("TransferFileLimit = %d", cfg.TransferFileLimit)
	}
	if cfg.MaxUploadsInFlight != DefaultMaxUploadsInFlight {
		t.Errorf("MaxUploadsInFlight = %d", cfg.MaxUploadsInFlight)
	}
	if cfg.MaxRequestsPerSec != DefaultMaxRequestsPerSec {
		t.Errorf("MaxRequestsPerSec = %d", cfg.MaxRequestsPerSec)
	}
	if cfg.StoragePath == "" {
		t.Error("StoragePath must default to a file path")
	}
	if cfg.PingInterval != cfg.TransferIdleLifetime/2 {
		t.Errorf("PingInterval = %v, want half of %v", cfg.PingInterval, cfg.TransferIdleLifetime)
	}
	if cfg.ChunkInactivityTimeout() != 2*cfg.PingInterval {
		t.Errorf("ChunkInactivityTimeout = %v", cfg.ChunkInactivityTimeout())
	}
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		DirDepthLimit:     9,
		TransferFileLimit: 7,
		PingInterval:      3 * time.Second,
	}.WithDefaults()

	if cfg.DirDepthLimit != 9 || cfg.TransferFileLimit != 7 {
		t.Errorf("explicit limits overwritten: %+v", cfg)
	}
	if cfg.PingInterval != 3*time.Second {
		t.Errorf("PingInterval = %v", cfg.PingInterval)
	}
}

func TestStatusNames(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusBadPath, "BadPath"},
		{StatusMismatchedSize, "MismatchedSize"},
		{StatusAuthenticationFailed, "AuthenticationFailed"},
		{StatusFileChecksumMismatch, "FileChecksumMismatch"},
		{StatusTooManyRequests, "TooManyRequests"},
		{StatusDbLost, "DbLost"},
		{Status(9999), "Status(9999)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestErrorIsMatchesStatus(t *testing.T) {
	err := WrapError(StatusBadTransfer, fmt.Errorf("row missing"))

	if !errors.Is(err, NewError(StatusBadTransfer)) {
		t.Fatal("errors.Is must match on status kind")
	}
	if errors.Is(err, NewError(StatusBadPath)) {
		t.Fatal("errors.Is must not match a different status")
	}
	if StatusOf(err) != StatusBadTransfer {
		t.Fatalf("StatusOf = %v", StatusOf(err))
	}
	if StatusOf(fmt.Errorf("plain")) != StatusIoError {
		t.Fatal("plain errors default to IoError")
	}
	if StatusOf(nil) != 0 {
		t.Fatal("nil error has no status")
	}
}
