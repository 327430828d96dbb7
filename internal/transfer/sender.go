package transfer

import (
	"context"
	"errors"
	"io"

	"github.com/peerdrop/peerdrop/internal/fileio"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// handleFileRequest answers a receiver's download request: it resolves
// the resume offset via the digest check, then starts the upload
// worker for the path.
func (s *Service) handleFileRequest(t *transferState, req protocol.FileRequest) {
	s.markPeerSynced(t)

	p := t.path(req.FileID)
	if p == nil {
		s.sendFileError(t, req.FileID, drop.StatusBadFileID)
		return
	}

	p.mu.Lock()
	if p.kind.Terminal() {
		status := drop.StatusFileFailed
		switch p.kind {
		case storage.PathRejected:
			status = drop.StatusFileRejected
		case storage.PathCompleted:
			status = drop.StatusFileFinished
		}
		p.mu.Unlock()
		s.sendFileError(t, req.FileID, status)
		return
	}
	if p.uploading {
		// Duplicate request while streaming: idempotent.
		p.mu.Unlock()
		return
	}
	p.uploading = true
	p.mu.Unlock()

	if err := s.store.SetOutgoingFileSync(t.id, req.FileID, storage.SyncRequested); err != nil {
		s.log.Warn("record upload checkpoint", "transfer", t.id, "file", req.FileID, "error", storeErr(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.uploadFile(t, p, req.Offset, req.VerifyDigest)
	}()
}

// uploadFile is the sender worker for one path. It honours the upload
// semaphore, streams fixed-size chunks in offset order and re-checks
// the source at every chunk boundary.
func (s *Service) uploadFile(t *transferState, p *pathState, offset uint64, verifyDigest string) {
	defer func() {
		p.mu.Lock()
		p.uploading = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	p.mu.Lock()
	p.uploadCancel = cancel
	uri := p.uri
	size := p.size
	contentURI := p.isContentURI
	p.mu.Unlock()

	// Throttled by the per-peer semaphore; waiting files surface as
	// FileThrottled with their current offset.
	sem := s.semFor(t.peer)
	select {
	case sem <- struct{}{}:
	default:
		s.emit(drop.FileThrottled{EventBase: s.base(t.id), FileID: p.fileID, Offset: offset})
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
	defer func() { <-sem }()

	var (
		src *fileio.Source
		err error
	)
	if contentURI {
		src, err = fileio.OpenFd(uri, size, s.fd)
	} else {
		src, err = fileio.OpenPath(uri, size)
	}
	if err != nil {
		s.failPath(t, p, drop.StatusBadFile, false)
		return
	}
	defer src.Close()

	// Rolling digest over the bytes the receiver will end up with:
	// the resume prefix first, then every streamed chunk. A final
	// fresh read of the source must agree with it.
	rolling := fileio.NewRollingDigest()

	// Resume digest protocol: verify the receiver's partial against
	// our own prefix before seeking. A mismatch restarts from zero.
	if offset > 0 {
		if err := src.FoldPrefix(rolling, offset); err != nil {
			s.failPath(t, p, senderStatus(err), false)
			return
		}
		if verifyDigest != "" {
			ours := rolling.Hex()
			if err := s.conns.Send(t.peer, protocol.ReportChecksum{
				TransferID: t.id, FileID: p.fileID, Limit: offset, Digest: ours,
			}); err != nil {
				s.log.Warn("queue checksum report", "transfer", t.id, "file", p.fileID, "error", err)
			}
			if ours != verifyDigest {
				s.log.Info("partial digest mismatch, restarting from zero",
					"transfer", t.id, "file", p.fileID)
				offset = 0
				rolling = fileio.NewRollingDigest()
			}
		}
	}

	if err := src.Seek(offset); err != nil {
		s.failPath(t, p, drop.StatusIoError, false)
		return
	}

	if err := s.markStarted(t, p, offset); err != nil {
		return
	}

	buf := s.pool.Get()
	defer s.pool.Put(buf)

	sent := offset
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := src.ReadChunk(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status := senderStatus(err)
			s.sendFileError(t, p.fileID, status)
			s.failPath(t, p, status, false)
			return
		}
		rolling.Write(buf[:n])

		chunk := protocol.Chunk{TransferID: t.id, FileID: p.fileID, Offset: sent, Data: buf[:n]}
		if err := s.conns.SendChunk(t.peer, chunk); err != nil {
			// The connection layer pauses the transfer; the worker
			// simply stops.
			return
		}
		sent += uint64(n)
	}

	// A size change at the tail is MismatchedSize, same as at chunk
	// boundaries.
	if err := src.Recheck(); err != nil {
		status := senderStatus(err)
		s.sendFileError(t, p.fileID, status)
		s.failPath(t, p, status, false)
		return
	}

	// The full content digest rides after the last chunk so the
	// receiver can run final verification. A fresh read that no longer
	// matches the streamed bytes means the content changed mid-stream
	// under an unchanged size: the verified prefix has diverged.
	digest, err := src.HashAll()
	if err != nil {
		status := senderStatus(err)
		s.sendFileError(t, p.fileID, status)
		s.failPath(t, p, status, false)
		return
	}
	if digest != rolling.Hex() {
		s.sendFileError(t, p.fileID, drop.StatusFileModified)
		s.failPath(t, p, drop.StatusFileModified, false)
		return
	}
	if err := s.conns.Send(t.peer, protocol.ReportChecksum{
		TransferID: t.id, FileID: p.fileID, Limit: size, Digest: digest,
	}); err != nil {
		s.log.Warn("queue final checksum", "transfer", t.id, "file", p.fileID, "error", err)
	}
}

// markStarted persists Started and emits FileStarted with the resume
// offset. The stored byte count never goes backwards, even when a
// digest mismatch restarts the stream from zero.
func (s *Service) markStarted(t *transferState, p *pathState, offset uint64) error {
	p.mu.Lock()
	stored := p.logBytes(offset)
	p.mu.Unlock()

	t.mu.Lock()
	if !t.activeMarked {
		if aerr := s.store.AppendTransferState(t.id,
			storage.TransferState{Kind: storage.TransferActive}, s.now()); aerr == nil {
			t.activeMarked = true
		}
	}
	err := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
		storage.PathState{Kind: storage.PathStarted, Bytes: stored}, s.now()))
	t.mu.Unlock()
	if err != nil {
		s.log.Warn("persist start", "transfer", t.id, "file", p.fileID, "error", err)
		return err
	}

	p.mu.Lock()
	p.kind = storage.PathStarted
	if offset > p.bytes {
		p.bytes = offset
	}
	if p.lastProgressEvent < offset {
		p.lastProgressEvent = offset
	}
	p.mu.Unlock()

	s.emit(drop.FileStarted{EventBase: s.base(t.id), FileID: p.fileID, Offset: offset})
	return nil
}

// handleProgressAck folds a receiver acknowledgement into the sender's
// byte counter, throttling host notifications.
func (s *Service) handleProgressAck(t *transferState, ack protocol.FileProgress) {
	p := t.path(ack.FileID)
	if p == nil {
		return
	}
	p.mu.Lock()
	if ack.Offset <= p.bytes {
		p.mu.Unlock()
		return
	}
	p.bytes = ack.Offset
	notify := ack.Offset-p.lastProgressEvent >= drop.ProgressGranularity
	if notify {
		p.lastProgressEvent = ack.Offset
	}
	p.mu.Unlock()

	if notify {
		s.emit(drop.FileProgress{EventBase: s.base(t.id), FileID: ack.FileID, Transferred: ack.Offset})
	}
}

// handleFileDone finalises the sender side of a path.
func (s *Service) handleFileDone(t *transferState, done protocol.FileDone) {
	p := t.path(done.FileID)
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.kind.Terminal() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	t.mu.Lock()
	err := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
		storage.PathState{Kind: storage.PathCompleted}, s.now()))
	t.mu.Unlock()
	if err != nil {
		s.log.Warn("persist completion", "transfer", t.id, "file", p.fileID, "error", err)
		return
	}
	p.mu.Lock()
	p.kind = storage.PathCompleted
	p.bytes = p.size
	p.mu.Unlock()

	if err := s.store.SetOutgoingFileSync(t.id, p.fileID, storage.SyncAcked); err != nil {
		s.log.Warn("record upload completion checkpoint", "transfer", t.id, "file", p.fileID, "error", storeErr(err))
	}

	s.emit(drop.FileUploaded{EventBase: s.base(t.id), FileID: p.fileID})
	s.maybeAutoFinalize(t)
}

// failPath records a failed terminal state and emits FileFailed. When
// notifyPeer is set a FileError also crosses the wire.
func (s *Service) failPath(t *transferState, p *pathState, status drop.Status, notifyPeer bool) {
	p.mu.Lock()
	if p.kind.Terminal() {
		p.mu.Unlock()
		return
	}
	if cancel := p.uploadCancel; cancel != nil {
		cancel()
	}
	bytes := p.logBytes(p.bytes)
	p.mu.Unlock()

	t.mu.Lock()
	err := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
		storage.PathState{Kind: storage.PathFailed, StatusCode: uint32(status), Bytes: bytes}, s.now()))
	t.mu.Unlock()
	if err != nil {
		s.log.Warn("persist failure", "transfer", t.id, "file", p.fileID, "error", err)
		return
	}
	p.mu.Lock()
	p.kind = storage.PathFailed
	// The handle is released; the partial stays on disk for resume.
	if p.writer != nil {
		p.writer.Close()
		p.writer = nil
	}
	p.mu.Unlock()

	if notifyPeer {
		s.sendFileError(t, p.fileID, status)
	}
	s.emit(drop.FileFailed{EventBase: s.base(t.id), FileID: p.fileID, Status: status, Bytes: bytes})
	s.maybeAutoFinalize(t)
}

func (s *Service) sendFileError(t *transferState, fileID string, status drop.Status) {
	if err := s.conns.Send(t.peer, protocol.FileError{
		TransferID: t.id, FileID: fileID, Status: uint32(status),
	}); err != nil {
		s.log.Warn("queue file error", "transfer", t.id, "file", fileID, "error", err)
	}
}

// senderStatus maps a read-side failure to its wire status.
func senderStatus(err error) drop.Status {
	switch {
	case errors.Is(err, fileio.ErrSizeChanged):
		return drop.StatusMismatchedSize
	case errors.Is(err, fileio.ErrBadFile):
		return drop.StatusBadFile
	default:
		return drop.StatusIoError
	}
}
