package transfer

import (
	"os"
	"path/filepath"

	"github.com/peerdrop/peerdrop/internal/fileio"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// requestFile asks the sender to stream a path. A partial download is
// verified by digest first so the sender can resume at our offset or
// restart from zero.
func (s *Service) requestFile(t *transferState, p *pathState) {
	p.mu.Lock()
	baseDir := p.baseDir
	fileID := p.fileID
	p.mu.Unlock()

	part := fileio.PartPath(baseDir, fileID)
	offset := fileio.PartSize(part)

	req := protocol.FileRequest{TransferID: t.id, FileID: fileID}
	if offset > 0 {
		s.emit(drop.VerifyChecksumStarted{EventBase: s.base(t.id), FileID: fileID})
		digest, err := fileio.HashPrefix(part, offset, s.cfg.ChecksumEventsGranularity, func(n uint64) {
			s.emit(drop.VerifyChecksumProgress{EventBase: s.base(t.id), FileID: fileID, Bytes: n})
		})
		s.emit(drop.VerifyChecksumFinished{EventBase: s.base(t.id), FileID: fileID})
		if err != nil {
			// Unreadable partial: start over.
			os.Remove(part)
			offset = 0
		} else {
			req.Offset = offset
			req.VerifyDigest = digest
			p.mu.Lock()
			p.verifyLimit = offset
			p.verifyDigest = digest
			if offset > p.bytes {
				p.bytes = offset
			}
			p.mu.Unlock()
		}
	}

	select {
	case <-t.ctx.Done():
		return
	default:
	}
	if err := s.conns.Send(t.peer, req); err != nil {
		s.log.Warn("queue file request", "transfer", t.id, "file", fileID, "error", err)
	}
}

// handleChunk appends one wire chunk to its path. Chunks of one path
// arrive in offset order; an offset-zero chunk over a non-empty
// partial means the sender restarted after a digest mismatch.
func (s *Service) handleChunk(t *transferState, chunk protocol.Chunk) {
	p := t.path(chunk.FileID)
	if p == nil {
		return
	}

	p.mu.Lock()
	if p.kind.Terminal() {
		p.mu.Unlock()
		return
	}
	baseDir := p.baseDir
	if baseDir == "" {
		p.mu.Unlock()
		return
	}

	needStart := p.writer == nil
	restart := p.writer != nil && chunk.Offset == 0 && p.writer.Written() > 0 && p.restartExpected
	if restart {
		p.writer.Discard()
		p.writer = nil
		p.restartExpected = false
		needStart = true
	}
	// Frames replayed from the reconnect mailbox may duplicate bytes
	// already on disk.
	if p.writer != nil && chunk.Offset < p.writer.Written() {
		p.mu.Unlock()
		return
	}
	if needStart {
		w, err := fileio.CreateWriter(fileio.PartPath(baseDir, p.fileID), chunk.Offset)
		if err != nil {
			p.mu.Unlock()
			s.failPath(t, p, drop.StatusIoError, true)
			return
		}
		p.writer = w
	}

	if err := p.writer.WriteChunk(chunk.Offset, chunk.Data); err != nil {
		p.mu.Unlock()
		s.failPath(t, p, drop.StatusIoError, true)
		return
	}
	p.bytes = p.writer.Written()

	notify := p.bytes-p.lastProgressEvent >= drop.ProgressGranularity
	if notify {
		p.lastProgressEvent = p.bytes
	}
	received := p.bytes
	size := p.size
	digest := p.senderDigest
	p.mu.Unlock()

	if needStart {
		if err := s.markStarted(t, p, chunk.Offset); err != nil {
			return
		}
	}

	if err := s.conns.Send(t.peer, protocol.FileProgress{
		TransferID: t.id, FileID: p.fileID, Offset: received,
	}); err != nil {
		s.log.Warn("queue progress ack", "transfer", t.id, "file", p.fileID, "error", err)
	}
	if notify {
		s.emit(drop.FileProgress{EventBase: s.base(t.id), FileID: p.fileID, Transferred: received})
	}

	if received > size {
		s.failPath(t, p, drop.StatusMismatchedSize, true)
		return
	}
	if received == size && digest != "" {
		s.finishDownload(t, p)
	}
}

// handleChecksumReport consumes the sender's digest messages: a
// partial-prefix report answers our resume verification, a full-size
// report gates final verification.
func (s *Service) handleChecksumReport(t *transferState, rep protocol.ReportChecksum) {
	p := t.path(rep.FileID)
	if p == nil {
		return
	}

	p.mu.Lock()
	if rep.Limit == p.size {
		p.senderDigest = rep.Digest
		ready := p.bytes == p.size && !p.kind.Terminal() && p.baseDir != ""
		p.mu.Unlock()
		if ready {
			s.finishDownload(t, p)
		}
		return
	}

	// Resume verification reply: on mismatch the sender restarts from
	// zero, so the local partial is already useless.
	if rep.Limit == p.verifyLimit && p.verifyDigest != "" && rep.Digest != p.verifyDigest {
		if p.writer == nil {
			if p.baseDir != "" {
				os.Remove(fileio.PartPath(p.baseDir, p.fileID))
			}
			p.bytes = 0
		} else {
			p.restartExpected = true
		}
	}
	p.mu.Unlock()
}

// finishDownload runs final verification and moves the file into
// place.
func (s *Service) finishDownload(t *transferState, p *pathState) {
	p.mu.Lock()
	if p.kind.Terminal() {
		p.mu.Unlock()
		return
	}
	if p.writer == nil {
		// All bytes were already on disk (complete partial, or a
		// zero-byte file); open the part so finalisation is uniform.
		w, err := fileio.CreateWriter(fileio.PartPath(p.baseDir, p.fileID), p.bytes)
		if err != nil {
			p.mu.Unlock()
			s.failPath(t, p, drop.StatusIoError, true)
			return
		}
		p.writer = w
	}
	writer := p.writer
	p.writer = nil
	baseDir := p.baseDir
	relPath := p.relPath
	size := p.size
	senderDigest := p.senderDigest
	p.mu.Unlock()

	if err := writer.Sync(); err != nil {
		s.failPath(t, p, drop.StatusIoError, true)
		return
	}

	part := fileio.PartPath(baseDir, p.fileID)
	withEvents := size >= s.cfg.ChecksumEventsSizeThreshold
	if withEvents {
		s.emit(drop.FinalizeChecksumStarted{EventBase: s.base(t.id), FileID: p.fileID})
	}
	var progress func(uint64)
	if withEvents {
		progress = func(n uint64) {
			s.emit(drop.FinalizeChecksumProgress{EventBase: s.base(t.id), FileID: p.fileID, Bytes: n})
		}
	}
	writer.Close()
	digest, err := fileio.HashFile(part, s.cfg.ChecksumEventsGranularity, progress)
	if withEvents {
		s.emit(drop.FinalizeChecksumFinished{EventBase: s.base(t.id), FileID: p.fileID})
	}
	if err != nil {
		s.failPath(t, p, drop.StatusIoError, true)
		return
	}
	if digest != senderDigest {
		os.Remove(part)
		s.failPath(t, p, drop.StatusFileChecksumMismatch, true)
		return
	}

	destDir := filepath.Join(baseDir, filepath.Dir(relPath))
	final, err := fileio.MoveIntoPlace(part, destDir, filepath.Base(relPath))
	if err != nil {
		s.failPath(t, p, drop.StatusIoError, true)
		return
	}

	t.mu.Lock()
	serr := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
		storage.PathState{Kind: storage.PathCompleted, FinalPath: final}, s.now()))
	t.mu.Unlock()
	if serr != nil {
		s.log.Warn("persist download completion", "transfer", t.id, "file", p.fileID, "error", serr)
		return
	}
	if err := s.store.SaveIncomingChecksum(t.id, p.fileID, digest); err != nil {
		s.log.Warn("cache checksum", "transfer", t.id, "file", p.fileID, "error", err)
	}
	if err := s.store.SetIncomingFileSync(t.id, p.fileID, storage.SyncAcked, baseDir); err != nil {
		s.log.Warn("record completion checkpoint", "transfer", t.id, "file", p.fileID, "error", err)
	}

	p.mu.Lock()
	p.kind = storage.PathCompleted
	p.bytes = size
	p.mu.Unlock()

	if err := s.conns.Send(t.peer, protocol.FileDone{TransferID: t.id, FileID: p.fileID}); err != nil {
		s.log.Warn("queue file done", "transfer", t.id, "file", p.fileID, "error", err)
	}
	s.emit(drop.FileDownloaded{EventBase: s.base(t.id), FileID: p.fileID, FinalPath: final})
}
