package transfer

import (
	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/fileio"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// HandleControl dispatches one inbound control message. Messages of a
// single connection arrive here in receive order.
func (s *Service) HandleControl(peer string, msg any) {
	switch m := msg.(type) {
	case protocol.TransferRequest:
		s.handleTransferRequest(peer, m)
	case protocol.TransferCancel:
		if t := s.transfer(m.ID); t != nil {
			s.handleTransferCancel(t)
		}
	case protocol.TransferReject:
		if t := s.transfer(m.ID); t != nil {
			s.handleTransferReject(t)
		}
	case protocol.FileRequest:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleFileRequest(t, m)
		}
	case protocol.FileReject:
		if t := s.transfer(m.TransferID); t != nil {
			s.markPeerSynced(t)
			if p := t.path(m.FileID); p != nil {
				if err := s.rejectPath(t, p, true); err != nil {
					s.log.Debug("peer reject ignored", "transfer", m.TransferID, "file", m.FileID, "error", err)
				}
				s.maybeAutoFinalize(t)
			}
		}
	case protocol.FileCancel:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleFileCancel(t, m.FileID)
		}
	case protocol.FileProgress:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleProgressAck(t, m)
		}
	case protocol.FileDone:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleFileDone(t, m)
		}
	case protocol.FileError:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleFileError(t, m)
		}
	case protocol.ReportChecksum:
		if t := s.transfer(m.TransferID); t != nil {
			s.handleChecksumReport(t, m)
		}
	default:
		s.log.Warn("unhandled control message", "peer", peer)
	}
}

// HandleChunk dispatches one inbound binary data frame.
func (s *Service) HandleChunk(peer string, chunk protocol.Chunk) {
	if t := s.transfer(chunk.TransferID); t != nil {
		s.handleChunk(t, chunk)
	}
}

// PeerConnected resumes paused incoming paths once the channel is
// back, and replays unacknowledged outgoing announcements.
func (s *Service) PeerConnected(peer string) {
	for _, t := range s.transfersOf(peer) {
		if t.dir == storage.Outgoing {
			s.wg.Add(1)
			go func(t *transferState) {
				defer s.wg.Done()
				s.maybeReannounce(t)
			}(t)
			continue
		}
		t.mu.Lock()
		paths := make([]*pathState, 0, len(t.paths))
		for _, p := range t.paths {
			paths = append(paths, p)
		}
		t.mu.Unlock()
		for _, p := range paths {
			p.mu.Lock()
			resumable := p.kind == storage.PathPaused && p.baseDir != ""
			p.mu.Unlock()
			if resumable {
				s.wg.Add(1)
				go func(t *transferState, p *pathState) {
					defer s.wg.Done()
					s.requestFile(t, p)
				}(t, p)
			}
		}
	}
}

// PeerDisconnected pauses every in-flight path towards the peer while
// the connection layer runs its reconnect bursts.
func (s *Service) PeerDisconnected(peer string) {
	for _, t := range s.transfersOf(peer) {
		s.pauseActivePaths(t)
	}
}

func (s *Service) transfersOf(peer string) []*transferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*transferState
	for _, t := range s.transfers {
		if t.peer == peer {
			out = append(out, t)
		}
	}
	return out
}

// handleTransferRequest admits and records an inbound transfer
// announcement.
func (s *Service) handleTransferRequest(peer string, req protocol.TransferRequest) {
	// Duplicate announcement: same id with the same manifest is an
	// idempotent re-send; a conflicting manifest is an error.
	if existing := s.transfer(req.ID); existing != nil {
		if s.sameManifest(existing, req) {
			return
		}
		s.sendTransferError(peer, req.ID, drop.StatusBadTransfer)
		return
	}

	if !s.conns.Admit(peer) {
		s.sendTransferError(peer, req.ID, drop.StatusTooManyRequests)
		return
	}

	if len(req.Files) == 0 {
		s.sendTransferError(peer, req.ID, drop.StatusEmptyTransfer)
		return
	}
	if len(req.Files) > s.cfg.TransferFileLimit {
		s.sendTransferError(peer, req.ID, drop.StatusTransferLimitsExceeded)
		return
	}

	paths := make([]storage.NewPath, 0, len(req.Files))
	targets := make(map[string]struct{}, len(req.Files))
	for _, f := range req.Files {
		if err := validateIncomingPath(f, targets); err != nil {
			s.sendTransferError(peer, req.ID, drop.StatusOf(err))
			return
		}
		paths = append(paths, storage.NewPath{
			FileID:       f.FileID,
			RelativePath: f.Path,
			Bytes:        f.Size,
		})
	}

	if err := s.store.InsertTransfer(req.ID, peer, storage.Incoming, paths, s.now()); err != nil {
		s.log.Warn("persist inbound transfer", "transfer", req.ID, "error", err)
		s.sendTransferError(peer, req.ID, drop.StatusOf(storeErr(err)))
		return
	}

	t := newTransferState(req.ID, peer, storage.Incoming)
	files := make([]drop.FileInfo, 0, len(req.Files))
	for _, f := range req.Files {
		t.paths[f.FileID] = &pathState{
			fileID:  f.FileID,
			relPath: f.Path,
			size:    f.Size,
		}
		files = append(files, drop.FileInfo{ID: f.FileID, Path: f.Path, Size: f.Size})
	}
	s.mu.Lock()
	s.transfers[req.ID] = t
	s.mu.Unlock()

	// Record that this side has observed and acknowledged the
	// announcement, for reconciliation after a restart.
	if err := s.store.UpdateSyncStates(req.ID, storage.SyncAcked, s.now()); err != nil {
		s.log.Warn("record announcement checkpoint", "transfer", req.ID, "error", storeErr(err))
	}

	s.emit(drop.RequestReceived{EventBase: s.base(req.ID), Peer: peer, Files: files})
}

func (s *Service) sameManifest(t *transferState, req protocol.TransferRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.paths) != len(req.Files) {
		return false
	}
	for _, f := range req.Files {
		p, ok := t.paths[f.FileID]
		if !ok || p.relPath != f.Path || p.size != f.Size {
			return false
		}
	}
	return true
}

// handleTransferCancel is the peer closing the exchange. A cancel that
// predates the request announcement leaving the event dispatcher
// suppresses both events.
func (s *Service) handleTransferCancel(t *transferState) {
	s.disp.suppress(t.id)
	if err := s.finalizeLocal(t, true); err != nil {
		s.log.Debug("peer cancel on finalized transfer", "transfer", t.id)
	}
}

// handleTransferReject is the peer declining the whole transfer.
func (s *Service) handleTransferReject(t *transferState) {
	s.markPeerSynced(t)
	t.mu.Lock()
	paths := make([]*pathState, 0, len(t.paths))
	for _, p := range t.paths {
		paths = append(paths, p)
	}
	t.mu.Unlock()
	for _, p := range paths {
		// Terminal paths keep their existing outcome.
		_ = s.rejectPath(t, p, true)
	}
	if err := s.finalizeLocal(t, true); err != nil {
		s.log.Debug("peer reject on finalized transfer", "transfer", t.id)
	}
}

// handleFileCancel pauses one in-flight path without finalising it.
func (s *Service) handleFileCancel(t *transferState, fileID string) {
	p := t.path(fileID)
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.kind != storage.PathStarted {
		p.mu.Unlock()
		return
	}
	if cancel := p.uploadCancel; cancel != nil {
		cancel()
	}
	bytes := p.logBytes(p.bytes)
	p.mu.Unlock()

	t.mu.Lock()
	err := storeErr(s.store.AppendPathState(t.id, fileID, t.dir,
		storage.PathState{Kind: storage.PathPaused, Bytes: bytes}, s.now()))
	t.mu.Unlock()
	if err != nil {
		s.log.Warn("persist file cancel", "transfer", t.id, "file", fileID, "error", err)
		return
	}
	p.mu.Lock()
	p.kind = storage.PathPaused
	p.mu.Unlock()
}

// handleFileError folds a peer-reported failure into local state. An
// empty file id carries a transfer-level failure.
func (s *Service) handleFileError(t *transferState, e protocol.FileError) {
	if e.FileID == "" {
		s.failTransfer(t, drop.Status(e.Status))
		return
	}
	p := t.path(e.FileID)
	if p == nil {
		return
	}
	s.failPath(t, p, drop.Status(e.Status), false)
}

func (s *Service) sendTransferError(peer string, id uuid.UUID, status drop.Status) {
	if err := s.conns.Send(peer, protocol.FileError{TransferID: id, Status: uint32(status)}); err != nil {
		s.log.Warn("queue transfer error", "transfer", id, "error", err)
	}
}

// validateIncomingPath enforces the path rules on one manifest entry.
func validateIncomingPath(f protocol.File, targets map[string]struct{}) error {
	if f.FileID == "" {
		return drop.NewError(drop.StatusBadFileID)
	}
	if err := fileio.ValidateRelPath(f.Path); err != nil {
		return pathErr(err)
	}
	if _, dup := targets[f.Path]; dup {
		return drop.NewError(drop.StatusBadPath)
	}
	targets[f.Path] = struct{}{}
	return nil
}
