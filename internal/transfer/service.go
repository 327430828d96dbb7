package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/bufpool"
	"github.com/peerdrop/peerdrop/internal/conn"
	"github.com/peerdrop/peerdrop/internal/fileio"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/pkg/drop"
	"github.com/peerdrop/peerdrop/pkg/protocol"
)

// Descriptor names one outgoing item: a disk path (possibly a
// directory) or an opaque content URI with an explicit size.
type Descriptor struct {
	Path       string
	ContentURI string
	Size       uint64
}

// Service coordinates every live transfer: it persists transitions,
// drives per-file workers and emits events in causal order. It is the
// inbound frame handler of the connection manager.
type Service struct {
	log   *slog.Logger
	cfg   drop.Config
	store *storage.Store
	disp  *dispatcher

	conns *conn.Manager
	fd    fileio.FdOpener
	pool  *bufpool.Pool

	mu        sync.Mutex
	transfers map[uuid.UUID]*transferState
	uploadSem map[string]chan struct{}

	now func() time.Time

	wg sync.WaitGroup
}

// New creates the service. SetConns must be called before any wire
// traffic is expected.
func New(cfg drop.Config, store *storage.Store, sink drop.EventSink, log *slog.Logger) *Service {
	return &Service{
		log:       log,
		cfg:       cfg,
		store:     store,
		disp:      newDispatcher(sink),
		pool:      bufpool.New(drop.ChunkSize),
		transfers: make(map[uuid.UUID]*transferState),
		uploadSem: make(map[string]chan struct{}),
		now:       time.Now,
	}
}

// SetConns wires the connection manager; done after construction
// because the manager needs the service as its handler.
func (s *Service) SetConns(c *conn.Manager) {
	s.conns = c
}

// SetFdResolver installs the host's content-URI resolver.
func (s *Service) SetFdResolver(fd fileio.FdOpener) {
	s.fd = fd
}

// Stop cancels every worker, persists Paused for all active paths so
// the next start can resume, and blocks until the event queue has
// drained into the host callback.
func (s *Service) Stop() {
	s.mu.Lock()
	states := make([]*transferState, 0, len(s.transfers))
	for _, t := range s.transfers {
		states = append(states, t)
	}
	s.mu.Unlock()

	for _, t := range states {
		t.cancel()
		s.pauseActivePaths(t)
	}
	s.wg.Wait()
	s.disp.close()
}

func (s *Service) emit(ev drop.Event) {
	s.disp.emit(ev)
}

// EmitRuntime surfaces an engine-level condition through the ordered
// event stream.
func (s *Service) EmitRuntime(status drop.Status) {
	s.emit(drop.RuntimeError{EventBase: s.base(uuid.Nil), Status: status})
}

func (s *Service) base(id uuid.UUID) drop.EventBase {
	return drop.EventBase{Transfer: id, At: s.now()}
}

// transfer resolves a live transfer by id.
func (s *Service) transfer(id uuid.UUID) *transferState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[id]
}

// semFor returns the per-peer upload semaphore.
func (s *Service) semFor(peer string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.uploadSem[peer]
	if !ok {
		sem = make(chan struct{}, s.cfg.MaxUploadsInFlight)
		s.uploadSem[peer] = sem
	}
	return sem
}

// NewTransfer gathers the descriptors into a manifest, persists the
// transfer and announces it to the peer. Returns the new transfer id.
func (s *Service) NewTransfer(peer string, descriptors []Descriptor) (uuid.UUID, error) {
	if len(descriptors) == 0 {
		return uuid.Nil, drop.NewError(drop.StatusEmptyTransfer)
	}

	paths, err := s.gather(descriptors)
	if err != nil {
		return uuid.Nil, err
	}
	if len(paths) == 0 {
		return uuid.Nil, drop.NewError(drop.StatusEmptyTransfer)
	}
	if len(paths) > s.cfg.TransferFileLimit {
		return uuid.Nil, drop.NewError(drop.StatusTransferLimitsExceeded)
	}

	id := uuid.New()
	if err := s.store.InsertTransfer(id, peer, storage.Outgoing, paths, s.now()); err != nil {
		return uuid.Nil, storeErr(err)
	}
	if err := s.store.UpdateSyncStates(id, storage.SyncNew, s.now()); err != nil {
		s.log.Warn("record transfer checkpoint", "transfer", id, "error", storeErr(err))
	}

	t := newTransferState(id, peer, storage.Outgoing)
	var files []drop.FileInfo
	for _, p := range paths {
		t.paths[p.FileID] = &pathState{
			fileID:       p.FileID,
			relPath:      p.RelativePath,
			size:         p.Bytes,
			uri:          p.URI,
			isContentURI: strings.Contains(p.URI, "://"),
		}
		files = append(files, drop.FileInfo{ID: p.FileID, Path: p.RelativePath, Size: p.Bytes})
	}
	s.mu.Lock()
	s.transfers[id] = t
	s.mu.Unlock()

	s.emit(drop.RequestQueued{EventBase: s.base(id), Peer: peer, Files: files})

	// Single-flight: a duplicate id already in flight is dropped.
	if s.conns.MarkInFlight(peer, id) {
		req := protocol.TransferRequest{ID: id}
		for _, f := range files {
			req.Files = append(req.Files, protocol.File{FileID: f.ID, Path: f.Path, Size: f.Size})
		}
		if err := s.conns.Send(peer, req); err != nil {
			s.log.Warn("queue transfer request", "transfer", id, "error", err)
		}
	}
	return id, nil
}

// gather expands descriptors into concrete files, enforcing path
// rules, the directory depth limit and the file count limit.
func (s *Service) gather(descriptors []Descriptor) ([]storage.NewPath, error) {
	var out []storage.NewPath
	seen := make(map[string]struct{})

	add := func(abs, rel string, size uint64, uri string) error {
		if err := fileio.ValidateRelPath(rel); err != nil {
			return pathErr(err)
		}
		if fileio.DirDepth(rel) > s.cfg.DirDepthLimit {
			return drop.NewError(drop.StatusTransferLimitsExceeded)
		}
		if _, dup := seen[rel]; dup {
			return drop.WrapError(drop.StatusBadPath, fmt.Errorf("duplicate target %q", rel))
		}
		seen[rel] = struct{}{}
		out = append(out, storage.NewPath{
			FileID:       fileio.FileID(abs),
			RelativePath: rel,
			Bytes:        size,
			URI:          uri,
		})
		if len(out) > s.cfg.TransferFileLimit {
			return drop.NewError(drop.StatusTransferLimitsExceeded)
		}
		return nil
	}

	for _, d := range descriptors {
		if d.ContentURI != "" {
			rel := filepath.Base(d.ContentURI)
			if err := add(d.ContentURI, rel, d.Size, d.ContentURI); err != nil {
				return nil, err
			}
			continue
		}

		abs, err := filepath.Abs(d.Path)
		if err != nil {
			return nil, drop.WrapError(drop.StatusBadPath, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, drop.WrapError(drop.StatusBadFile, err)
		}
		if !info.IsDir() {
			if err := add(abs, filepath.Base(abs), uint64(info.Size()), abs); err != nil {
				return nil, err
			}
			continue
		}

		root := abs
		err = filepath.WalkDir(root, func(p string, entry os.DirEntry, err error) error {
			if err != nil {
				return drop.WrapError(drop.StatusBadFile, err)
			}
			if entry.IsDir() {
				return nil
			}
			fi, err := entry.Info()
			if err != nil {
				return drop.WrapError(drop.StatusBadFile, err)
			}
			rel, err := filepath.Rel(filepath.Dir(root), p)
			if err != nil {
				return drop.WrapError(drop.StatusBadPath, err)
			}
			return add(p, filepath.ToSlash(rel), uint64(fi.Size()), p)
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// markPeerSynced checkpoints that the peer has demonstrably observed
// an outgoing transfer, ending announcement replays on reconnect.
func (s *Service) markPeerSynced(t *transferState) {
	if t.dir != storage.Outgoing {
		return
	}
	t.mu.Lock()
	if t.peerSynced {
		t.mu.Unlock()
		return
	}
	t.peerSynced = true
	t.mu.Unlock()

	if err := s.store.UpdateSyncStates(t.id, storage.SyncAcked, s.now()); err != nil {
		s.log.Warn("record transfer ack checkpoint", "transfer", t.id, "error", storeErr(err))
	}
}

// maybeReannounce replays an outgoing transfer's announcement after a
// reconnect or restart, until the peer has acknowledged it. The
// receiver treats a same-manifest re-send as idempotent.
func (s *Service) maybeReannounce(t *transferState) {
	t.mu.Lock()
	done := t.terminal || t.peerSynced
	t.mu.Unlock()
	if done {
		return
	}
	if !s.conns.MarkInFlight(t.peer, t.id) {
		// The original announcement still sits in the session mailbox.
		return
	}
	if err := s.conns.Send(t.peer, t.manifest()); err != nil {
		s.log.Warn("queue transfer re-announcement", "transfer", t.id, "error", err)
	}
}

// Download marks an incoming path pending and asks the sender to
// stream it. Idempotent: repeated calls on a non-terminal path emit
// FilePending at most once.
func (s *Service) Download(tid uuid.UUID, fileID, baseDir string) error {
	t := s.transfer(tid)
	if t == nil {
		return drop.NewError(drop.StatusBadTransfer)
	}
	if t.dir != storage.Incoming {
		return drop.NewError(drop.StatusBadTransferState)
	}
	p := t.path(fileID)
	if p == nil {
		return drop.NewError(drop.StatusBadFileID)
	}

	p.mu.Lock()
	if p.kind.Terminal() {
		err := terminalErr(p.kind)
		p.mu.Unlock()
		return err
	}
	alreadyPending := p.pendingEmitted
	p.baseDir = baseDir
	p.pendingEmitted = true
	p.mu.Unlock()

	if !alreadyPending {
		t.mu.Lock()
		err := storeErr(s.store.AppendPathState(tid, fileID, storage.Incoming,
			storage.PathState{Kind: storage.PathPending, BaseDir: baseDir}, s.now()))
		t.mu.Unlock()
		if err != nil {
			return err
		}
		if err := s.store.SetIncomingFileSync(tid, fileID, storage.SyncRequested, baseDir); err != nil {
			s.log.Warn("record download checkpoint", "transfer", tid, "file", fileID, "error", storeErr(err))
		}
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return drop.WrapError(drop.StatusIoError, err)
		}

		p.mu.Lock()
		p.kind = storage.PathPending
		p.mu.Unlock()

		s.emit(drop.FilePending{EventBase: s.base(tid), FileID: fileID, BaseDir: baseDir})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.requestFile(t, p)
	}()
	return nil
}

// Reject declines a file from either side. At most one FileRejected is
// emitted per path; the peer observes Rejected(byPeer=true).
func (s *Service) Reject(tid uuid.UUID, fileID string) error {
	t := s.transfer(tid)
	if t == nil {
		return drop.NewError(drop.StatusBadTransfer)
	}
	p := t.path(fileID)
	if p == nil {
		return drop.NewError(drop.StatusBadFileID)
	}

	if err := s.rejectPath(t, p, false); err != nil {
		return err
	}
	if err := s.conns.Send(t.peer, protocol.FileReject{TransferID: tid, FileID: fileID}); err != nil {
		s.log.Warn("queue file reject", "transfer", tid, "file", fileID, "error", err)
	}
	s.maybeAutoFinalize(t)
	return nil
}

// rejectPath performs the local half of a rejection.
func (s *Service) rejectPath(t *transferState, p *pathState, byPeer bool) error {
	p.mu.Lock()
	if p.kind.Terminal() {
		err := terminalErr(p.kind)
		p.mu.Unlock()
		return err
	}
	if cancel := p.uploadCancel; cancel != nil {
		cancel()
	}
	bytes := p.logBytes(p.bytes)
	p.mu.Unlock()

	t.mu.Lock()
	err := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
		storage.PathState{Kind: storage.PathRejected, ByPeer: byPeer, Bytes: bytes}, s.now()))
	t.mu.Unlock()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.kind = storage.PathRejected
	// Rejection removes temporary files; failure keeps them for
	// later resume.
	if p.writer != nil {
		p.writer.Discard()
		p.writer = nil
	} else if t.dir == storage.Incoming && p.baseDir != "" {
		os.Remove(fileio.PartPath(p.baseDir, p.fileID))
	}
	p.mu.Unlock()

	s.emit(drop.FileRejected{EventBase: s.base(t.id), FileID: p.fileID, ByPeer: byPeer, Bytes: bytes})
	return nil
}

// Finalize closes a transfer from this side. Calling it again after a
// terminal state is a named no-op.
func (s *Service) Finalize(tid uuid.UUID) error {
	t := s.transfer(tid)
	if t == nil {
		return drop.NewError(drop.StatusBadTransfer)
	}
	if err := s.finalizeLocal(t, false); err != nil {
		return err
	}
	if err := s.conns.Send(t.peer, protocol.TransferCancel{ID: tid}); err != nil {
		s.log.Warn("queue transfer cancel", "transfer", tid, "error", err)
	}
	return nil
}

// finalizeLocal records the terminal cancel state and emits the final
// transfer event exactly once.
func (s *Service) finalizeLocal(t *transferState, byPeer bool) error {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return drop.NewError(drop.StatusFinalized)
	}
	t.terminal = true
	t.mu.Unlock()

	t.cancel()
	s.pauseActivePaths(t)

	t.mu.Lock()
	err := storeErr(s.store.AppendTransferState(t.id,
		storage.TransferState{Kind: storage.TransferCancelled, ByPeer: byPeer}, s.now()))
	t.mu.Unlock()
	if err != nil && !errors.Is(err, drop.NewError(drop.StatusBadTransferState)) {
		s.log.Warn("persist transfer cancel", "transfer", t.id, "error", err)
	}
	if err := s.store.ClearSync(t.id); err != nil {
		s.log.Warn("clear sync rows", "transfer", t.id, "error", err)
	}

	s.conns.ClearInFlight(t.peer, t.id)
	s.emit(drop.TransferFinalized{EventBase: s.base(t.id), ByPeer: byPeer})
	return nil
}

// failTransfer records a failed terminal state.
func (s *Service) failTransfer(t *transferState, status drop.Status) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	t.terminal = true
	t.mu.Unlock()

	t.cancel()
	s.pauseActivePaths(t)

	t.mu.Lock()
	if err := storeErr(s.store.AppendTransferState(t.id,
		storage.TransferState{Kind: storage.TransferFailed, StatusCode: uint32(status)}, s.now())); err != nil {
		s.log.Warn("persist transfer failure", "transfer", t.id, "error", err)
	}
	t.mu.Unlock()

	s.conns.ClearInFlight(t.peer, t.id)
	s.emit(drop.TransferFailed{EventBase: s.base(t.id), Status: status})
}

// maybeAutoFinalize closes an outgoing transfer once its last path has
// reached a terminal state. The receiving side waits for the peer's
// cancel so the by-peer flag reflects who finished the exchange.
func (s *Service) maybeAutoFinalize(t *transferState) {
	if t.dir != storage.Outgoing {
		return
	}
	if !t.allTerminal() {
		return
	}
	if err := s.Finalize(t.id); err != nil && !errors.Is(err, drop.NewError(drop.StatusFinalized)) {
		s.log.Warn("auto finalize", "transfer", t.id, "error", err)
	}
}

// RemoveFile soft-deletes a terminal path from the store. Once the
// last path of a transfer is removed, the transfer row itself is
// soft-deleted; rows remain for foreign-key integrity until purged.
func (s *Service) RemoveFile(tid uuid.UUID, fileID string) error {
	t := s.transfer(tid)
	dir := storage.Incoming
	if t != nil {
		dir = t.dir
		p := t.path(fileID)
		if p != nil {
			p.mu.Lock()
			terminal := p.kind.Terminal()
			p.mu.Unlock()
			if !terminal {
				return drop.NewError(drop.StatusBadTransferState)
			}
		}
	}
	if err := s.store.MarkPathDeleted(tid, fileID, dir); err != nil {
		if errors.Is(err, storage.ErrTerminalState) {
			return drop.NewError(drop.StatusBadTransferState)
		}
		if errors.Is(err, storage.ErrNotFound) {
			// Try the other direction before giving up.
			other := storage.Outgoing
			if dir == storage.Outgoing {
				other = storage.Incoming
			}
			if err2 := s.store.MarkPathDeleted(tid, fileID, other); err2 != nil {
				return drop.NewError(drop.StatusBadFileID)
			}
		} else {
			return storeErr(err)
		}
	}
	s.sweepDeletedTransfer(tid)
	return nil
}

// sweepDeletedTransfer soft-deletes a transfer whose paths have all
// been removed.
func (s *Service) sweepDeletedTransfer(tid uuid.UUID) {
	rec, err := s.store.Transfer(tid)
	if err != nil {
		return
	}
	for i := range rec.Paths {
		if !rec.Paths[i].IsDeleted {
			return
		}
	}
	if err := s.store.MarkTransferDeleted(tid); err != nil {
		s.log.Warn("soft delete transfer", "transfer", tid, "error", storeErr(err))
	}
}

// pauseActivePaths persists Paused for every path moving bytes and
// emits one TransferPaused per in-flight file.
func (s *Service) pauseActivePaths(t *transferState) {
	for _, p := range t.activePaths() {
		p.mu.Lock()
		bytes := p.logBytes(p.bytes)
		if cancel := p.uploadCancel; cancel != nil {
			cancel()
		}
		p.mu.Unlock()

		t.mu.Lock()
		err := storeErr(s.store.AppendPathState(t.id, p.fileID, t.dir,
			storage.PathState{Kind: storage.PathPaused, Bytes: bytes}, s.now()))
		t.mu.Unlock()
		if err != nil {
			s.log.Warn("persist pause", "transfer", t.id, "file", p.fileID, "error", err)
			continue
		}
		p.mu.Lock()
		p.kind = storage.PathPaused
		p.mu.Unlock()

		s.emit(drop.TransferPaused{EventBase: s.base(t.id), FileID: p.fileID, Bytes: bytes})
	}
}

// Resume reloads live transfers after a restart and re-requests every
// incoming path that was in flight.
func (s *Service) Resume() error {
	live, err := s.store.LoadLive()
	if err != nil {
		return storeErr(err)
	}
	for i := range live {
		rec := &live[i]
		t := newTransferState(rec.ID, rec.Peer, rec.Direction)
		for j := range rec.Paths {
			pr := &rec.Paths[j]
			if pr.IsDeleted {
				continue
			}
			p := &pathState{
				fileID:      pr.FileID,
				relPath:     pr.RelativePath,
				size:        pr.Bytes,
				uri:         pr.URI,
				bytes:       pr.TransferredBytes(),
				storedFloor: pr.TransferredBytes(),
			}
			if st := pr.CurrentState(); st != nil {
				p.kind = st.Kind
				if st.Kind == storage.PathStarted {
					// The process died mid-stream; treat as paused.
					p.kind = storage.PathPaused
				}
			}
			for _, st := range pr.States {
				if st.Kind == storage.PathPending && st.BaseDir != "" {
					p.baseDir = st.BaseDir
					p.pendingEmitted = true
				}
			}
			t.paths[pr.FileID] = p
		}
		if st, err := s.store.TransferSyncState(rec.ID); err == nil && st.LocalState == storage.SyncAcked {
			t.peerSynced = true
		}
		s.mu.Lock()
		s.transfers[rec.ID] = t
		s.mu.Unlock()

		if rec.Direction == storage.Outgoing {
			s.wg.Add(1)
			go func(t *transferState) {
				defer s.wg.Done()
				s.maybeReannounce(t)
			}(t)
			continue
		}

		if rec.Direction == storage.Incoming {
			flights, err := s.store.IncomingInFlight(rec.ID)
			if err != nil {
				s.log.Warn("load in-flight files", "transfer", rec.ID, "error", err)
				continue
			}
			for _, f := range flights {
				p := t.path(f.FileID)
				if p == nil {
					continue
				}
				p.mu.Lock()
				if p.baseDir == "" {
					p.baseDir = f.BaseDir
				}
				terminal := p.kind.Terminal()
				p.mu.Unlock()
				if terminal {
					continue
				}
				s.wg.Add(1)
				go func(p *pathState) {
					defer s.wg.Done()
					s.requestFile(t, p)
				}(p)
			}
		}
	}
	return nil
}

// pathErr maps fileio path validation failures, an oversize component
// included, to BadPath.
func pathErr(err error) error {
	return drop.WrapError(drop.StatusBadPath, err)
}

// storeErr maps storage failures to named statuses.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrEmptyTransfer):
		return drop.WrapError(drop.StatusEmptyTransfer, err)
	case errors.Is(err, storage.ErrTerminalState), errors.Is(err, storage.ErrNonMonotonic):
		return drop.WrapError(drop.StatusBadTransferState, err)
	case errors.Is(err, storage.ErrNotFound):
		return drop.WrapError(drop.StatusBadTransfer, err)
	case errors.Is(err, storage.ErrDuplicate):
		return drop.WrapError(drop.StatusBadTransfer, err)
	default:
		return drop.WrapError(drop.StatusStorageError, err)
	}
}
