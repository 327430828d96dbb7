// Package peerdrop is an embeddable peer-to-peer file transfer engine.
// Two endpoints running the same engine exchange authenticated file
// requests over persistent WebSocket connections, stream chunked
// payloads and survive network loss by resuming from durably recorded
// progress.
//
// The host owns identity, network visibility, UI and process lifetime;
// it drives the Engine, and observes everything through the event
// sink.
package peerdrop

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/conn"
	"github.com/peerdrop/peerdrop/internal/logging"
	"github.com/peerdrop/peerdrop/internal/storage"
	"github.com/peerdrop/peerdrop/internal/transfer"
	"github.com/peerdrop/peerdrop/pkg/drop"
)

// Version is the engine release version. The wire protocol version is
// carried separately in the upgrade path.
const Version = "6.0.0"

// TransferDescriptor names one outgoing item: a disk path (a file or a
// directory to expand) or an opaque content URI with an explicit size.
type TransferDescriptor struct {
	Path       string
	ContentURI string
	Size       uint64
}

// Engine is the single process-wide entry point.
type Engine struct {
	sink drop.EventSink
	keys drop.KeyStore

	mu      sync.Mutex
	started bool
	cfg     drop.Config
	fd      drop.FdResolver

	store *storage.Store
	svc   *transfer.Service
	conns *conn.Manager
}

// New creates an engine. The sink receives every event; the key store
// supplies this endpoint's private key and peer public keys on demand.
func New(sink drop.EventSink, keys drop.KeyStore) *Engine {
	return &Engine{sink: sink, keys: keys}
}

// Start binds the listen address, opens storage and resumes live
// transfers. Calling Start on a started engine is an error. The only
// fatal conditions of the engine are a failing bind and failing
// storage initialisation.
func (e *Engine) Start(listenAddr string, cfg drop.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return drop.NewError(drop.StatusInvalidArgument)
	}
	cfg = cfg.WithDefaults()

	log := logging.New("peerdrop", cfg.LogLevel)

	var svcHolder atomic.Pointer[transfer.Service]
	store, err := storage.New(cfg.StoragePath, log, func() {
		if svc := svcHolder.Load(); svc != nil {
			svc.EmitRuntime(drop.StatusDbLost)
		}
	})
	if err != nil {
		return drop.WrapError(drop.StatusStorageError, err)
	}

	svc := transfer.New(cfg, store, e.sink, log)
	svcHolder.Store(svc)
	if e.fd != nil {
		svc.SetFdResolver(e.fd)
	}

	manager := conn.NewManager(conn.Config{
		Retries:           cfg.ConnectionRetries,
		AutoRetryInterval: time.Duration(cfg.AutoRetryIntervalMS) * time.Millisecond,
		PingInterval:      cfg.PingInterval,
		HandshakeTimeout:  cfg.PingInterval,
		RequestsPerSec:    cfg.MaxRequestsPerSec,
	}, e.keys, svc, log)
	svc.SetConns(manager)

	if err := manager.Listen(listenAddr); err != nil {
		store.Close()
		svc.Stop()
		if conn.IsAddrInUse(err) {
			return drop.WrapError(drop.StatusAddrInUse, err)
		}
		return drop.WrapError(drop.StatusIoError, err)
	}

	e.cfg = cfg
	e.store = store
	e.svc = svc
	e.conns = manager
	e.started = true

	if err := svc.Resume(); err != nil {
		log.Warn("resume live transfers", "error", err)
	}
	return nil
}

// Stop cancels all work, persists Paused for every active path so the
// next Start can resume, and blocks until every outstanding event has
// been handed to the host callback. After Stop returns the engine may
// be started again.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return drop.NewError(drop.StatusInvalidArgument)
	}
	svc, conns, store := e.svc, e.conns, e.store
	e.started = false
	e.svc, e.conns, e.store = nil, nil, nil
	e.mu.Unlock()

	conns.Close()
	svc.Stop()
	store.Close()
	return nil
}

// NewTransfer creates an outgoing transfer towards a peer, returning
// its id. The peer is an IP address in canonical textual form.
func (e *Engine) NewTransfer(peer string, files []TransferDescriptor) (uuid.UUID, error) {
	svc, err := e.service()
	if err != nil {
		return uuid.Nil, err
	}
	canonical, err := canonicalPeer(peer)
	if err != nil {
		return uuid.Nil, err
	}
	descriptors := make([]transfer.Descriptor, 0, len(files))
	for _, f := range files {
		descriptors = append(descriptors, transfer.Descriptor{
			Path:       f.Path,
			ContentURI: f.ContentURI,
			Size:       f.Size,
		})
	}
	return svc.NewTransfer(canonical, descriptors)
}

// DownloadFile asks the sender to stream one file of an incoming
// transfer into the destination directory. Idempotent on non-terminal
// paths.
func (e *Engine) DownloadFile(tid uuid.UUID, fileID, destDir string) error {
	svc, err := e.service()
	if err != nil {
		return err
	}
	return svc.Download(tid, fileID, destDir)
}

// RejectFile declines a file from either side of a transfer.
func (e *Engine) RejectFile(tid uuid.UUID, fileID string) error {
	svc, err := e.service()
	if err != nil {
		return err
	}
	return svc.Reject(tid, fileID)
}

// FinalizeTransfer closes a transfer. Finalizing an already terminal
// transfer reports Finalized and has no effect.
func (e *Engine) FinalizeTransfer(tid uuid.UUID) error {
	svc, err := e.service()
	if err != nil {
		return err
	}
	return svc.Finalize(tid)
}

// RemoveFile soft-deletes a terminal file from the stored transfer.
func (e *Engine) RemoveFile(tid uuid.UUID, fileID string) error {
	svc, err := e.service()
	if err != nil {
		return err
	}
	return svc.RemoveFile(tid, fileID)
}

// NetworkRefresh wakes connections sleeping between reconnect bursts,
// typically after the host observed a network change.
func (e *Engine) NetworkRefresh() error {
	e.mu.Lock()
	conns := e.conns
	started := e.started
	e.mu.Unlock()
	if !started {
		return drop.NewError(drop.StatusInvalidArgument)
	}
	conns.NetworkRefresh()
	return nil
}

// PurgeTransfers hard-deletes the given transfers and all dependent
// rows.
func (e *Engine) PurgeTransfers(ids []uuid.UUID) error {
	store, err := e.storage()
	if err != nil {
		return err
	}
	if err := store.Purge(ids); err != nil {
		return drop.WrapError(drop.StatusStorageError, err)
	}
	return nil
}

// PurgeTransfersUntil hard-deletes every transfer created before the
// cutoff.
func (e *Engine) PurgeTransfersUntil(ts time.Time) error {
	store, err := e.storage()
	if err != nil {
		return err
	}
	if err := store.PurgeUntil(ts); err != nil {
		return drop.WrapError(drop.StatusStorageError, err)
	}
	return nil
}

// TransfersSince reports every transfer created at or after ts with
// its full state history, for host-side replay.
func (e *Engine) TransfersSince(ts time.Time) ([]TransferRecord, error) {
	store, err := e.storage()
	if err != nil {
		return nil, err
	}
	transfers, err := store.TransfersSince(ts)
	if err != nil {
		return nil, drop.WrapError(drop.StatusStorageError, err)
	}
	out := make([]TransferRecord, 0, len(transfers))
	for i := range transfers {
		out = append(out, recordFrom(&transfers[i]))
	}
	return out, nil
}

// SetFdResolver installs the host's content-URI resolver. Must be
// called before Start.
func (e *Engine) SetFdResolver(r drop.FdResolver) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return drop.NewError(drop.StatusInvalidArgument)
	}
	e.fd = r
	return nil
}

// Version reports the engine release version.
func (e *Engine) Version() string {
	return Version
}

// ListenAddr returns the bound address of a started engine.
func (e *Engine) ListenAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		return ""
	}
	return e.conns.Addr()
}

func (e *Engine) service() (*transfer.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, drop.NewError(drop.StatusInvalidArgument)
	}
	return e.svc, nil
}

func (e *Engine) storage() (*storage.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, drop.NewError(drop.StatusInvalidArgument)
	}
	return e.store, nil
}

// canonicalPeer normalises a peer address. IPv6 addresses follow the
// unique text representation; an optional port is preserved.
func canonicalPeer(peer string) (string, error) {
	if ap, err := netip.ParseAddrPort(peer); err == nil {
		return ap.String(), nil
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return "", drop.WrapError(drop.StatusInvalidArgument, err)
	}
	return addr.String(), nil
}
