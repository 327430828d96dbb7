package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(MemoryPath, logging.New("storage-test", "error"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPaths() []NewPath {
	return []NewPath{
		{FileID: "fid-a", RelativePath: "a.txt", Bytes: 1024, URI: "/src/a.txt"},
		{FileID: "fid-b", RelativePath: "dir/b.txt", Bytes: 2048, URI: "/src/dir/b.txt"},
	}
}

func at(t *testing.T, base time.Time, ms int) time.Time {
	t.Helper()
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func TestInsertTransferEmptyPaths(t *testing.T) {
	s := newTestStore(t)
	err := s.InsertTransfer(uuid.New(), "192.168.0.2", Outgoing, nil, time.Now())
	if !errors.Is(err, ErrEmptyTransfer) {
		t.Fatalf("err = %v, want ErrEmptyTransfer", err)
	}
}

func TestInsertTransferDuplicate(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	now := time.Now()
	if err := s.InsertTransfer(id, "192.168.0.2", Outgoing, testPaths(), now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.InsertTransfer(id, "192.168.0.2", Outgoing, testPaths(), now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestInsertAndLoadTransfer(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	now := time.Now().Truncate(time.Millisecond)

	if err := s.InsertTransfer(id, "2001:db8::1", Outgoing, testPaths(), now); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Transfer(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Peer != "2001:db8::1" {
		t.Fatalf("peer = %q", got.Peer)
	}
	if got.Direction != Outgoing {
		t.Fatalf("direction = %v", got.Direction)
	}
	if len(got.Paths) != 2 {
		t.Fatalf("paths = %d, want 2", len(got.Paths))
	}
	if got.Paths[0].FileID != "fid-a" || got.Paths[0].URI != "/src/a.txt" {
		t.Fatalf("path[0] = %+v", got.Paths[0])
	}
	if got.Paths[1].Bytes != 2048 {
		t.Fatalf("path[1].Bytes = %d", got.Paths[1].Bytes)
	}
	if got.Terminal() {
		t.Fatal("fresh transfer must not be terminal")
	}
}

func TestTransferNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Transfer(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTransferStateTerminality(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	base := time.Now().Truncate(time.Millisecond)

	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.AppendTransferState(id, TransferState{Kind: TransferActive}, at(t, base, 1)); err != nil {
		t.Fatalf("active: %v", err)
	}
	if err := s.AppendTransferState(id, TransferState{Kind: TransferCancelled, ByPeer: true}, at(t, base, 2)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Same terminal kind again: ignored.
	if err := s.AppendTransferState(id, TransferState{Kind: TransferCancelled}, at(t, base, 3)); err != nil {
		t.Fatalf("duplicate cancel should be ignored, got %v", err)
	}
	// Different kind after terminal: rejected.
	if err := s.AppendTransferState(id, TransferState{Kind: TransferActive}, at(t, base, 4)); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}

	got, err := s.Transfer(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.States) != 2 {
		t.Fatalf("states = %d, want 2 (duplicate ignored)", len(got.States))
	}
	cur := got.CurrentState()
	if cur.Kind != TransferCancelled || !cur.ByPeer {
		t.Fatalf("current = %+v", cur)
	}
}

func TestPathStateMonotonicBytes(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	base := time.Now().Truncate(time.Millisecond)

	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatalf("insert: %v", err)
	}

	appendOK := func(ms int, st PathState) {
		t.Helper()
		if err := s.AppendPathState(id, "fid-a", Incoming, st, at(t, base, ms)); err != nil {
			t.Fatalf("append %v: %v", st.Kind, err)
		}
	}

	appendOK(1, PathState{Kind: PathPending, BaseDir: "/recv"})
	appendOK(2, PathState{Kind: PathStarted, Bytes: 0})
	appendOK(3, PathState{Kind: PathPaused, Bytes: 512})
	appendOK(4, PathState{Kind: PathStarted, Bytes: 512})

	// Byte counter going backwards is rejected and leaves no trace.
	err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathPaused, Bytes: 100}, at(t, base, 5))
	if !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("err = %v, want ErrNonMonotonic", err)
	}

	got, err := s.Transfer(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := got.PathByFileID("fid-a")
	if len(p.States) != 4 {
		t.Fatalf("states = %d, want 4", len(p.States))
	}

	var last uint64
	for _, st := range p.States {
		if st.Kind == PathPending {
			continue
		}
		if st.Bytes < last {
			t.Fatalf("byte log not monotone: %d after %d", st.Bytes, last)
		}
		last = st.Bytes
	}
}

func TestPathTerminalStateAbsorbing(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	base := time.Now().Truncate(time.Millisecond)

	if err := s.InsertTransfer(id, "10.0.0.1", Outgoing, testPaths(), base); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.AppendPathState(id, "fid-a", Outgoing, PathState{Kind: PathStarted, Bytes: 0}, at(t, base, 1)); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := s.AppendPathState(id, "fid-a", Outgoing, PathState{Kind: PathRejected, ByPeer: true, Bytes: 512}, at(t, base, 2)); err != nil {
		t.Fatalf("rejected: %v", err)
	}

	// All further transitions rejected, history unchanged.
	for _, st := range []PathState{
		{Kind: PathStarted, Bytes: 512},
		{Kind: PathCompleted},
		{Kind: PathFailed, StatusCode: 15, Bytes: 512},
	} {
		if err := s.AppendPathState(id, "fid-a", Outgoing, st, at(t, base, 3)); !errors.Is(err, ErrTerminalState) {
			t.Fatalf("append %v after terminal: err = %v, want ErrTerminalState", st.Kind, err)
		}
	}

	got, _ := s.Transfer(id)
	p := got.PathByFileID("fid-a")
	if len(p.States) != 2 {
		t.Fatalf("states = %d, want 2", len(p.States))
	}
	terminals := 0
	for _, st := range p.States {
		if st.Kind.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal states = %d, want exactly 1", terminals)
	}
}

func TestLoadLiveExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)

	live := uuid.New()
	dead := uuid.New()
	if err := s.InsertTransfer(live, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTransfer(dead, "10.0.0.1", Incoming, testPaths(), at(t, base, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTransferState(dead, TransferState{Kind: TransferFailed, StatusCode: 15}, at(t, base, 2)); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadLive()
	if err != nil {
		t.Fatalf("load live: %v", err)
	}
	if len(got) != 1 || got[0].ID != live {
		t.Fatalf("live = %v, want just %s", got, live)
	}
}

func TestTransfersSinceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "drop.sqlite")
	log := logging.New("storage-test", "error")
	base := time.Now().Truncate(time.Millisecond)

	s, err := New(dbPath, log, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	id := uuid.New()
	if err := s.InsertTransfer(id, "10.1.1.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathPending, BaseDir: "/recv"}, at(t, base, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathStarted, Bytes: 0}, at(t, base, 2)); err != nil {
		t.Fatal(err)
	}

	before, err := s.TransfersSince(base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := New(dbPath, log, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	after, err := s2.TransfersSince(base.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if len(before) != 1 || len(after) != 1 {
		t.Fatalf("before = %d, after = %d, want 1 each", len(before), len(after))
	}
	bp, ap := before[0].PathByFileID("fid-a"), after[0].PathByFileID("fid-a")
	if len(bp.States) != len(ap.States) {
		t.Fatalf("state history changed across restart: %d vs %d", len(bp.States), len(ap.States))
	}
	for i := range bp.States {
		if bp.States[i].Kind != ap.States[i].Kind || bp.States[i].Bytes != ap.States[i].Bytes {
			t.Fatalf("state %d differs: %+v vs %+v", i, bp.States[i], ap.States[i])
		}
	}
}

func TestPurgeCascades(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)

	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathPending, BaseDir: "/recv"}, at(t, base, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetIncomingFileSync(id, "fid-a", SyncRequested, "/recv"); err != nil {
		t.Fatal(err)
	}

	if err := s.Purge([]uuid.UUID{id}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.Transfer(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after purge", err)
	}
	if flights, err := s.IncomingInFlight(id); err != nil || len(flights) != 0 {
		t.Fatalf("sync rows survived purge: %v, %v", flights, err)
	}
}

func TestPurgeUntil(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)

	old := uuid.New()
	recent := uuid.New()
	if err := s.InsertTransfer(old, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTransfer(recent, "10.0.0.1", Incoming, testPaths(), at(t, base, 5000)); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeUntil(at(t, base, 1000)); err != nil {
		t.Fatalf("purge until: %v", err)
	}
	if _, err := s.Transfer(old); !errors.Is(err, ErrNotFound) {
		t.Fatal("old transfer should be purged")
	}
	if _, err := s.Transfer(recent); err != nil {
		t.Fatalf("recent transfer should survive: %v", err)
	}
}

func TestMarkPathDeletedRequiresTerminal(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkPathDeleted(id, "fid-a", Incoming); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState for non-terminal path", err)
	}

	if err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathCompleted, FinalPath: "/recv/a.txt"}, at(t, base, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPathDeleted(id, "fid-a", Incoming); err != nil {
		t.Fatalf("delete terminal path: %v", err)
	}
	// A deleted path no longer accepts states.
	err := s.AppendPathState(id, "fid-a", Incoming, PathState{Kind: PathStarted}, at(t, base, 2))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for deleted path", err)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSyncStates(id, SyncRequested, base); err != nil {
		t.Fatal(err)
	}
	st, err := s.TransferSyncState(id)
	if err != nil {
		t.Fatal(err)
	}
	if st.LocalState != SyncRequested {
		t.Fatalf("local = %d, want %d", st.LocalState, SyncRequested)
	}

	if err := s.UpdateSyncStates(id, SyncAcked, at(t, base, 1)); err != nil {
		t.Fatal(err)
	}
	st, _ = s.TransferSyncState(id)
	if st.LocalState != SyncAcked {
		t.Fatalf("local = %d after update, want %d", st.LocalState, SyncAcked)
	}

	if err := s.ClearSync(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransferSyncState(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after clear", err)
	}
}

func TestIncomingInFlight(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}

	if err := s.SetIncomingFileSync(id, "fid-a", SyncRequested, "/recv"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetIncomingFileSync(id, "fid-b", SyncAcked, "/recv"); err != nil {
		t.Fatal(err)
	}

	flights, err := s.IncomingInFlight(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(flights) != 1 || flights[0].FileID != "fid-a" || flights[0].BaseDir != "/recv" {
		t.Fatalf("in flight = %+v, want just fid-a", flights)
	}
}

func TestOutgoingFileSyncUpsert(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Outgoing, testPaths(), base); err != nil {
		t.Fatal(err)
	}

	if err := s.SetOutgoingFileSync(id, "fid-a", SyncRequested); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	// Upsert to the acknowledged state.
	if err := s.SetOutgoingFileSync(id, "fid-a", SyncAcked); err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}
	if err := s.SetOutgoingFileSync(id, "no-such", SyncAcked); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for unknown path", err)
	}

	// Clearing the transfer's sync rows removes the checkpoint too.
	if err := s.ClearSync(id); err != nil {
		t.Fatal(err)
	}
}

func TestSaveIncomingChecksum(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Millisecond)
	id := uuid.New()
	if err := s.InsertTransfer(id, "10.0.0.1", Incoming, testPaths(), base); err != nil {
		t.Fatal(err)
	}

	if err := s.SaveIncomingChecksum(id, "fid-a", "deadbeef"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Transfer(id)
	if got.PathByFileID("fid-a").Checksum != "deadbeef" {
		t.Fatalf("checksum = %q", got.PathByFileID("fid-a").Checksum)
	}
	if err := s.SaveIncomingChecksum(id, "no-such", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
