package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/pkg/drop"
)

type collectingSink struct {
	mu     sync.Mutex
	events []drop.Event
}

func (c *collectingSink) OnEvent(ev drop.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectingSink) snapshot() []drop.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]drop.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &collectingSink{}
	d := newDispatcher(sink)

	id := uuid.New()
	base := drop.EventBase{Transfer: id, At: time.Now()}
	d.emit(drop.RequestReceived{EventBase: base})
	d.emit(drop.FilePending{EventBase: base, FileID: "f"})
	d.emit(drop.FileStarted{EventBase: base, FileID: "f"})
	d.emit(drop.TransferFinalized{EventBase: base, ByPeer: true})
	d.close()

	got := sink.snapshot()
	if len(got) != 4 {
		t.Fatalf("delivered %d events, want 4", len(got))
	}
	if _, ok := got[0].(drop.RequestReceived); !ok {
		t.Fatalf("event 0 = %T", got[0])
	}
	if _, ok := got[3].(drop.TransferFinalized); !ok {
		t.Fatalf("event 3 = %T", got[3])
	}
}

func TestDispatcherSuppressesCancelBeforeAnnouncement(t *testing.T) {
	sink := &collectingSink{}
	d := newDispatcher(sink)

	id := uuid.New()
	base := drop.EventBase{Transfer: id, At: time.Now()}

	// The cancel arrives before the announcement has left the
	// dispatcher: both the request and the terminal event vanish.
	if !d.suppress(id) {
		t.Fatal("suppress should succeed before the announcement is handed over")
	}
	d.emit(drop.RequestReceived{EventBase: base})
	d.emit(drop.TransferFinalized{EventBase: base, ByPeer: true})
	d.close()

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("delivered %d events, want none: %v", len(got), got)
	}
}

func TestDispatcherDoesNotSuppressAfterAnnouncement(t *testing.T) {
	sink := &collectingSink{}
	d := newDispatcher(sink)

	id := uuid.New()
	base := drop.EventBase{Transfer: id, At: time.Now()}
	d.emit(drop.RequestReceived{EventBase: base})

	// Wait until the announcement has been handed to the host.
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("announcement never delivered")
		}
		time.Sleep(time.Millisecond)
	}

	if d.suppress(id) {
		t.Fatal("suppress must fail once the announcement left the dispatcher")
	}
	d.emit(drop.TransferFinalized{EventBase: base, ByPeer: true})
	d.close()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	if _, ok := got[1].(drop.TransferFinalized); !ok {
		t.Fatalf("event 1 = %T, want TransferFinalized", got[1])
	}
}

func TestDispatcherOtherTransfersUnaffected(t *testing.T) {
	sink := &collectingSink{}
	d := newDispatcher(sink)

	suppressed := uuid.New()
	other := uuid.New()
	d.suppress(suppressed)
	d.emit(drop.RequestReceived{EventBase: drop.EventBase{Transfer: suppressed}})
	d.emit(drop.RequestReceived{EventBase: drop.EventBase{Transfer: other}})
	d.close()

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].TransferID() != other {
		t.Fatalf("delivered wrong transfer's event")
	}
}

func TestDispatcherCloseDrains(t *testing.T) {
	sink := &collectingSink{}
	d := newDispatcher(sink)

	id := uuid.New()
	for i := 0; i < 1000; i++ {
		d.emit(drop.FileProgress{EventBase: drop.EventBase{Transfer: id}, FileID: "f", Transferred: uint64(i)})
	}
	d.close()

	if got := len(sink.snapshot()); got != 1000 {
		t.Fatalf("delivered %d events, want all 1000 before close returns", got)
	}
}
