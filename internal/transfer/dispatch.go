// Package transfer owns the per-transfer state machines, the per-file
// workers and the event stream handed to the host.
package transfer

import (
	"sync"

	"github.com/google/uuid"

	"github.com/peerdrop/peerdrop/pkg/drop"
)

// dispatcher decouples event production from the host callback. The
// queue is unbounded so a slow host never backpressures the network
// path; memory is bounded by host responsiveness.
type dispatcher struct {
	sink drop.EventSink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []drop.Event
	closed  bool
	draining sync.WaitGroup

	// handed tracks transfers whose request announcement has left the
	// dispatcher. A cancel arriving before that suppresses both the
	// announcement and the cancel event.
	handedMu  sync.Mutex
	handed    map[uuid.UUID]bool
	suppressed map[uuid.UUID]bool
}

func newDispatcher(sink drop.EventSink) *dispatcher {
	d := &dispatcher{
		sink:       sink,
		handed:     make(map[uuid.UUID]bool),
		suppressed: make(map[uuid.UUID]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	d.draining.Add(1)
	go d.run()
	return d
}

// emit appends an event to the queue.
func (d *dispatcher) emit(ev drop.Event) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, ev)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

// suppress marks a transfer whose request announcement must not reach
// the host. Returns false if the announcement already left the
// dispatcher, in which case the cancel event must flow normally.
func (d *dispatcher) suppress(id uuid.UUID) bool {
	d.handedMu.Lock()
	defer d.handedMu.Unlock()
	if d.handed[id] {
		return false
	}
	d.suppressed[id] = true
	return true
}

// close drains the queue and blocks until every outstanding event has
// been handed to the host callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	d.draining.Wait()
}

func (d *dispatcher) run() {
	defer d.draining.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if d.deliverable(ev) {
			d.sink.OnEvent(ev)
		}
	}
}

// deliverable applies the suppression rule at the moment an event is
// about to leave the dispatcher.
func (d *dispatcher) deliverable(ev drop.Event) bool {
	d.handedMu.Lock()
	defer d.handedMu.Unlock()

	id := ev.TransferID()
	switch ev.(type) {
	case drop.RequestReceived, drop.RequestQueued:
		if d.suppressed[id] {
			return false
		}
		d.handed[id] = true
		return true
	case drop.TransferFinalized, drop.TransferFailed:
		if d.suppressed[id] {
			delete(d.suppressed, id)
			return false
		}
		delete(d.handed, id)
		return true
	default:
		return !d.suppressed[id]
	}
}
