// Package eventbus implements the queue of sync triggers feeding the sync
// engine (C10): an unbounded, first-in first-out queue that any goroutine
// may push to and a single consumer drains.
//
// Grounded on the teacher's channel-based Subscribe(topic) <-chan Message
// in core/network.go, generalized from a pubsub-topic channel to an
// internal, unbounded event queue (a raw Go channel is bounded by its
// buffer size, which would let a slow consumer block producers — spec.md
// §4.10 requires unbounded, so the queue itself is a mutex-guarded slice
// with a condition variable rather than a bare channel).
package eventbus

import (
	"sync"

	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

// EventKind tags which sync-engine event a Event carries (spec.md §4.8).
type EventKind uint8

const (
	Pull EventKind = iota
	Push
	PeerAnnounce
	Retry
)

// Event is one trigger for the sync engine.
type Event struct {
	Kind           EventKind
	BucketID       [16]byte
	NewLink        linkdata.Link
	PreviousLink   *linkdata.Link      // present for Push/PeerAnnounce when known
	PeerID         string              // transport-level address, present for PeerAnnounce
	SenderIdentity cryptutil.PublicKey // announcer's bucket identity, present for PeerAnnounce
}

// Bus is an unbounded FIFO queue with a single logical consumer (Next is
// safe to call concurrently, but spec.md's ordering guarantee — processed
// in arrival order — only holds when a single goroutine drains it, which
// is how the sync engine is wired).
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	closed  bool
}

// New creates an empty event bus.
func New() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push enqueues an event. Never blocks: the queue is unbounded.
func (b *Bus) Push(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
}

// Next blocks until an event is available or the bus is closed, returning
// ok=false in the latter case once the queue has drained.
func (b *Bus) Next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// Close stops the bus: pending events already queued are still delivered
// via Next; once drained, Next returns ok=false. Matches spec.md §5's
// shutdown rule that the sync consumer drains until the event channel
// closes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len reports the number of events currently queued, for tests and
// telemetry.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
