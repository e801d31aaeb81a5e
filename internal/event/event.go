// Package event delivers typed engine events to observers.
//
// Producers (the receive loop, timers, schedulers) enqueue onto a bounded
// queue; a single delivery goroutine drains the queue and invokes
// observer callbacks, so callbacks never run on an I/O thread. When the
// queue is full the oldest event is dropped and an overflow counter is
// incremented — a Go channel cannot express drop-oldest, so the queue is
// a small mutex-guarded ring.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

// Kind identifies what an Event reports.
type Kind int

const (
	PeerUp Kind = iota
	PeerDown
	MessageReceived
	FileOffer
	FileProgress
	FileReceived
	FileSendDone
	FileSendFailed
	TransportError
)

func (k Kind) String() string {
	names := [...]string{
		"peer-up", "peer-down", "message-received", "file-offer",
		"file-progress", "file-received", "file-send-done",
		"file-send-failed", "transport-error",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Event is one notification. Which fields are meaningful depends on Kind.
type Event struct {
	Kind Kind
	Peer frame.MAC
	At   time.Time

	Name     string // peer display name (PeerUp)
	Text     string // message body (MessageReceived)
	MsgID    uint32 // transfer identity (file events)
	Filename string
	Path     string // where a received file was stored
	Bytes    uint64 // bytes acked/received so far
	Total    uint64 // total transfer size
	DigestOK bool
	Err      error

	// Accept resolves a FileOffer. Call with true to accept, false to
	// reject; only the first call before the accept timeout has effect.
	Accept func(bool)
}

// Handler is an observer callback. Handlers run on the dispatcher
// goroutine and should not block.
type Handler func(Event)

const DefaultQueueSize = 1024

// Dispatcher owns the bounded event queue and the delivery goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[Kind][]Handler
	queue    []Event
	head     int
	count    int
	wake     chan struct{}

	overflows atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a Dispatcher with the given queue capacity
// (DefaultQueueSize when 0). Call Start to begin delivery.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Dispatcher{
		handlers: make(map[Kind][]Handler),
		queue:    make([]Event, capacity),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers h for events of the given kind.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

// Emit enqueues e for delivery. Safe from any goroutine; never blocks.
// If the queue is full the oldest queued event is discarded.
func (d *Dispatcher) Emit(e Event) {
	d.mu.Lock()
	if d.count == len(d.queue) {
		d.head = (d.head + 1) % len(d.queue)
		d.count--
		d.overflows.Add(1)
	}
	d.queue[(d.head+d.count)%len(d.queue)] = e
	d.count++
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Overflows returns the number of events dropped to make room.
func (d *Dispatcher) Overflows() uint64 {
	return d.overflows.Load()
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop halts delivery. Queued events that have not yet been delivered are
// discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		}
		for {
			e, ok := d.pop()
			if !ok {
				break
			}
			d.mu.Lock()
			hs := append([]Handler(nil), d.handlers[e.Kind]...)
			d.mu.Unlock()
			for _, h := range hs {
				h(e)
			}
		}
	}
}

func (d *Dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return Event{}, false
	}
	e := d.queue[d.head]
	d.queue[d.head] = Event{}
	d.head = (d.head + 1) % len(d.queue)
	d.count--
	return e, true
}
