// Package peer implements discovery: the peer table and the HELLO /
// HELLO-ACK / GOODBYE state tracking.
//
// A timer goroutine broadcasts HELLO every hello interval; a second
// fires the liveness sweep that demotes quiet peers to STALE and then
// DEAD. DEAD peers are removed immediately, so they never appear in
// query results; a peer that reappears later is inserted as a fresh
// record with a new FirstSeen.
package peer

import (
	"log"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
	"github.com/crackbandicoot-dot/linkchat/internal/transport"
)

// State is a peer's liveness classification.
type State int

const (
	Active State = iota
	Stale
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Stale:
		return "STALE"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// Record is one known peer.
type Record struct {
	MAC       frame.MAC
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
	State     State
}

// Config holds the discovery timers and the local display name.
type Config struct {
	Name          string
	HelloInterval time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	DeadAfter     time.Duration
}

// Discovery owns the peer table and the announcement loops.
type Discovery struct {
	tr   transport.Transport
	cfg  Config
	seq  *protocol.Sequence
	emit func(event.Event)

	mu    sync.Mutex
	peers map[frame.MAC]*Record

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Discovery. Events are delivered via emit.
func New(tr transport.Transport, cfg Config, seq *protocol.Sequence, emit func(event.Event)) *Discovery {
	return &Discovery{
		tr:     tr,
		cfg:    cfg,
		seq:    seq,
		emit:   emit,
		peers:  make(map[frame.MAC]*Record),
		stopCh: make(chan struct{}),
	}
}

// Start announces immediately, then launches the hello and sweep loops.
func (d *Discovery) Start() {
	d.sendHello(protocol.TypeHello, frame.Broadcast)
	go d.helloLoop()
	go d.sweepLoop()
}

// Stop broadcasts one GOODBYE and halts the loops.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.sendGoodbye()
	})
}

// Peers returns a snapshot of the table, most recently seen first. DEAD
// peers are removed on transition and never appear here.
func (d *Discovery) Peers() []Record {
	d.mu.Lock()
	out := make([]Record, 0, len(d.peers))
	for _, r := range d.peers {
		out = append(out, *r)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Lookup returns the record for mac, if known.
func (d *Discovery) Lookup(mac frame.MAC) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.peers[mac]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// HandleHello processes an inbound HELLO and replies with a unicast
// HELLO-ACK.
func (d *Discovery) HandleHello(src frame.MAC, p protocol.PDU, at time.Time) {
	d.observe(src, displayName(p.Payload), at)
	d.sendHello(protocol.TypeHelloAck, src)
}

// HandleHelloAck processes an inbound HELLO-ACK. Same state tracking as
// HELLO, but no reply.
func (d *Discovery) HandleHelloAck(src frame.MAC, p protocol.PDU, at time.Time) {
	d.observe(src, displayName(p.Payload), at)
}

// HandleGoodbye removes src from the table and reports it down.
func (d *Discovery) HandleGoodbye(src frame.MAC, at time.Time) {
	d.mu.Lock()
	r, ok := d.peers[src]
	if ok {
		r.State = Dead
		delete(d.peers, src)
	}
	d.mu.Unlock()
	if ok {
		d.emit(event.Event{Kind: event.PeerDown, Peer: src, Name: r.Name, At: at})
	}
}

func (d *Discovery) observe(src frame.MAC, name string, at time.Time) {
	d.mu.Lock()
	r, ok := d.peers[src]
	if ok {
		r.LastSeen = at
		r.State = Active
		if name != "" {
			r.Name = name
		}
		d.mu.Unlock()
		return
	}
	d.peers[src] = &Record{
		MAC:       src,
		Name:      name,
		FirstSeen: at,
		LastSeen:  at,
		State:     Active,
	}
	d.mu.Unlock()
	d.emit(event.Event{Kind: event.PeerUp, Peer: src, Name: name, At: at})
}

func (d *Discovery) helloLoop() {
	ticker := time.NewTicker(d.cfg.HelloInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sendHello(protocol.TypeHello, frame.Broadcast)
		}
	}
}

func (d *Discovery) sweepLoop() {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Discovery) sweep(now time.Time) {
	var down []Record
	d.mu.Lock()
	for mac, r := range d.peers {
		age := now.Sub(r.LastSeen)
		switch {
		case age > d.cfg.DeadAfter:
			r.State = Dead
			delete(d.peers, mac)
			down = append(down, *r)
		case age > d.cfg.StaleAfter:
			r.State = Stale
		}
	}
	d.mu.Unlock()
	for _, r := range down {
		d.emit(event.Event{Kind: event.PeerDown, Peer: r.MAC, Name: r.Name, At: now})
	}
}

func (d *Discovery) sendHello(typ protocol.Type, dst frame.MAC) {
	name := d.cfg.Name
	if len(name) > protocol.MaxHelloName {
		name = name[:protocol.MaxHelloName]
	}
	p := protocol.PDU{
		Version:   protocol.Version,
		Type:      typ,
		MsgID:     d.seq.Next(),
		FragIndex: 0,
		FragTotal: 1,
		Payload:   []byte(name),
	}
	wire, err := p.Marshal()
	if err != nil {
		return
	}
	if err := d.tr.Send(dst, wire); err != nil {
		log.Printf("peer: %s to %s: %v", typ, dst, err)
	}
}

func (d *Discovery) sendGoodbye() {
	p := protocol.PDU{
		Version:   protocol.Version,
		Type:      protocol.TypeGoodbye,
		MsgID:     d.seq.Next(),
		FragTotal: 1,
	}
	wire, err := p.Marshal()
	if err != nil {
		return
	}
	if err := d.tr.Send(frame.Broadcast, wire); err != nil {
		log.Printf("peer: goodbye: %v", err)
	}
}

// displayName trims a HELLO payload to a valid name, dropping anything
// over the limit or not UTF-8.
func displayName(b []byte) string {
	if len(b) > protocol.MaxHelloName {
		b = b[:protocol.MaxHelloName]
	}
	if !utf8.Valid(b) {
		return ""
	}
	return string(b)
}
