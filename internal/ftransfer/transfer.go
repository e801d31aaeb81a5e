// Package ftransfer implements the reliable file-transfer engine: the
// offer/accept handshake, the windowed send with per-fragment
// acknowledgment and retransmission, receiver-side deduplication, and
// digest verification.
//
// One scheduler goroutine drives every timer: offer retransmits,
// per-fragment retransmits, the completion wait, the receiver's accept
// timeout and stall detection. Handlers are invoked by the engine's
// receive loop; records are guarded by per-record mutexes and the two
// transfer tables by an engine-level mutex, so the receive loop and the
// scheduler never contend for long.
package ftransfer

import (
	"errors"
	"sync"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
	"github.com/crackbandicoot-dot/linkchat/internal/transport"
)

// Config carries the transfer timers and limits. Zero fields take the
// defaults below.
type Config struct {
	Window             int
	FragRetryInterval  time.Duration
	FragMaxRetries     int
	OfferRetryInterval time.Duration
	OfferMaxRetries    int
	CompleteTimeout    time.Duration
	RecvStallTimeout   time.Duration
	AcceptTimeout      time.Duration
	SaveDir            string

	// SchedTick is the scheduler granularity. Timers fire on the first
	// tick after their deadline.
	SchedTick time.Duration
}

const (
	defaultWindow             = 16
	defaultFragRetryInterval  = time.Second
	defaultFragMaxRetries     = 5
	defaultOfferRetryInterval = 2 * time.Second
	defaultOfferMaxRetries    = 3
	defaultCompleteTimeout    = 10 * time.Second
	defaultRecvStallTimeout   = 30 * time.Second
	defaultAcceptTimeout      = 2 * time.Second
	defaultSaveDir            = "received"
	defaultSchedTick          = 100 * time.Millisecond
)

func (c *Config) fillDefaults() {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.FragRetryInterval <= 0 {
		c.FragRetryInterval = defaultFragRetryInterval
	}
	if c.FragMaxRetries <= 0 {
		c.FragMaxRetries = defaultFragMaxRetries
	}
	if c.OfferRetryInterval <= 0 {
		c.OfferRetryInterval = defaultOfferRetryInterval
	}
	if c.OfferMaxRetries <= 0 {
		c.OfferMaxRetries = defaultOfferMaxRetries
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = defaultCompleteTimeout
	}
	if c.RecvStallTimeout <= 0 {
		c.RecvStallTimeout = defaultRecvStallTimeout
	}
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = defaultAcceptTimeout
	}
	if c.SaveDir == "" {
		c.SaveDir = defaultSaveDir
	}
	if c.SchedTick <= 0 {
		c.SchedTick = defaultSchedTick
	}
}

var (
	ErrTooLarge        = errors.New("ftransfer: file exceeds the maximum fragment count")
	ErrOfferIgnored    = errors.New("ftransfer: offer not acknowledged")
	ErrRetriesExceeded = errors.New("ftransfer: fragment retry limit exceeded")
	ErrNoComplete      = errors.New("ftransfer: no completion from receiver")
	ErrDigest          = errors.New("ftransfer: digest mismatch")
	ErrRejected        = errors.New("ftransfer: receiver rejected the offer")
	ErrStalled         = errors.New("ftransfer: transfer stalled")
	ErrPeerLost        = errors.New("ftransfer: peer went away")
	ErrShutdown        = errors.New("ftransfer: engine shut down")
)

type rkey struct {
	src frame.MAC
	id  uint32
}

// Engine runs both transfer directions over one transport.
type Engine struct {
	tr   transport.Transport
	cfg  Config
	seq  *protocol.Sequence
	emit func(event.Event)

	mu  sync.Mutex
	out map[uint32]*outbound
	in  map[rkey]*inbound

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an Engine. Call Start to launch the scheduler.
func New(tr transport.Transport, cfg Config, seq *protocol.Sequence, emit func(event.Event)) *Engine {
	cfg.fillDefaults()
	return &Engine{
		tr:     tr,
		cfg:    cfg,
		seq:    seq,
		emit:   emit,
		out:    make(map[uint32]*outbound),
		in:     make(map[rkey]*inbound),
		stopCh: make(chan struct{}),
	}
}

// Start launches the retransmission/timeout scheduler.
func (e *Engine) Start() {
	go e.schedLoop()
}

// Stop halts the scheduler and fails every in-flight transfer.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)

		e.mu.Lock()
		outs := make([]*outbound, 0, len(e.out))
		for _, ob := range e.out {
			outs = append(outs, ob)
		}
		ins := make([]*inbound, 0, len(e.in))
		for _, rec := range e.in {
			ins = append(ins, rec)
		}
		e.out = make(map[uint32]*outbound)
		e.in = make(map[rkey]*inbound)
		e.mu.Unlock()

		for _, ob := range outs {
			ob.mu.Lock()
			terminal := ob.state == StateDone || ob.state == StateFailed
			ob.state = StateFailed
			ob.mu.Unlock()
			if !terminal {
				e.emitSendFailed(ob, ErrShutdown)
			}
		}
		for _, rec := range ins {
			rec.mu.Lock()
			active := rec.state == RecvPending || rec.state == RecvReceiving
			rec.state = RecvFailed
			rec.mu.Unlock()
			if active {
				e.emitRecvFailed(rec, ErrShutdown)
			}
		}
	})
}

// PeerDown fails every transfer to or from mac. Called when discovery
// declares the peer dead.
func (e *Engine) PeerDown(mac frame.MAC) {
	e.mu.Lock()
	var outs []*outbound
	for id, ob := range e.out {
		if ob.dst == mac {
			outs = append(outs, ob)
			delete(e.out, id)
		}
	}
	var ins []*inbound
	for k, rec := range e.in {
		if k.src == mac {
			ins = append(ins, rec)
			delete(e.in, k)
		}
	}
	e.mu.Unlock()

	for _, ob := range outs {
		ob.mu.Lock()
		terminal := ob.state == StateDone || ob.state == StateFailed
		ob.state = StateFailed
		ob.mu.Unlock()
		if !terminal {
			e.emitSendFailed(ob, ErrPeerLost)
		}
	}
	for _, rec := range ins {
		rec.mu.Lock()
		active := rec.state == RecvPending || rec.state == RecvReceiving
		rec.state = RecvFailed
		rec.mu.Unlock()
		if active {
			e.emitRecvFailed(rec, ErrPeerLost)
		}
	}
}

func (e *Engine) schedLoop() {
	ticker := time.NewTicker(e.cfg.SchedTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.tickSenders(now)
			e.tickReceivers(now)
		}
	}
}

func (e *Engine) send(dst frame.MAC, p protocol.PDU) error {
	wire, err := p.Marshal()
	if err != nil {
		return err
	}
	return e.tr.Send(dst, wire)
}
