// Package engine wires the transport, discovery, messaging and
// file-transfer subsystems into one protocol engine.
//
// Design:
//   - One goroutine blocks on the transport, decodes PDUs and demuxes
//     them to the engines by type. It never invokes user callbacks.
//   - Discovery and the transfer scheduler run their own timer
//     goroutines; the reassembly sweep runs here.
//   - All observer callbacks are delivered by the event dispatcher's
//     goroutine, decoupled from I/O.
//
// Construct the engine once, pass the handle around; Stop broadcasts a
// GOODBYE, fails in-flight transfers and tears the threads down.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/chat"
	"github.com/crackbandicoot-dot/linkchat/internal/config"
	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/ftransfer"
	"github.com/crackbandicoot-dot/linkchat/internal/peer"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
	"github.com/crackbandicoot-dot/linkchat/internal/transport"
)

// Options configures an Engine.
type Options struct {
	// Interface names the NIC to bind. Ignored when Transport is set.
	Interface string

	// Name is the display name announced in HELLOs.
	Name string

	// Transport overrides the AF_PACKET transport; tests inject a
	// memory segment here.
	Transport transport.Transport

	// Params carries the protocol timers; nil means defaults.
	Params *config.Config
}

// Stats are the engine's drop counters.
type Stats struct {
	ParseErrors         uint64
	ProtocolErrors      uint64
	DispatcherOverflows uint64
}

// Engine is the Link-Chat protocol engine.
type Engine struct {
	opts Options
	cfg  *config.Config
	tr   transport.Transport
	disp *event.Dispatcher

	seq   protocol.Sequence
	peers *peer.Discovery
	chat  *chat.Messenger
	files *ftransfer.Engine

	parseErrors atomic.Uint64
	protoErrors atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an Engine. If opts.Transport is nil, an AF_PACKET
// transport is created for opts.Interface.
func New(opts Options) (*Engine, error) {
	cfg := opts.Params
	if cfg == nil {
		cfg = config.Default()
	}
	tr := opts.Transport
	if tr == nil {
		if opts.Interface == "" {
			return nil, fmt.Errorf("engine: no interface configured")
		}
		tr = transport.NewAFPacket(opts.Interface)
	}

	e := &Engine{
		opts:   opts,
		cfg:    cfg,
		tr:     tr,
		disp:   event.NewDispatcher(event.DefaultQueueSize),
		stopCh: make(chan struct{}),
	}

	// Peer-down must reach the transfer engine before observers, so
	// in-flight transfers to a dead peer fail promptly.
	emit := func(ev event.Event) {
		if ev.Kind == event.PeerDown {
			e.files.PeerDown(ev.Peer)
		}
		e.disp.Emit(ev)
	}

	e.peers = peer.New(tr, peer.Config{
		Name:          opts.Name,
		HelloInterval: cfg.HelloInterval.Std(),
		SweepInterval: cfg.HelloInterval.Std(),
		StaleAfter:    cfg.PeerStaleAfter.Std(),
		DeadAfter:     cfg.PeerDeadAfter.Std(),
	}, &e.seq, emit)

	e.chat = chat.New(tr, &e.seq, cfg.ReassemblyTimeout.Std(), e.disp.Emit)

	e.files = ftransfer.New(tr, ftransfer.Config{
		Window:             cfg.FileWindow,
		FragRetryInterval:  cfg.FileFragRetryInterval.Std(),
		FragMaxRetries:     cfg.FileFragMaxRetries,
		OfferRetryInterval: cfg.FileOfferRetryInterval.Std(),
		OfferMaxRetries:    cfg.FileOfferMaxRetries,
		CompleteTimeout:    cfg.FileCompleteTimeout.Std(),
		RecvStallTimeout:   cfg.FileRecvStallTimeout.Std(),
		AcceptTimeout:      cfg.FileAcceptTimeout.Std(),
		SaveDir:            cfg.DownloadDir,
	}, &e.seq, e.disp.Emit)

	return e, nil
}

// Start opens the transport and launches every background goroutine.
// Transport errors here (missing interface, missing privilege) are
// fatal.
func (e *Engine) Start() error {
	if err := e.tr.Start(); err != nil {
		return fmt.Errorf("engine: transport start: %w", err)
	}
	e.disp.Start()
	e.peers.Start()
	e.files.Start()
	go e.receiveLoop()
	go e.sweepLoop()
	return nil
}

// Stop announces departure, fails in-flight transfers and shuts down.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.peers.Stop() // broadcasts GOODBYE while the socket is still open
		e.files.Stop()
		close(e.stopCh)
		e.tr.Close() //nolint:errcheck
		e.disp.Stop()
	})
}

// Subscribe registers an observer callback for one event kind.
func (e *Engine) Subscribe(kind event.Kind, h event.Handler) {
	e.disp.Subscribe(kind, h)
}

// SendText sends a UTF-8 message to dst, which may be the broadcast
// address. Best-effort; no acknowledgment.
func (e *Engine) SendText(dst frame.MAC, text string) error {
	return e.chat.SendText(dst, text)
}

// SendFile starts a reliable transfer of path to dst and returns its
// msg_id. The outcome is reported via file-send-done / file-send-failed
// events carrying the same msg_id.
func (e *Engine) SendFile(dst frame.MAC, path string) (uint32, error) {
	return e.files.SendFile(dst, path)
}

// Peers returns the live peer table.
func (e *Engine) Peers() []peer.Record {
	return e.peers.Peers()
}

// LocalMAC returns this station's hardware address.
func (e *Engine) LocalMAC() frame.MAC {
	return e.tr.LocalMAC()
}

// Stats returns the engine's drop counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ParseErrors:         e.parseErrors.Load(),
		ProtocolErrors:      e.protoErrors.Load(),
		DispatcherOverflows: e.disp.Overflows(),
	}
}

func (e *Engine) receiveLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case err := <-e.tr.Errors():
			e.disp.Emit(event.Event{Kind: event.TransportError, Err: err, At: time.Now()})
		case in, ok := <-e.tr.Incoming():
			if !ok {
				return
			}
			e.handleFrame(in)
		}
	}
}

func (e *Engine) handleFrame(in transport.Inbound) {
	f := in.Frame
	if f.EtherType != frame.EtherType {
		return
	}
	p, err := protocol.Unmarshal(f.Payload)
	if err != nil {
		e.parseErrors.Add(1)
		return
	}

	switch p.Type {
	case protocol.TypeHello:
		e.peers.HandleHello(f.Src, p, in.At)
	case protocol.TypeHelloAck:
		e.peers.HandleHelloAck(f.Src, p, in.At)
	case protocol.TypeGoodbye:
		e.peers.HandleGoodbye(f.Src, in.At)
	case protocol.TypeText:
		if err := e.chat.HandleText(f.Src, p, in.At); err != nil {
			e.protoErrors.Add(1)
		}
	case protocol.TypeFileOffer:
		if err := e.files.HandleOffer(f.Src, p, in.At); err != nil {
			e.protoErrors.Add(1)
		}
	case protocol.TypeFileData:
		if err := e.files.HandleData(f.Src, p, in.At); err != nil {
			e.protoErrors.Add(1)
		}
	case protocol.TypeFileAck:
		if err := e.files.HandleAck(f.Src, p, in.At); err != nil {
			e.protoErrors.Add(1)
		}
	case protocol.TypeFileComplete:
		if err := e.files.HandleComplete(f.Src, p, in.At); err != nil {
			e.protoErrors.Add(1)
		}
	}
}

// sweepLoop evicts stale reassembly slots.
func (e *Engine) sweepLoop() {
	interval := e.cfg.ReassemblyTimeout.Std() / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.chat.Sweep(now)
		}
	}
}
