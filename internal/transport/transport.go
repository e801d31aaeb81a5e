// Package transport defines the raw frame I/O interface and provides
// implementations for production (AF_PACKET) and testing (in-memory
// broadcast segment).
package transport

import (
	"errors"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

// Inbound is one received frame plus its arrival timestamp.
type Inbound struct {
	Frame frame.Frame
	At    time.Time
}

// Transport abstracts link-layer frame I/O. The engine uses this
// interface exclusively so that tests can inject an in-memory segment
// without raw-socket privileges.
type Transport interface {
	// Start opens the underlying socket and begins receiving.
	Start() error

	// Send transmits payload to dst in one frame, with the local MAC as
	// source and the Link-Chat EtherType. Synchronous; no buffering or
	// retry — upper engines own retry policy.
	Send(dst frame.MAC, payload []byte) error

	// Incoming returns the channel of received frames. Only frames
	// carrying our EtherType and addressed to this station (or broadcast)
	// are delivered.
	Incoming() <-chan Inbound

	// Errors reports asynchronous receive failures. May return nil when
	// the implementation cannot fail after Start.
	Errors() <-chan error

	// LocalMAC returns the interface's hardware address.
	LocalMAC() frame.MAC

	// Close shuts the transport down and unblocks any receive in flight.
	Close() error
}

var (
	ErrInterfaceNotFound = errors.New("transport: interface not found")
	ErrPermissionDenied  = errors.New("transport: permission denied (raw sockets need CAP_NET_RAW)")
	ErrSendFailed        = errors.New("transport: send failed")
	ErrRecvFailed        = errors.New("transport: receive failed")
	ErrClosed            = errors.New("transport: closed")
)
