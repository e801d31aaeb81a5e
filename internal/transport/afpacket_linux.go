package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

// AFPacket implements Transport over a raw AF_PACKET socket bound to one
// interface and the Link-Chat EtherType. A classic BPF program attached
// to the socket makes the kernel drop foreign EtherTypes before they
// cross into userspace; the read loop re-checks anyway.
type AFPacket struct {
	ifaceName string

	fd      int
	ifindex int
	mac     frame.MAC

	incoming chan Inbound
	errs     chan error

	wmu sync.Mutex // serializes socket writes

	closeOnce sync.Once
	closed    chan struct{}
}

// NewAFPacket creates a transport for the named interface. The socket is
// not opened until Start.
func NewAFPacket(ifaceName string) *AFPacket {
	return &AFPacket{
		ifaceName: ifaceName,
		fd:        -1,
		incoming:  make(chan Inbound, 512),
		errs:      make(chan error, 1),
		closed:    make(chan struct{}),
	}
}

func (t *AFPacket) Start() error {
	ifi, err := net.InterfaceByName(t.ifaceName)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInterfaceNotFound, t.ifaceName)
	}
	mac, err := frame.FromHardwareAddr(ifi.HardwareAddr)
	if err != nil {
		return fmt.Errorf("%w: %q has no usable MAC", ErrInterfaceNotFound, t.ifaceName)
	}

	proto := htons(frame.EtherType)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("transport: socket: %w", err)
	}

	if err := attachEtherTypeFilter(fd); err != nil {
		unix.Close(fd)
		return err
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: bind %q: %w", t.ifaceName, err)
	}

	t.fd = fd
	t.ifindex = ifi.Index
	t.mac = mac
	go t.readLoop()
	return nil
}

// attachEtherTypeFilter installs a classic BPF program that accepts only
// frames whose EtherType field equals ours.
func attachEtherTypeFilter(fd int) error {
	prog, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(frame.EtherType), SkipFalse: 1},
		bpf.RetConstant{Val: frame.HeaderSize + frame.MaxPayload},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return fmt.Errorf("transport: assemble filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("transport: attach filter: %w", err)
	}
	return nil
}

func (t *AFPacket) Send(dst frame.MAC, payload []byte) error {
	f := frame.Frame{
		Dst:       dst,
		Src:       t.mac,
		EtherType: frame.EtherType,
		Payload:   payload,
	}
	wire := f.Marshal()

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(frame.EtherType),
		Ifindex:  t.ifindex,
		Halen:    6,
	}
	copy(sll.Addr[:6], dst[:])

	t.wmu.Lock()
	err := unix.Sendto(t.fd, wire, 0, sll)
	t.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (t *AFPacket) Incoming() <-chan Inbound { return t.incoming }

func (t *AFPacket) Errors() <-chan error { return t.errs }

func (t *AFPacket) LocalMAC() frame.MAC { return t.mac }

func (t *AFPacket) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.fd >= 0 {
			unix.Close(t.fd) //nolint:errcheck
		}
	})
	return nil
}

func (t *AFPacket) readLoop() {
	buf := make([]byte, frame.HeaderSize+frame.MaxPayload)
	for {
		n, _, err := unix.Recvfrom(t.fd, buf, 0)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case t.errs <- fmt.Errorf("%w: %v", ErrRecvFailed, err):
			default:
			}
			return
		}
		at := time.Now()

		f, err := frame.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if f.EtherType != frame.EtherType {
			continue
		}
		if f.Src == t.mac {
			continue // our own transmission looped back
		}
		if f.Dst != t.mac && !f.Dst.IsBroadcast() {
			continue
		}
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		f.Payload = payload

		select {
		case t.incoming <- Inbound{Frame: f, At: at}:
		default:
			log.Printf("transport: inbound queue full, dropping frame from %s", f.Src)
		}
	}
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
