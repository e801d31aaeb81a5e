package transport

import (
	"sync"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

// Segment is an in-process broadcast domain for tests. Every station
// attached to a Segment sees broadcast frames from every other station;
// unicast frames are delivered only to the matching MAC, mirroring the
// NIC+filter behavior of the real transport.
type Segment struct {
	mu       sync.Mutex
	stations map[frame.MAC]*Memory
	nextID   byte
}

// NewSegment creates an empty broadcast domain.
func NewSegment() *Segment {
	return &Segment{stations: make(map[frame.MAC]*Memory)}
}

// Attach creates a new station on the segment with a locally-administered
// MAC.
func (s *Segment) Attach() *Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	mac := frame.MAC{0x02, 0x00, 0x5E, 0x00, 0x00, s.nextID}
	m := &Memory{
		seg:      s,
		mac:      mac,
		incoming: make(chan Inbound, 1024),
	}
	s.stations[mac] = m
	return m
}

func (s *Segment) detach(mac frame.MAC) {
	s.mu.Lock()
	delete(s.stations, mac)
	s.mu.Unlock()
}

func (s *Segment) deliver(f frame.Frame) {
	s.mu.Lock()
	targets := make([]*Memory, 0, len(s.stations))
	for mac, m := range s.stations {
		if mac == f.Src {
			continue
		}
		if f.Dst.IsBroadcast() || f.Dst == mac {
			targets = append(targets, m)
		}
	}
	s.mu.Unlock()

	at := time.Now()
	for _, m := range targets {
		select {
		case m.incoming <- Inbound{Frame: f, At: at}:
		default:
			// Drop if the station's inbound buffer is full.
		}
	}
}

// Memory is one station on a Segment.
type Memory struct {
	seg      *Segment
	mac      frame.MAC
	incoming chan Inbound

	closeOnce sync.Once
}

func (m *Memory) Start() error { return nil }

func (m *Memory) Send(dst frame.MAC, payload []byte) error {
	// Round-trip through the codec so tests exercise the same wire bytes
	// as the real transport, pad included.
	f := frame.Frame{
		Dst:       dst,
		Src:       m.mac,
		EtherType: frame.EtherType,
		Payload:   payload,
	}
	parsed, err := frame.Unmarshal(f.Marshal())
	if err != nil {
		return err
	}
	m.seg.deliver(parsed)
	return nil
}

func (m *Memory) Incoming() <-chan Inbound { return m.incoming }

func (m *Memory) Errors() <-chan error { return nil }

func (m *Memory) LocalMAC() frame.MAC { return m.mac }

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.seg.detach(m.mac)
	})
	return nil
}
