// Package reassembly collects inbound fragments into complete messages.
//
// Slots are keyed by (source MAC, msg_id). All fragments of a slot must
// agree on frag_total and PDU type; a mismatch invalidates the whole
// slot. Slots that do not complete within the configured timeout are
// evicted by a periodic sweep.
package reassembly

import (
	"errors"
	"sync"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/bitset"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
)

var (
	// ErrFragIndex rejects a fragment whose coordinates are impossible
	// (frag_total == 0 or frag_index >= frag_total).
	ErrFragIndex = errors.New("reassembly: fragment index out of range")

	// ErrMismatch rejects a fragment that disagrees with its slot's
	// frag_total or type; the slot is discarded.
	ErrMismatch = errors.New("reassembly: fragment does not match slot")
)

type key struct {
	src   frame.MAC
	msgID uint32
}

type slot struct {
	typ     protocol.Type
	total   uint16
	frags   [][]byte
	got     *bitset.Bitset
	firstAt time.Time
}

// Table holds in-progress reassemblies. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	slots   map[key]*slot
	timeout time.Duration
}

// New creates a Table that evicts incomplete slots older than timeout.
func New(timeout time.Duration) *Table {
	return &Table{
		slots:   make(map[key]*slot),
		timeout: timeout,
	}
}

// Add stores one fragment. When the fragment completes its message, the
// fragments' in-order concatenation is returned; otherwise nil. An error
// means the fragment (and possibly its slot) was discarded.
func (t *Table) Add(src frame.MAC, p protocol.PDU, at time.Time) ([]byte, error) {
	if p.FragTotal == 0 || p.FragIndex >= p.FragTotal {
		return nil, ErrFragIndex
	}
	if p.FragTotal == 1 {
		out := make([]byte, len(p.Payload))
		copy(out, p.Payload)
		return out, nil
	}

	k := key{src: src, msgID: p.MsgID}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[k]
	if !ok {
		s = &slot{
			typ:     p.Type,
			total:   p.FragTotal,
			frags:   make([][]byte, p.FragTotal),
			got:     bitset.New(int(p.FragTotal)),
			firstAt: at,
		}
		t.slots[k] = s
	}
	if s.total != p.FragTotal || s.typ != p.Type {
		delete(t.slots, k)
		return nil, ErrMismatch
	}
	if s.got.Set(int(p.FragIndex)) {
		buf := make([]byte, len(p.Payload))
		copy(buf, p.Payload)
		s.frags[p.FragIndex] = buf
	}
	if !s.got.Full() {
		return nil, nil
	}

	delete(t.slots, k)
	var n int
	for _, f := range s.frags {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range s.frags {
		out = append(out, f...)
	}
	return out, nil
}

// Sweep evicts slots whose first fragment is older than the table
// timeout and returns how many were dropped.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped int
	for k, s := range t.slots {
		if now.Sub(s.firstAt) > t.timeout {
			delete(t.slots, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of in-progress slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
