// Package chat implements the text messaging engine: outbound
// fragmentation of TEXT messages and inbound reassembly into
// message-received events.
//
// Text is best-effort: fragments are emitted in order with no
// acknowledgment, and a message whose fragments never all arrive is
// evicted by the reassembly sweep.
package chat

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
	"github.com/crackbandicoot-dot/linkchat/internal/reassembly"
	"github.com/crackbandicoot-dot/linkchat/internal/transport"
)

var (
	// ErrInvalidUTF8 rejects a reassembled message that does not decode
	// as UTF-8.
	ErrInvalidUTF8 = errors.New("chat: message is not valid UTF-8")

	// ErrTooLong rejects a message that would need more fragments than
	// the header can count.
	ErrTooLong = errors.New("chat: message exceeds the maximum fragment count")
)

// Messenger sends and receives TEXT messages.
type Messenger struct {
	tr    transport.Transport
	seq   *protocol.Sequence
	reasm *reassembly.Table
	emit  func(event.Event)
}

// New creates a Messenger with its own reassembly table.
func New(tr transport.Transport, seq *protocol.Sequence, reassemblyTimeout time.Duration, emit func(event.Event)) *Messenger {
	return &Messenger{
		tr:    tr,
		seq:   seq,
		reasm: reassembly.New(reassemblyTimeout),
		emit:  emit,
	}
}

// SendText fragments text and emits one TEXT PDU per fragment, in order.
// dst may be the broadcast address.
func (m *Messenger) SendText(dst frame.MAC, text string) error {
	frags := protocol.Split([]byte(text))
	if len(frags) > 0xFFFF {
		return ErrTooLong
	}
	id := m.seq.Next()
	total := uint16(len(frags))
	for i, f := range frags {
		var flags byte
		if i < len(frags)-1 {
			flags |= protocol.FlagMoreFragments
		}
		p := protocol.PDU{
			Version:   protocol.Version,
			Type:      protocol.TypeText,
			Flags:     flags,
			MsgID:     id,
			FragIndex: uint16(i),
			FragTotal: total,
			Payload:   f,
		}
		wire, err := p.Marshal()
		if err != nil {
			return err
		}
		if err := m.tr.Send(dst, wire); err != nil {
			return fmt.Errorf("chat: fragment %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

// HandleText stores one inbound fragment and emits a message-received
// event when it completes a message. The returned error reports a
// protocol violation the caller should count.
func (m *Messenger) HandleText(src frame.MAC, p protocol.PDU, at time.Time) error {
	data, err := m.reasm.Add(src, p, at)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	m.emit(event.Event{
		Kind: event.MessageReceived,
		Peer: src,
		Text: string(data),
		At:   at,
	})
	return nil
}

// Sweep evicts reassembly slots older than the timeout.
func (m *Messenger) Sweep(now time.Time) int {
	return m.reasm.Sweep(now)
}
