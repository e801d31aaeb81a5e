package ftransfer

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/bitset"
	"github.com/crackbandicoot-dot/linkchat/internal/event"
	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
)

// SendState is the sender-side transfer state.
type SendState int

const (
	StateOffering SendState = iota
	StateSending
	StateAwaitingComplete
	StateDone
	StateFailed
)

func (s SendState) String() string {
	switch s {
	case StateOffering:
		return "OFFERING"
	case StateSending:
		return "SENDING"
	case StateAwaitingComplete:
		return "AWAITING_COMPLETE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// outbound is one transfer this node is sending.
type outbound struct {
	mu sync.Mutex

	id       uint32
	dst      frame.MAC
	filename string
	size     uint64
	digest   [protocol.DigestSize]byte
	frags    [][]byte

	state      SendState
	acked      *bitset.Bitset
	bytesAcked uint64

	offerAt    time.Time
	offerTries int

	// sentAt[i] is zero until fragment i is first transmitted.
	sentAt   []time.Time
	tries    []int
	inflight int
	next     int

	completeBy time.Time
	start      time.Time
}

// SendFile reads path, announces it to dst and returns the transfer's
// msg_id. The transfer proceeds asynchronously; its outcome arrives as a
// file-send-done or file-send-failed event carrying the same msg_id.
func (e *Engine) SendFile(dst frame.MAC, path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("ftransfer: %w", err)
	}
	frags := protocol.Split(data)
	if len(frags) > 0xFFFF {
		return 0, ErrTooLarge
	}

	now := time.Now()
	ob := &outbound{
		id:       e.seq.Next(),
		dst:      dst,
		filename: filepath.Base(path),
		size:     uint64(len(data)),
		digest:   sha256.Sum256(data),
		frags:    frags,
		state:    StateOffering,
		acked:    bitset.New(len(frags)),
		sentAt:   make([]time.Time, len(frags)),
		tries:    make([]int, len(frags)),
		start:    now,
	}

	e.mu.Lock()
	e.out[ob.id] = ob
	e.mu.Unlock()

	e.sendOffer(ob, now)
	return ob.id, nil
}

func (e *Engine) sendOffer(ob *outbound, now time.Time) {
	offer := protocol.FileOffer{
		Size:      ob.size,
		FragTotal: uint32(len(ob.frags)),
		Filename:  ob.filename,
		Digest:    ob.digest,
	}
	body, err := offer.Marshal()
	if err != nil {
		e.failSend(ob, err)
		return
	}
	ob.mu.Lock()
	ob.offerAt = now
	ob.offerTries++
	ob.mu.Unlock()

	e.send(ob.dst, protocol.PDU{ //nolint:errcheck
		Version:   protocol.Version,
		Type:      protocol.TypeFileOffer,
		Flags:     protocol.FlagAckRequired,
		MsgID:     ob.id,
		FragTotal: 1,
		Payload:   body,
	})
}

func (e *Engine) sendFragment(ob *outbound, i int) {
	var flags byte = protocol.FlagAckRequired
	if i < len(ob.frags)-1 {
		flags |= protocol.FlagMoreFragments
	}
	e.send(ob.dst, protocol.PDU{ //nolint:errcheck
		Version:   protocol.Version,
		Type:      protocol.TypeFileData,
		Flags:     flags,
		MsgID:     ob.id,
		FragIndex: uint16(i),
		FragTotal: uint16(len(ob.frags)),
		Payload:   ob.frags[i],
	})
}

// fillWindowLocked marks fragments as sent until the window is full or
// everything has been sent once. Returns the indices to transmit; the
// caller holds ob.mu and sends them after releasing it.
func (ob *outbound) fillWindowLocked(window int, now time.Time) []int {
	var toSend []int
	for ob.inflight < window && ob.next < len(ob.frags) {
		i := ob.next
		ob.next++
		if ob.acked.Has(i) {
			continue
		}
		ob.sentAt[i] = now
		ob.tries[i] = 1
		ob.inflight++
		toSend = append(toSend, i)
	}
	return toSend
}

// HandleAck processes a FILE-ACK addressed to one of our transfers: the
// offer-acceptance sentinel starts the window, a fragment ack advances
// it.
func (e *Engine) HandleAck(src frame.MAC, p protocol.PDU, at time.Time) error {
	ack, err := protocol.UnmarshalFileAck(p.Payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	ob := e.out[ack.MsgID]
	e.mu.Unlock()
	if ob == nil || ob.dst != src {
		return nil // stale or foreign ack
	}

	ob.mu.Lock()
	var toSend []int
	var progress *event.Event
	switch {
	case ack.FragIndex == protocol.AckIndexOffer:
		if ob.state == StateOffering {
			ob.state = StateSending
			toSend = ob.fillWindowLocked(e.cfg.Window, at)
		}

	case ob.state == StateSending || ob.state == StateOffering:
		i := int(ack.FragIndex)
		if i >= len(ob.frags) {
			ob.mu.Unlock()
			return protocol.ErrBadBody
		}
		if ob.acked.Set(i) {
			if !ob.sentAt[i].IsZero() {
				ob.inflight--
			}
			ob.bytesAcked += uint64(len(ob.frags[i]))
			progress = &event.Event{
				Kind:     event.FileProgress,
				Peer:     ob.dst,
				MsgID:    ob.id,
				Filename: ob.filename,
				Bytes:    ob.bytesAcked,
				Total:    ob.size,
				At:       at,
			}
			if ob.acked.Full() {
				ob.state = StateAwaitingComplete
				ob.completeBy = at.Add(e.cfg.CompleteTimeout)
			} else {
				toSend = ob.fillWindowLocked(e.cfg.Window, at)
			}
		}
	}
	ob.mu.Unlock()

	for _, i := range toSend {
		e.sendFragment(ob, i)
	}
	if progress != nil {
		e.emit(*progress)
	}
	return nil
}

// HandleComplete finishes a transfer when the receiver reports the
// digest verdict.
func (e *Engine) HandleComplete(src frame.MAC, p protocol.PDU, at time.Time) error {
	comp, err := protocol.UnmarshalFileComplete(p.Payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	ob := e.out[comp.MsgID]
	if ob != nil && ob.dst == src {
		delete(e.out, comp.MsgID)
	}
	e.mu.Unlock()
	if ob == nil || ob.dst != src {
		return nil
	}

	ob.mu.Lock()
	terminal := ob.state == StateDone || ob.state == StateFailed
	if comp.OK {
		ob.state = StateDone
	} else {
		ob.state = StateFailed
	}
	ob.mu.Unlock()
	if terminal {
		return nil
	}

	if comp.OK {
		e.emit(event.Event{
			Kind:     event.FileSendDone,
			Peer:     ob.dst,
			MsgID:    ob.id,
			Filename: ob.filename,
			Bytes:    ob.size,
			Total:    ob.size,
			DigestOK: true,
			At:       at,
		})
	} else if ob.acked.Full() {
		e.emitSendFailed(ob, ErrDigest)
	} else {
		// FILE-COMPLETE before all acks means the receiver rejected the
		// offer.
		e.emitSendFailed(ob, ErrRejected)
	}
	return nil
}

// tickSenders runs the offer retransmit, fragment retransmit and
// completion timers.
func (e *Engine) tickSenders(now time.Time) {
	e.mu.Lock()
	obs := make([]*outbound, 0, len(e.out))
	for _, ob := range e.out {
		obs = append(obs, ob)
	}
	e.mu.Unlock()

	for _, ob := range obs {
		var resend []int
		var resendOffer bool
		var failErr error

		ob.mu.Lock()
		switch ob.state {
		case StateOffering:
			if now.Sub(ob.offerAt) >= e.cfg.OfferRetryInterval {
				if ob.offerTries >= e.cfg.OfferMaxRetries {
					failErr = ErrOfferIgnored
				} else {
					resendOffer = true
				}
			}

		case StateSending:
			for i := range ob.frags {
				if ob.sentAt[i].IsZero() || ob.acked.Has(i) {
					continue
				}
				if now.Sub(ob.sentAt[i]) < e.cfg.FragRetryInterval {
					continue
				}
				if ob.tries[i] >= e.cfg.FragMaxRetries {
					failErr = fmt.Errorf("%w (fragment %d)", ErrRetriesExceeded, i)
					break
				}
				ob.sentAt[i] = now
				ob.tries[i]++
				resend = append(resend, i)
			}

		case StateAwaitingComplete:
			if now.After(ob.completeBy) {
				failErr = ErrNoComplete
			}
		}
		ob.mu.Unlock()

		if failErr != nil {
			e.failSend(ob, failErr)
			continue
		}
		if resendOffer {
			e.sendOffer(ob, now)
		}
		for _, i := range resend {
			e.sendFragment(ob, i)
		}
	}
}

func (e *Engine) failSend(ob *outbound, err error) {
	e.mu.Lock()
	delete(e.out, ob.id)
	e.mu.Unlock()

	ob.mu.Lock()
	terminal := ob.state == StateDone || ob.state == StateFailed
	ob.state = StateFailed
	ob.mu.Unlock()
	if !terminal {
		e.emitSendFailed(ob, err)
	}
}

func (e *Engine) emitSendFailed(ob *outbound, err error) {
	e.emit(event.Event{
		Kind:     event.FileSendFailed,
		Peer:     ob.dst,
		MsgID:    ob.id,
		Filename: ob.filename,
		Bytes:    ob.bytesAcked,
		Total:    ob.size,
		Err:      err,
		At:       time.Now(),
	})
}
