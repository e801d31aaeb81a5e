package ftransfer

import (
	"bytes"
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

// RecvState is the receiver-side transfer state.
type RecvState int

const (
	RecvPending RecvState = iota
	RecvReceiving
	RecvVerifying
	RecvDone
	RecvFailed
)

func (s RecvState) String() string {
	switch s {
	case RecvPending:
		return "PENDING"
	case RecvReceiving:
		return "RECEIVING"
	case RecvVerifying:
		return "VERIFYING"
	case RecvDone:
		return "DONE"
	case RecvFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// inbound is one transfer this node is receiving.
type inbound struct {
	mu sync.Mutex

	id    uint32
	src   frame.MAC
	offer protocol.FileOffer

	frags [][]byte
	got   *bitset.Bitset

	state        RecvState
	offeredAt    time.Time
	decided      bool
	lastProgress time.Time
}

// HandleOffer registers an announced transfer and asks observers whether
// to accept it. A retransmitted offer for an already-accepted transfer
// re-sends the acceptance (the original may have been lost).
func (e *Engine) HandleOffer(src frame.MAC, p protocol.PDU, at time.Time) error {
	offer, err := protocol.UnmarshalFileOffer(p.Payload)
	if err != nil {
		return err
	}
	if offer.FragTotal == 0 || offer.FragTotal > 0xFFFF {
		return protocol.ErrBadBody
	}

	k := rkey{src: src, id: p.MsgID}

	e.mu.Lock()
	rec := e.in[k]
	if rec == nil {
		rec = &inbound{
			id:           p.MsgID,
			src:          src,
			offer:        offer,
			frags:        make([][]byte, offer.FragTotal),
			got:          bitset.New(int(offer.FragTotal)),
			state:        RecvPending,
			offeredAt:    at,
			lastProgress: at,
		}
		e.in[k] = rec
		e.mu.Unlock()

		e.emit(event.Event{
			Kind:     event.FileOffer,
			Peer:     src,
			MsgID:    p.MsgID,
			Filename: offer.Filename,
			Total:    offer.Size,
			At:       at,
			Accept:   func(ok bool) { e.resolveOffer(k, ok) },
		})
		return nil
	}
	e.mu.Unlock()

	rec.mu.Lock()
	accepted := rec.decided && rec.state == RecvReceiving
	rec.mu.Unlock()
	if accepted {
		e.sendAck(rec, protocol.AckIndexOffer)
	}
	return nil
}

// resolveOffer settles an offer decision. Only the first resolution
// counts; later calls are no-ops.
func (e *Engine) resolveOffer(k rkey, ok bool) {
	e.mu.Lock()
	rec := e.in[k]
	e.mu.Unlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	if rec.decided {
		rec.mu.Unlock()
		return
	}
	rec.decided = true
	if ok {
		rec.state = RecvReceiving
		rec.lastProgress = time.Now()
	} else {
		rec.state = RecvFailed
	}
	rec.mu.Unlock()

	if ok {
		e.sendAck(rec, protocol.AckIndexOffer)
	} else {
		e.mu.Lock()
		if e.in[k] == rec {
			delete(e.in, k)
		}
		e.mu.Unlock()
		e.sendComplete(rec, false)
	}
}

// HandleData stores one fragment and always acknowledges it, duplicates
// included, so the sender can recover from lost ACKs.
func (e *Engine) HandleData(src frame.MAC, p protocol.PDU, at time.Time) error {
	e.mu.Lock()
	rec := e.in[rkey{src: src, id: p.MsgID}]
	e.mu.Unlock()
	if rec == nil {
		return nil // unknown transfer; nothing to acknowledge
	}

	rec.mu.Lock()
	if rec.state == RecvDone {
		// Late duplicate after completion: the sender missed an ACK.
		rec.mu.Unlock()
		e.sendAck(rec, p.FragIndex)
		return nil
	}
	if rec.state != RecvReceiving {
		rec.mu.Unlock()
		return nil
	}
	if int(p.FragIndex) >= rec.got.Len() || p.FragTotal != uint16(rec.offer.FragTotal) {
		rec.mu.Unlock()
		return protocol.ErrBadBody
	}
	if rec.got.Set(int(p.FragIndex)) {
		buf := make([]byte, len(p.Payload))
		copy(buf, p.Payload)
		rec.frags[p.FragIndex] = buf
		rec.lastProgress = at
	}
	full := rec.got.Full()
	if full {
		rec.state = RecvVerifying
	}
	rec.mu.Unlock()

	e.sendAck(rec, p.FragIndex)
	if full {
		e.finishRecv(rec, at)
	}
	return nil
}

// finishRecv verifies the digest, stores the file and reports the
// verdict to the sender and the observers.
func (e *Engine) finishRecv(rec *inbound, at time.Time) {
	rec.mu.Lock()
	data := bytes.Join(rec.frags, nil)
	rec.mu.Unlock()

	digest := sha256.Sum256(data)
	ok := digest == rec.offer.Digest

	var path string
	var saveErr error
	if ok {
		path, saveErr = e.saveFile(rec.offer.Filename, data)
		if saveErr != nil {
			ok = false
		}
	}

	rec.mu.Lock()
	if ok {
		rec.state = RecvDone
	} else {
		rec.state = RecvFailed
	}
	rec.lastProgress = at
	rec.mu.Unlock()

	e.sendComplete(rec, ok)

	ev := event.Event{
		Kind:     event.FileReceived,
		Peer:     rec.src,
		MsgID:    rec.id,
		Filename: rec.offer.Filename,
		Path:     path,
		Bytes:    uint64(len(data)),
		Total:    rec.offer.Size,
		DigestOK: ok,
		At:       at,
	}
	if saveErr != nil {
		ev.Err = saveErr
	} else if !ok {
		ev.Err = ErrDigest
	}
	e.emit(ev)

	if !ok {
		e.mu.Lock()
		delete(e.in, rkey{src: rec.src, id: rec.id})
		e.mu.Unlock()
	}
}

// saveFile writes data into the configured download directory. The
// filename is flattened to its base so a peer cannot steer the path.
func (e *Engine) saveFile(name string, data []byte) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		base = "unnamed"
	}
	if err := os.MkdirAll(e.cfg.SaveDir, 0o755); err != nil {
		return "", fmt.Errorf("ftransfer: save: %w", err)
	}
	path := filepath.Join(e.cfg.SaveDir, base)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("ftransfer: save: %w", err)
	}
	return path, nil
}

// tickReceivers runs the accept timeout, the stall timer, and evicts
// finished records once the sender has had time to see the outcome.
func (e *Engine) tickReceivers(now time.Time) {
	e.mu.Lock()
	type pending struct {
		k   rkey
		rec *inbound
	}
	recs := make([]pending, 0, len(e.in))
	for k, rec := range e.in {
		recs = append(recs, pending{k, rec})
	}
	e.mu.Unlock()

	for _, pr := range recs {
		rec := pr.rec

		rec.mu.Lock()
		autoAccept := rec.state == RecvPending && !rec.decided &&
			now.Sub(rec.offeredAt) >= e.cfg.AcceptTimeout
		stalled := rec.state == RecvReceiving &&
			now.Sub(rec.lastProgress) > e.cfg.RecvStallTimeout
		expired := (rec.state == RecvDone || rec.state == RecvFailed) &&
			now.Sub(rec.lastProgress) > e.cfg.RecvStallTimeout
		if stalled {
			rec.state = RecvFailed
		}
		rec.mu.Unlock()

		switch {
		case autoAccept:
			e.resolveOffer(pr.k, true)
		case stalled:
			e.mu.Lock()
			delete(e.in, pr.k)
			e.mu.Unlock()
			e.emitRecvFailed(rec, ErrStalled)
		case expired:
			e.mu.Lock()
			delete(e.in, pr.k)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) sendAck(rec *inbound, fragIndex uint16) {
	ack := protocol.FileAck{MsgID: rec.id, FragIndex: fragIndex}
	e.send(rec.src, protocol.PDU{ //nolint:errcheck
		Version:   protocol.Version,
		Type:      protocol.TypeFileAck,
		Flags:     protocol.FlagAck,
		MsgID:     rec.id,
		FragTotal: 1,
		Payload:   ack.Marshal(),
	})
}

func (e *Engine) sendComplete(rec *inbound, ok bool) {
	comp := protocol.FileComplete{MsgID: rec.id, OK: ok}
	e.send(rec.src, protocol.PDU{ //nolint:errcheck
		Version:   protocol.Version,
		Type:      protocol.TypeFileComplete,
		MsgID:     rec.id,
		FragTotal: 1,
		Payload:   comp.Marshal(),
	})
}

func (e *Engine) emitRecvFailed(rec *inbound, err error) {
	e.emit(event.Event{
		Kind:     event.FileReceived,
		Peer:     rec.src,
		MsgID:    rec.id,
		Filename: rec.offer.Filename,
		Total:    rec.offer.Size,
		DigestOK: false,
		Err:      err,
		At:       time.Now(),
	})
}
