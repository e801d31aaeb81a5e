// Package protocol defines the Link-Chat wire format.
//
// Every Ethernet payload carries one PDU: a fixed 13-byte header followed
// by a type-specific body. All multi-byte integers are big-endian. The
// header carries the fragmentation coordinates (msg_id, frag_index,
// frag_total) that let arbitrary-length messages and files cross the MTU
// boundary; a non-fragmented PDU has frag_total=1, frag_index=0.
package protocol

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
)

const (
	Version byte = 1

	HeaderSize = 13

	// MaxPayload is the largest type-specific body that fits in one
	// Ethernet payload alongside the header.
	MaxPayload = frame.MaxPayload - HeaderSize // 1487
)

// Type identifies what the PDU body contains.
type Type byte

const (
	TypeHello        Type = 1
	TypeHelloAck     Type = 2
	TypeText         Type = 3
	TypeFileOffer    Type = 4
	TypeFileData     Type = 5
	TypeFileAck      Type = 6
	TypeFileComplete Type = 7
	TypeGoodbye      Type = 8
)

// Valid reports whether t is a known PDU type.
func (t Type) Valid() bool {
	return t >= TypeHello && t <= TypeGoodbye
}

func (t Type) String() string {
	names := [...]string{
		"HELLO", "HELLO-ACK", "TEXT", "FILE-OFFER",
		"FILE-DATA", "FILE-ACK", "FILE-COMPLETE", "GOODBYE",
	}
	if t.Valid() {
		return names[t-1]
	}
	return "UNKNOWN"
}

// Flag bits. The remaining bits are reserved and must be zero.
const (
	FlagMoreFragments byte = 1 << 0
	FlagAckRequired   byte = 1 << 1
	FlagAck           byte = 1 << 2
)

var (
	ErrBadVersion      = errors.New("protocol: bad version")
	ErrBadType         = errors.New("protocol: bad type")
	ErrTruncated       = errors.New("protocol: truncated")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds MaxPayload")
)

// PDU is one protocol data unit: header plus body.
type PDU struct {
	Version   byte
	Type      Type
	Flags     byte
	MsgID     uint32
	FragIndex uint16
	FragTotal uint16
	Payload   []byte
}

// Marshal serialises p into header+payload wire bytes.
func (p *PDU) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = p.Version
	buf[1] = byte(p.Type)
	buf[2] = p.Flags
	binary.BigEndian.PutUint32(buf[3:7], p.MsgID)
	binary.BigEndian.PutUint16(buf[7:9], p.FragIndex)
	binary.BigEndian.PutUint16(buf[9:11], p.FragTotal)
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)
	return buf, nil
}

// Unmarshal parses wire bytes into a PDU. Trailing bytes beyond
// payload_len are Ethernet pad and are ignored.
func Unmarshal(b []byte) (PDU, error) {
	if len(b) < HeaderSize {
		return PDU{}, ErrTruncated
	}
	var p PDU
	p.Version = b[0]
	if p.Version != Version {
		return PDU{}, ErrBadVersion
	}
	p.Type = Type(b[1])
	if !p.Type.Valid() {
		return PDU{}, ErrBadType
	}
	p.Flags = b[2]
	p.MsgID = binary.BigEndian.Uint32(b[3:7])
	p.FragIndex = binary.BigEndian.Uint16(b[7:9])
	p.FragTotal = binary.BigEndian.Uint16(b[9:11])
	plen := int(binary.BigEndian.Uint16(b[11:13]))
	if len(b) < HeaderSize+plen {
		return PDU{}, ErrTruncated
	}
	p.Payload = make([]byte, plen)
	copy(p.Payload, b[HeaderSize:HeaderSize+plen])
	return p, nil
}

// Split cuts data into fragments of at most MaxPayload bytes. Empty input
// yields a single empty fragment, so every message maps to at least one
// PDU.
func Split(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > MaxPayload {
			n = MaxPayload
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// Sequence allocates msg_id values. IDs are monotonically non-decreasing
// within a process lifetime; wrap at 2^32 is acceptable because
// reassembly slots are evicted long before any plausible collision.
type Sequence struct {
	n uint32
}

// Next returns a fresh msg_id.
func (s *Sequence) Next() uint32 {
	return atomic.AddUint32(&s.n, 1)
}
