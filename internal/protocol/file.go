package protocol

import (
	"encoding/binary"
	"errors"
)

// Typed bodies for the file-transfer PDUs. These ride inside the generic
// PDU payload and have their own fixed layouts.

const (
	// AckIndexOffer is the frag_index sentinel in a FILE-ACK that accepts
	// a FILE-OFFER rather than acknowledging a data fragment.
	AckIndexOffer uint16 = 0xFFFF

	// DigestSize is the length of the SHA-256 digest carried by a
	// FILE-OFFER.
	DigestSize = 32

	// MaxHelloName bounds the optional display name in HELLO/HELLO-ACK.
	MaxHelloName = 64

	fileOfferFixed   = 8 + 4 + 2 // size + total fragments + filename length
	fileAckSize      = 4 + 2
	fileCompleteSize = 4 + 1
)

var ErrBadBody = errors.New("protocol: malformed body")

// FileOffer announces an upcoming transfer: total size, fragment count,
// filename and the SHA-256 digest of the whole file.
type FileOffer struct {
	Size      uint64
	FragTotal uint32
	Filename  string
	Digest    [DigestSize]byte
}

// Marshal serialises o. The result must fit in MaxPayload, which bounds
// the filename to well over any realistic path component.
func (o *FileOffer) Marshal() ([]byte, error) {
	name := []byte(o.Filename)
	if fileOfferFixed+len(name)+DigestSize > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, fileOfferFixed+len(name)+DigestSize)
	binary.BigEndian.PutUint64(buf[0:8], o.Size)
	binary.BigEndian.PutUint32(buf[8:12], o.FragTotal)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(name)))
	copy(buf[14:], name)
	copy(buf[14+len(name):], o.Digest[:])
	return buf, nil
}

// UnmarshalFileOffer parses a FILE-OFFER body.
func UnmarshalFileOffer(b []byte) (FileOffer, error) {
	if len(b) < fileOfferFixed {
		return FileOffer{}, ErrBadBody
	}
	var o FileOffer
	o.Size = binary.BigEndian.Uint64(b[0:8])
	o.FragTotal = binary.BigEndian.Uint32(b[8:12])
	nameLen := int(binary.BigEndian.Uint16(b[12:14]))
	if len(b) < fileOfferFixed+nameLen+DigestSize {
		return FileOffer{}, ErrBadBody
	}
	o.Filename = string(b[14 : 14+nameLen])
	copy(o.Digest[:], b[14+nameLen:14+nameLen+DigestSize])
	return o, nil
}

// FileAck acknowledges one data fragment, or accepts an offer when
// FragIndex is AckIndexOffer.
type FileAck struct {
	MsgID     uint32
	FragIndex uint16
}

func (a *FileAck) Marshal() []byte {
	buf := make([]byte, fileAckSize)
	binary.BigEndian.PutUint32(buf[0:4], a.MsgID)
	binary.BigEndian.PutUint16(buf[4:6], a.FragIndex)
	return buf
}

// UnmarshalFileAck parses a FILE-ACK body.
func UnmarshalFileAck(b []byte) (FileAck, error) {
	if len(b) < fileAckSize {
		return FileAck{}, ErrBadBody
	}
	return FileAck{
		MsgID:     binary.BigEndian.Uint32(b[0:4]),
		FragIndex: binary.BigEndian.Uint16(b[4:6]),
	}, nil
}

// FileComplete closes a transfer from the receiver side. OK reports
// whether the reassembled bytes hashed to the offered digest.
type FileComplete struct {
	MsgID uint32
	OK    bool
}

func (c *FileComplete) Marshal() []byte {
	buf := make([]byte, fileCompleteSize)
	binary.BigEndian.PutUint32(buf[0:4], c.MsgID)
	if c.OK {
		buf[4] = 1
	}
	return buf
}

// UnmarshalFileComplete parses a FILE-COMPLETE body.
func UnmarshalFileComplete(b []byte) (FileComplete, error) {
	if len(b) < fileCompleteSize {
		return FileComplete{}, ErrBadBody
	}
	return FileComplete{
		MsgID: binary.BigEndian.Uint32(b[0:4]),
		OK:    b[4] == 1,
	}, nil
}
