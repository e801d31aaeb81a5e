package protocol

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	p := PDU{
		Version:   Version,
		Type:      TypeText,
		Flags:     FlagMoreFragments,
		MsgID:     0xDEADBEEF,
		FragIndex: 3,
		FragTotal: 7,
		Payload:   []byte("fragment body"),
	}
	wire, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) != HeaderSize+len(p.Payload) {
		t.Fatalf("wire length %d", len(wire))
	}
	got, err := Unmarshal(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != p.Version || got.Type != p.Type || got.Flags != p.Flags {
		t.Fatal("header mismatch")
	}
	if got.MsgID != p.MsgID || got.FragIndex != p.FragIndex || got.FragTotal != p.FragTotal {
		t.Fatal("fragment coordinates mismatch")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatal("payload mismatch")
	}
}

func TestUnmarshalIgnoresTrailingPad(t *testing.T) {
	p := PDU{Version: Version, Type: TypeHello, FragTotal: 1, Payload: []byte("hi")}
	wire, _ := p.Marshal()
	padded := append(wire, make([]byte, 40)...) // Ethernet pad

	got, err := Unmarshal(padded)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload %q", got.Payload)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	valid, _ := (&PDU{Version: Version, Type: TypeText, FragTotal: 1, Payload: []byte("x")}).Marshal()

	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{"short header", valid[:HeaderSize-1], ErrTruncated},
		{"bad version", mutate(valid, 0, 2), ErrBadVersion},
		{"type zero", mutate(valid, 1, 0), ErrBadType},
		{"type nine", mutate(valid, 1, 9), ErrBadType},
		{"payload truncated", valid[:len(valid)-1], ErrTruncated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unmarshal(tc.wire); err != tc.want {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func mutate(b []byte, i int, v byte) []byte {
	out := append([]byte(nil), b...)
	out[i] = v
	return out
}

func TestMarshalTooLarge(t *testing.T) {
	p := PDU{Version: Version, Type: TypeText, FragTotal: 1, Payload: make([]byte, MaxPayload+1)}
	if _, err := p.Marshal(); err != ErrPayloadTooLarge {
		t.Fatalf("got %v", err)
	}
}

func TestSplitBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		wantN int
	}{
		{"empty", 0, 1},
		{"one byte", 1, 1},
		{"exactly max", MaxPayload, 1},
		{"one over", MaxPayload + 1, 2},
		{"three and a bit", 3*MaxPayload + 5, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frags := Split(make([]byte, tc.size))
			if len(frags) != tc.wantN {
				t.Fatalf("got %d fragments, want %d", len(frags), tc.wantN)
			}
			var total int
			for _, f := range frags {
				total += len(f)
			}
			if total != tc.size {
				t.Fatalf("fragments sum to %d, want %d", total, tc.size)
			}
		})
	}
}

func TestSplitOneOverMax(t *testing.T) {
	frags := Split(make([]byte, MaxPayload+1))
	if len(frags[0]) != MaxPayload || len(frags[1]) != 1 {
		t.Fatalf("got %d + %d", len(frags[0]), len(frags[1]))
	}
}

func TestSequenceMonotonic(t *testing.T) {
	var s Sequence
	prev := s.Next()
	for i := 0; i < 100; i++ {
		n := s.Next()
		if n <= prev {
			t.Fatalf("sequence went backwards: %d after %d", n, prev)
		}
		prev = n
	}
}
