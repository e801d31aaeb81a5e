package reassembly

import (
	"bytes"
	"testing"
	"time"

	"github.com/crackbandicoot-dot/linkchat/internal/frame"
	"github.com/crackbandicoot-dot/linkchat/internal/protocol"
)

var src = frame.MAC{0x02, 0, 0, 0, 0, 0xAA}

func textPDU(msgID uint32, index, total uint16, body string) protocol.PDU {
	return protocol.PDU{
		Version:   protocol.Version,
		Type:      protocol.TypeText,
		MsgID:     msgID,
		FragIndex: index,
		FragTotal: total,
		Payload:   []byte(body),
	}
}

func TestSingleFragmentCompletesImmediately(t *testing.T) {
	tbl := New(time.Minute)
	out, err := tbl.Add(src, textPDU(1, 0, 1, "whole"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "whole" {
		t.Fatalf("got %q", out)
	}
	if tbl.Len() != 0 {
		t.Fatal("no slot should remain")
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()

	for _, i := range []uint16{2, 0} {
		out, err := tbl.Add(src, textPDU(5, i, 3, string(rune('a'+i))), now)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			t.Fatal("incomplete message returned early")
		}
	}
	out, err := tbl.Add(src, textPDU(5, 1, 3, "b"), now)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "abc" {
		t.Fatalf("got %q", out)
	}
}

func TestConcatenatedLengthEqualsSum(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()
	parts := []string{"first-", "second-", "third"}
	var want int
	var out []byte
	for i, p := range parts {
		want += len(p)
		var err error
		out, err = tbl.Add(src, textPDU(9, uint16(i), uint16(len(parts)), p), now)
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(out) != want {
		t.Fatalf("length %d, want %d", len(out), want)
	}
	if !bytes.Equal(out, []byte("first-second-third")) {
		t.Fatalf("got %q", out)
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()
	tbl.Add(src, textPDU(3, 0, 2, "keep"), now)       //nolint:errcheck
	tbl.Add(src, textPDU(3, 0, 2, "overwrite"), now)  //nolint:errcheck
	out, err := tbl.Add(src, textPDU(3, 1, 2, "!"), now)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "keep!" {
		t.Fatalf("got %q", out)
	}
}

func TestFragIndexOutOfRange(t *testing.T) {
	tbl := New(time.Minute)
	if _, err := tbl.Add(src, textPDU(1, 2, 2, "x"), time.Now()); err != ErrFragIndex {
		t.Fatalf("got %v", err)
	}
	if _, err := tbl.Add(src, textPDU(1, 0, 0, "x"), time.Now()); err != ErrFragIndex {
		t.Fatalf("got %v", err)
	}
}

func TestMismatchInvalidatesSlot(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()
	tbl.Add(src, textPDU(4, 0, 3, "a"), now) //nolint:errcheck

	if _, err := tbl.Add(src, textPDU(4, 1, 5, "b"), now); err != ErrMismatch {
		t.Fatalf("got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatal("mismatched slot should be dropped")
	}
}

func TestDistinctSendersDoNotCollide(t *testing.T) {
	tbl := New(time.Minute)
	now := time.Now()
	other := frame.MAC{0x02, 0, 0, 0, 0, 0xBB}

	tbl.Add(src, textPDU(7, 0, 2, "A0"), now)   //nolint:errcheck
	tbl.Add(other, textPDU(7, 0, 2, "B0"), now) //nolint:errcheck

	out, err := tbl.Add(src, textPDU(7, 1, 2, "A1"), now)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "A0A1" {
		t.Fatalf("got %q", out)
	}
	if tbl.Len() != 1 {
		t.Fatal("other sender's slot should survive")
	}
}

func TestSweepEvictsStaleSlots(t *testing.T) {
	tbl := New(50 * time.Millisecond)
	start := time.Now()
	tbl.Add(src, textPDU(8, 0, 2, "a"), start) //nolint:errcheck

	if n := tbl.Sweep(start.Add(20 * time.Millisecond)); n != 0 {
		t.Fatalf("swept %d too early", n)
	}
	if n := tbl.Sweep(start.Add(100 * time.Millisecond)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if tbl.Len() != 0 {
		t.Fatal("slot should be gone")
	}
}
