package protocol

import "testing"

func TestFileOfferRoundtrip(t *testing.T) {
	o := FileOffer{
		Size:      1 << 20,
		FragTotal: 706,
		Filename:  "holiday-photos.zip",
	}
	for i := range o.Digest {
		o.Digest[i] = byte(i)
	}
	body, err := o.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalFileOffer(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != o {
		t.Fatalf("got %+v want %+v", got, o)
	}
}

func TestFileOfferEmptyName(t *testing.T) {
	o := FileOffer{Size: 0, FragTotal: 1}
	body, err := o.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalFileOffer(body)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "" {
		t.Fatalf("filename %q", got.Filename)
	}
}

func TestFileOfferTruncated(t *testing.T) {
	o := FileOffer{Size: 10, FragTotal: 1, Filename: "a.txt"}
	body, _ := o.Marshal()
	for _, n := range []int{0, 5, 13, len(body) - 1} {
		if _, err := UnmarshalFileOffer(body[:n]); err != ErrBadBody {
			t.Fatalf("len %d: got %v", n, err)
		}
	}
}

func TestFileAckRoundtrip(t *testing.T) {
	a := FileAck{MsgID: 42, FragIndex: AckIndexOffer}
	got, err := UnmarshalFileAck(a.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatalf("got %+v", got)
	}
	if _, err := UnmarshalFileAck([]byte{1, 2}); err != ErrBadBody {
		t.Fatalf("got %v", err)
	}
}

func TestFileCompleteRoundtrip(t *testing.T) {
	for _, ok := range []bool{true, false} {
		c := FileComplete{MsgID: 7, OK: ok}
		got, err := UnmarshalFileComplete(c.Marshal())
		if err != nil {
			t.Fatal(err)
		}
		if got != c {
			t.Fatalf("got %+v", got)
		}
	}
}
