package event

import (
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) waitLen(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d events (have %d)", n, len(c.snapshot()))
	return nil
}

func TestDeliveryInOrder(t *testing.T) {
	d := NewDispatcher(16)
	var c collector
	d.Subscribe(MessageReceived, c.handler)
	d.Start()
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Emit(Event{Kind: MessageReceived, MsgID: uint32(i)})
	}
	evs := c.waitLen(t, 5)
	for i, e := range evs[:5] {
		if e.MsgID != uint32(i) {
			t.Fatalf("event %d has MsgID %d", i, e.MsgID)
		}
	}
}

func TestOnlySubscribedKindDelivered(t *testing.T) {
	d := NewDispatcher(16)
	var up, down collector
	d.Subscribe(PeerUp, up.handler)
	d.Subscribe(PeerDown, down.handler)
	d.Start()
	defer d.Stop()

	d.Emit(Event{Kind: PeerUp})
	d.Emit(Event{Kind: PeerUp})
	d.Emit(Event{Kind: PeerDown})

	up.waitLen(t, 2)
	down.waitLen(t, 1)
	if len(up.snapshot()) != 2 || len(down.snapshot()) != 1 {
		t.Fatal("events crossed kinds")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	d := NewDispatcher(4)
	var c collector
	d.Subscribe(MessageReceived, c.handler)

	// Not started yet, so the queue fills: 0 and 1 must be dropped.
	for i := 0; i < 6; i++ {
		d.Emit(Event{Kind: MessageReceived, MsgID: uint32(i)})
	}
	if d.Overflows() != 2 {
		t.Fatalf("overflows %d, want 2", d.Overflows())
	}

	d.Start()
	defer d.Stop()

	evs := c.waitLen(t, 4)
	if evs[0].MsgID != 2 || evs[3].MsgID != 5 {
		t.Fatalf("wrong survivors: first %d last %d", evs[0].MsgID, evs[3].MsgID)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	d := NewDispatcher(4)
	d.Start()
	d.Stop()
	d.Stop()
}
