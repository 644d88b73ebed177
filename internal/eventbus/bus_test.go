package eventbus

import (
	"testing"
	"time"
)

func TestFanoutDelivers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "relay.delivered", Data: map[string]any{"message_id": 7}})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "relay.delivered" {
				t.Fatalf("Type = %q", ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatal("Time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestFanoutDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "cycle.started"})
	b.Publish(Event{Type: "cycle.completed"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1 (overflow dropped)", got)
	}
	if ev := <-ch; ev.Type != "cycle.started" {
		t.Fatalf("kept event = %q, want the first", ev.Type)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after the channel closed must not panic.
	b.Publish(Event{Type: "relay.recorded"})
}
