package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "reminder.fired"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != "reminder.fired" || ev.Time.IsZero() {
				t.Fatalf("event = %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber got nothing")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if len(ch) != 8 {
		t.Fatalf("buffered %d events, want 8", len(ch))
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
}

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(8, "notifier.")
	defer unsub()

	b.Publish(Event{Type: "reminder.fired"})
	b.Publish(Event{Type: "notifier.sent"})
	select {
	case ev := <-ch:
		if ev.Type != "notifier.sent" {
			t.Fatalf("got %q, want notifier.sent", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber got nothing")
	}
	if len(ch) != 0 {
		t.Fatalf("filtered subscriber buffered %d extra events", len(ch))
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events counted as dropped")
	}
}
