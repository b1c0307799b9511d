package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByTypeAndPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	exact, unsubExact := b.Subscribe(4, "task.failed")
	defer unsubExact()
	prefix, unsubPrefix := b.Subscribe(4, "task.")
	defer unsubPrefix()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.finished"})
	b.Publish(Event{Type: "task.failed"})
	b.Publish(Event{Type: "config.reloaded"})

	if got := len(exact); got != 1 {
		t.Fatalf("exact subscriber got %d events, want 1", got)
	}
	if got := len(prefix); got != 2 {
		t.Fatalf("prefix subscriber got %d events, want 2", got)
	}
	if got := len(all); got != 3 {
		t.Fatalf("catch-all subscriber got %d events, want 3", got)
	}
	if e := <-exact; e.Time.IsZero() {
		t.Fatalf("publish should stamp event time")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "a"})
		b.Publish(Event{Type: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
