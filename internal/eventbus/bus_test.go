package eventbus

import (
	"testing"
	"time"

	"warden/internal/storage"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeAction, Entry: storage.AuditEntry{EventID: "ev-1", Action: "mute"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeAction || e.Entry.EventID != "ev-1" || e.Entry.Action != "mute" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
		default:
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// A full subscriber must not stall the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeAction})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: TypeRevoke})
	if _, ok := <-ch; ok {
		t.Fatalf("unsubscribed channel still delivered")
	}
}
