package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	tales, unsubTales := b.Subscribe(4, "tale.")
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaleExecuted, Data: "x"})

	select {
	case e := <-tales:
		if e.Type != TaleExecuted || e.Time.IsZero() {
			t.Fatalf("got %+v, want stamped %s", e, TaleExecuted)
		}
	case <-time.After(time.Second):
		t.Fatalf("tale subscriber got nothing")
	}
	select {
	case e := <-tales:
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber buffered %d events, want 2", len(all))
	}

	unsubTales()
	unsubTales()
	b.Publish(Event{Type: TaleSkipped})
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TaskFinished})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}
