package web

import (
	"testing"

	"followme/internal/control"
)

func TestStatusBroadcaster_LastValueAndDrop(t *testing.T) {
	b := NewStatusBroadcaster()
	b.Publish(control.Status{TrackingActive: true})

	id, ch := b.Subscribe(1)
	select {
	case st := <-ch:
		if !st.TrackingActive {
			t.Fatalf("replayed=%+v", st)
		}
	default:
		t.Fatalf("expected replay of last value")
	}

	// Buffer of one: the second publish is dropped, never blocks.
	b.Publish(control.Status{FollowMode: true})
	b.Publish(control.Status{FollowMode: false})
	if st := <-ch; !st.FollowMode {
		t.Fatalf("got=%+v", st)
	}

	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	b.Unsubscribe(id)
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers=%d", b.Subscribers())
	}
}

func TestStatusBroadcaster_NilSafe(t *testing.T) {
	var b *StatusBroadcaster
	b.Publish(control.Status{})
	b.Unsubscribe(1)
	if _, ch := b.Subscribe(1); ch != nil {
		t.Fatalf("nil broadcaster returned a channel")
	}
}
