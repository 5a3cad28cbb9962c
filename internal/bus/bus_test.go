package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(PrefixMessage, 10)
	defer unsub()

	b.Emit(KindMessageUpserted, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp was not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(PrefixConnection, 10)
	defer unsub()

	b.Emit(KindChatUpdated, nil)
	b.Emit(KindConnectionConnected, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectionConnected {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectionConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Emit(KindChatUpdated, nil)
	b.Emit(KindCallSignal, nil)

	for _, want := range []string{KindChatUpdated, KindCallSignal} {
		if evt := <-ch; evt.Kind != want {
			t.Errorf("got %q, want %q", evt.Kind, want)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(PrefixChat, 10)
	unsub()
	unsub()

	b.Emit(KindChatUpdated, nil)

	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 1)
	defer unsub()

	b.Emit(KindChatUpdated, 1)
	b.Emit(KindChatUpdated, 2)

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
