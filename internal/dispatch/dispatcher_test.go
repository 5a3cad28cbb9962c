package dispatch

import (
	"sync"
	"testing"

	"github.com/matheus3301/chatcore/internal/models"
)

type recorder struct {
	NopListener
	mu       sync.Mutex
	messages []*models.Message
	seen     []string
	errors   []string
	signals  []models.CallSignal
	statuses []DeliveryStatus
	conn     []string
}

func (r *recorder) OnNewMessage(m *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) OnMessagesSeen(_ string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ids...)
}

func (r *recorder) OnError(_, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recorder) OnCallSignal(sig models.CallSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *recorder) OnDeliveryStatus(ds DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ds)
}

func (r *recorder) OnConnected()               { r.conn = append(r.conn, "connected") }
func (r *recorder) OnDisconnected(s string)    { r.conn = append(r.conn, "disconnected:"+s) }
func (r *recorder) OnConnectionFailed(s string) { r.conn = append(r.conn, "failed:"+s) }

type panicker struct{ NopListener }

func (panicker) OnNewMessage(*models.Message) { panic("boom") }

func TestFanOutIsolatesPanics(t *testing.T) {
	d := New(nil, nil)
	before := &recorder{}
	after := &recorder{}
	d.Register(before)
	d.Register(panicker{})
	d.Register(after)

	d.HandleFrame([]byte(`{"type":"new_message","message":{"id":"m1","chat_id":"c1","content":"hi"}}`))

	if len(before.messages) != 1 || len(after.messages) != 1 {
		t.Fatalf("listeners around a panicking one got %d and %d messages, want 1 each",
			len(before.messages), len(after.messages))
	}
}

func TestUnregisterAndClear(t *testing.T) {
	d := New(nil, nil)
	a, b := &recorder{}, &recorder{}
	unregA := d.Register(a)
	d.Register(b)

	unregA()
	unregA()
	d.HandleFrame([]byte(`{"type":"messages_seen","chat_id":"c1","message_ids":["m1"]}`))
	if len(a.seen) != 0 {
		t.Error("unregistered listener still received events")
	}
	if len(b.seen) != 1 {
		t.Errorf("remaining listener got %v", b.seen)
	}

	d.Clear()
	if d.Len() != 0 {
		t.Errorf("Len() = %d after Clear", d.Len())
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	d := New(nil, nil)
	r := &recorder{}
	d.Register(r)

	d.HandleFrame([]byte(`{{{`))
	d.HandleFrame([]byte(`{"type":"something_new"}`))

	if len(r.messages)+len(r.seen)+len(r.errors) != 0 {
		t.Error("listener received events for undecodable or unknown frames")
	}
}

func TestCallSignalAlsoDispatchedAsMessage(t *testing.T) {
	d := New(nil, nil)
	r := &recorder{}
	d.Register(r)

	d.HandleFrame([]byte(`{"type":"new_message","message":{"id":"m9","chat_id":"c1","sender_id":"u2",
		"message_type":"call","content":"{\"call_id\":\"k1\",\"signal\":\"invite\",\"media\":\"audio\"}"}}`))

	if len(r.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(r.messages))
	}
	if len(r.signals) != 1 || r.signals[0].CallID != "k1" || r.signals[0].Kind != models.SignalInvite {
		t.Fatalf("signals = %+v", r.signals)
	}
}

func TestRejectedSendFailsMessage(t *testing.T) {
	d := New(nil, nil)
	r := &recorder{}
	d.Register(r)

	d.HandleFrame([]byte(`{"type":"send_message","error":"chat not found","temp_message_id":"temp_1"}`))

	if len(r.errors) != 1 || r.errors[0] != "chat not found" {
		t.Errorf("errors = %v", r.errors)
	}
	if len(r.statuses) != 1 || r.statuses[0].MessageID != "temp_1" || r.statuses[0].Status != models.StatusFailed {
		t.Errorf("statuses = %+v", r.statuses)
	}
}

func TestLifecycleCallbacks(t *testing.T) {
	d := New(nil, nil)
	r := &recorder{}
	d.Register(r)

	d.Connected()
	d.Disconnected("eof")
	d.ConnectionFailed("refused")

	want := []string{"connected", "disconnected:eof", "failed:refused"}
	if len(r.conn) != len(want) {
		t.Fatalf("conn = %v, want %v", r.conn, want)
	}
	for i := range want {
		if r.conn[i] != want[i] {
			t.Errorf("conn[%d] = %q, want %q", i, r.conn[i], want[i])
		}
	}
}
