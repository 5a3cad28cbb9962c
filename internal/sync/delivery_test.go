package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/dispatch"
	"github.com/matheus3301/chatcore/internal/models"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/protocol"
	"github.com/matheus3301/chatcore/internal/status"
)

// serverSocket is an in-memory socket that records send_message frames in
// wire order and lets a scripted server answer them.
type serverSocket struct {
	in     chan []byte
	closed chan struct{}
	once   gosync.Once
	reply  func(frame map[string]any) []byte

	mu    gosync.Mutex
	sends []string
}

func (s *serverSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.in:
		return f, nil
	case <-s.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *serverSocket) Write(_ context.Context, f []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(f, &frame); err != nil {
		return err
	}
	if frame["action"] == protocol.ActionSendMessage {
		content, _ := frame["content"].(string)
		s.mu.Lock()
		s.sends = append(s.sends, content)
		s.mu.Unlock()
	}
	if s.reply != nil {
		if r := s.reply(frame); r != nil {
			s.in <- r
		}
	}
	return nil
}

func (s *serverSocket) Close(string) error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *serverSocket) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type serverDialer struct {
	reply   func(frame map[string]any) []byte
	sockets chan *serverSocket
}

func (d *serverDialer) Dial(context.Context, string) (conn.Socket, error) {
	s := &serverSocket{in: make(chan []byte, 32), closed: make(chan struct{}), reply: d.reply}
	d.sockets <- s
	return s, nil
}

type deliveryRig struct {
	mgr    *conn.Manager
	queue  *outbox.Queue
	engine *Engine
	dialer *serverDialer
}

// newDeliveryRig wires the real connection manager, outbox and engine the way
// the daemon does: engine listener first, then the queue.
func newDeliveryRig(t *testing.T, reply func(map[string]any) []byte) *deliveryRig {
	t.Helper()
	d := &serverDialer{reply: reply, sockets: make(chan *serverSocket, 4)}
	disp := dispatch.New(nil, nil)
	mgr := conn.New(conn.Config{
		URL:               "ws://chat.test/ws",
		ConfirmTimeout:    2 * time.Second,
		HeartbeatInterval: time.Hour,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		MaxJitter:         -1,
	}, d, disp, status.NewMachine(nil), nil, nil)
	q := outbox.New(outbox.Config{ReplayInterval: 20 * time.Millisecond}, mgr, disp, nil, nil)
	mgr.UseQueue(q)
	e := NewEngine(Config{UserID: "7"}, mgr, q, nil, bus.New(), nil, nil)
	disp.Register(e)
	disp.Register(q)
	t.Cleanup(func() {
		mgr.Close()
		q.Stop()
		e.Stop()
	})
	return &deliveryRig{mgr: mgr, queue: q, engine: e, dialer: d}
}

// connect dials and confirms the connection with a pong.
func (r *deliveryRig) connect(t *testing.T) *serverSocket {
	t.Helper()
	if err := r.mgr.Connect(conn.Credentials{UserID: "7"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var s *serverSocket
	select {
	case s = <-r.dialer.sockets:
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
	}
	s.in <- []byte(`{"type":"pong"}`)
	return s
}

func (r *deliveryRig) settled() bool {
	return r.mgr.Connected() && !r.queue.Busy()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfflineSendReconcilesUntaggedEcho(t *testing.T) {
	// The server echoes the sent text without the client's temp id.
	r := newDeliveryRig(t, func(frame map[string]any) []byte {
		if frame["action"] != protocol.ActionSendMessage {
			return nil
		}
		echo, _ := json.Marshal(map[string]any{
			"type":      "new_message",
			"id":        "101",
			"chat_id":   "42",
			"sender_id": "7",
			"content":   frame["content"],
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return echo
	})

	m, err := r.engine.SendText(context.Background(), "42", "9", "hi")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if m.Status != models.StatusFailed || !m.MetaBool(models.MetaQueued) {
		t.Fatalf("offline send = %s queued=%v, want failed and queued", m.Status, m.MetaBool(models.MetaQueued))
	}

	s := r.connect(t)
	eventually(t, "echo reconciled", func() bool {
		msgs := r.engine.Messages("42")
		return len(msgs) == 1 && msgs[0].ID == "101"
	})
	eventually(t, "replay finished", r.settled)

	if got := s.sent(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("send_message frames = %q, want exactly one", got)
	}
	msgs := r.engine.Messages("42")
	if len(msgs) != 1 {
		t.Fatalf("chat holds %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "101" || got.TempID != m.TempID || got.Status != models.StatusSent {
		t.Fatalf("reconciled message = %+v", got)
	}
	if got.MetaBool(models.MetaQueued) {
		t.Fatal("queued flag survived reconciliation")
	}
	if r.queue.Len() != 0 {
		t.Fatalf("queue holds %d entries, want 0", r.queue.Len())
	}
}

func TestSendAfterReconnectFollowsReplay(t *testing.T) {
	r := newDeliveryRig(t, nil)
	ctx := context.Background()

	for _, text := range []string{"a1", "a2", "a3"} {
		if _, err := r.engine.SendText(ctx, "42", "9", text); err != nil {
			t.Fatalf("SendText %s: %v", text, err)
		}
	}
	s := r.connect(t)
	eventually(t, "replay started", func() bool { return len(s.sent()) >= 1 })

	m, err := r.engine.SendText(ctx, "42", "9", "a4")
	if err != nil {
		t.Fatalf("SendText a4: %v", err)
	}
	if m.Status == models.StatusSent {
		t.Fatal("a4 went out ahead of the pending replay")
	}

	eventually(t, "all four on the wire", func() bool { return len(s.sent()) == 4 })
	eventually(t, "replay finished", r.settled)

	want := []string{"a1", "a2", "a3", "a4"}
	got := s.sent()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wire order = %q, want %q", got, want)
		}
	}
	eventually(t, "all sent", func() bool {
		for _, msg := range r.engine.Messages("42") {
			if msg.Status != models.StatusSent {
				return false
			}
		}
		return true
	})
	if n := len(r.engine.Messages("42")); n != 4 {
		t.Fatalf("chat holds %d messages, want 4", n)
	}
}
