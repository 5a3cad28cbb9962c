package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FrameReceived("new_message")
	m.FrameReceived("new_message")
	m.FrameSent("send_message")
	m.SetQueueDepth(2, 1)
	m.SetConnected(true)
	m.QueueDrop()

	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("new_message")); got != 2 {
		t.Errorf("frames_received{new_message} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("tracked")); got != 2 {
		t.Errorf("queue_depth{tracked} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Connected); got != 1 {
		t.Errorf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDropped); got != 1 {
		t.Errorf("queue_dropped = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameReceived("x")
	m.SetConnected(true)
	m.SetQueueDepth(1, 1)
	m.Upload(10, 0.1)
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Reconnect()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "chatcore_reconnect_attempts_total 1") {
		t.Errorf("metrics output missing reconnect counter:\n%s", body)
	}
}
