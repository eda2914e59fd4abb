package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDispatcher_EnqueueDeliversSuccessfully(t *testing.T) {
	var received atomic.Int32
	var gotBody map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(2, 10, 2*time.Second, "1.0", zerolog.Nop())
	d.Start()

	d.Enqueue("req-1", srv.URL, BuildPayload("sms:delivered", "req-1", "", "+14155551234", "delivered", "sms", nil))
	d.Stop()

	if received.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", received.Load())
	}
	if gotBody["request_id"] != "req-1" || gotBody["event"] != "sms:delivered" {
		t.Errorf("payload = %+v", gotBody)
	}
	if gotHeaders.Get("User-Agent") != "OTP-Gateway/1.0" {
		t.Errorf("User-Agent = %q, want OTP-Gateway/1.0", gotHeaders.Get("User-Agent"))
	}
	if gotHeaders.Get("X-Webhook-Event") != "sms:delivered" {
		t.Errorf("X-Webhook-Event = %q, want sms:delivered", gotHeaders.Get("X-Webhook-Event"))
	}
	if gotHeaders.Get("X-Request-ID") != "req-1" {
		t.Errorf("X-Request-ID = %q, want req-1", gotHeaders.Get("X-Request-ID"))
	}
}

func TestDispatcher_EnqueueDropsWhenQueueFull(t *testing.T) {
	d := New(1, 0, time.Second, "1.0", zerolog.Nop())
	// Queue has zero capacity and no workers started, so Enqueue must drop
	// rather than block.
	done := make(chan struct{})
	go func() {
		d.Enqueue("req-2", "http://example.invalid", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked instead of dropping on a full queue")
	}
}

func TestBuildPayload_IncludesSessionIDOnlyWhenSet(t *testing.T) {
	p := BuildPayload("voice:calling", "req-3", "", "+14155551234", "pending", "voice", nil)
	if _, ok := p["session_id"]; ok {
		t.Error("expected no session_id key when sessionID is empty")
	}

	p2 := BuildPayload("voice:calling", "req-3", "sess-1", "+14155551234", "pending", "voice", nil)
	if p2["session_id"] != "sess-1" {
		t.Errorf("session_id = %v, want sess-1", p2["session_id"])
	}
}
