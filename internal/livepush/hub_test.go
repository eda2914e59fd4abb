package livepush

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.ServeWS(w, r); err != nil {
			t.Logf("ServeWS: %v", err)
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestHub_ConnectSendsConnectedFrame(t *testing.T) {
	h := New(30*time.Second, 60*time.Second, zerolog.Nop())
	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := readFrame(t, conn)
	if frame["type"] != "connected" {
		t.Errorf("type = %v, want connected", frame["type"])
	}
}

func TestHub_PublishStatusUpdateReachesUnfilteredSubscriber(t *testing.T) {
	h := New(30*time.Second, 60*time.Second, zerolog.Nop())
	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	waitForSubscriber(t, h, 1)
	h.PublishStatusUpdate("req-1", "delivered")

	frame := readFrame(t, conn)
	if frame["type"] != "otp-request:updated" {
		t.Fatalf("type = %v, want otp-request:updated", frame["type"])
	}
	data := frame["data"].(map[string]any)
	if data["request_id"] != "req-1" || data["status"] != "delivered" {
		t.Errorf("data = %+v", data)
	}
}

func TestHub_SubscribeFiltersToNamedChannel(t *testing.T) {
	h := New(30*time.Second, 60*time.Second, zerolog.Nop())
	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", Channel: ChannelRequests}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" {
		t.Fatalf("ack type = %v, want subscribed", ack["type"])
	}

	h.PublishEvent("req-2", "sms", "sent", nil)

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected no message: subscriber only subscribed to otp-requests, publish was to otp-events")
	}
}

func TestHub_PingReceivesPong(t *testing.T) {
	h := New(30*time.Second, 60*time.Second, zerolog.Nop())
	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(clientMessage{Type: "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("type = %v, want pong", frame["type"])
	}
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	h := New(30*time.Second, 60*time.Second, zerolog.Nop())
	srv, wsURL := newTestServer(t, h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForSubscriber(t, h, 1)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected subscriber count to reach 0 after disconnect, got %d", h.SubscriberCount())
}

func waitForSubscriber(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count did not reach %d", want)
}
