// Package livepush fans out request status updates and channel events to
// websocket subscribers, grounded on the same subscriber-map-plus-filter
// shape as an SSE event bus but adapted to websocket connections: each
// subscriber gets its own read pump (liveness plus subscribe/unsubscribe
// control messages) and write pump (serializing writes and sending
// keepalive pings).
package livepush

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
)

// Channels subscribers may name in a subscribe/unsubscribe message.
const (
	ChannelRequests = "otp-requests"
	ChannelEvents   = "otp-events"
)

// clientMessage is a client→server control frame:
// {type: "subscribe"|"unsubscribe"|"ping", channel?}.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type subscriber struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	mu        sync.Mutex
	channels  map[string]bool
	closeOnce sync.Once
	done      chan struct{}
}

// subscribedTo reports whether the subscriber should receive a publish on
// channel. No explicit subscriptions means "subscribed to everything" —
// a client that never sends a subscribe message still gets the feed.
func (s *subscriber) subscribedTo(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return true
	}
	return s.channels[channel]
}

func (s *subscriber) subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]bool)
	}
	s.channels[channel] = true
}

func (s *subscriber) unsubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

// Hub is the websocket fan-out: PublishStatusUpdate and PublishEvent
// together satisfy eventbus.LivePush.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	upgrader    websocket.Upgrader
	keepalive   time.Duration
	silenceMax  time.Duration
	log         zerolog.Logger
}

func New(keepalive, silenceMax time.Duration, log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*subscriber),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		keepalive:   keepalive,
		silenceMax:  silenceMax,
		log:         log,
	}
}

// ServeWS upgrades the connection, sends the initial "connected" frame,
// and registers a subscriber with no channel filter (subscriptions are
// then driven by client subscribe/unsubscribe messages). It blocks until
// the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()
	h.log.Debug().Str("subscriber_id", sub.id).Msg("live push subscriber connected")

	go h.writePump(sub)
	h.sendTo(sub, map[string]any{"type": "connected"})
	h.readPump(sub)

	h.unregister(sub)
	return nil
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	h.mu.Unlock()
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.conn.Close()
	})
}

// readPump handles liveness (pong tracking, silence deadline) and the
// client's subscribe/unsubscribe/ping control messages. Anything that
// doesn't parse as a recognized message is ignored rather than closing
// the connection.
func (h *Hub) readPump(sub *subscriber) {
	sub.conn.SetReadDeadline(time.Now().Add(h.silenceMax))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(h.silenceMax))
		return nil
	})
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.handleClientMessage(sub, msg)
	}
}

func (h *Hub) handleClientMessage(sub *subscriber, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		sub.subscribe(msg.Channel)
		h.sendTo(sub, map[string]any{"type": "subscribed", "data": map[string]any{"channel": msg.Channel}})
	case "unsubscribe":
		sub.unsubscribe(msg.Channel)
		h.sendTo(sub, map[string]any{"type": "unsubscribed", "data": map[string]any{"channel": msg.Channel}})
	case "ping":
		h.sendTo(sub, map[string]any{"type": "pong"})
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				sub.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

// sendTo enqueues a single frame for one subscriber, dropping it if the
// subscriber's buffer is full.
func (h *Hub) sendTo(sub *subscriber, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("live push payload marshal failed")
		return
	}
	select {
	case sub.send <- data:
	default:
		h.log.Debug().Str("subscriber_id", sub.id).Msg("live push subscriber slow, dropping message")
	}
}

func (h *Hub) publish(channel string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("live push payload marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if !sub.subscribedTo(channel) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			h.log.Debug().Str("subscriber_id", sub.id).Msg("live push subscriber slow, dropping message")
		}
	}
}

// PublishStatusUpdate satisfies eventbus.LivePush. It always publishes an
// "otp-request:updated" frame; brand-new requests are announced separately
// by PublishRequestCreated.
func (h *Hub) PublishStatusUpdate(requestID, status string) {
	h.publish(ChannelRequests, map[string]any{
		"type": "otp-request:updated",
		"data": map[string]any{
			"request_id": requestID,
			"status":     status,
		},
	})
}

// PublishRequestCreated announces a newly dispatched request. Not part of
// eventbus.LivePush (the bus only ever reports status transitions after
// creation) — called directly by the dispatch HTTP handler once a request
// has been persisted.
func (h *Hub) PublishRequestCreated(requestID, phone, status string, channels []string) {
	h.publish(ChannelRequests, map[string]any{
		"type": "otp-request:created",
		"data": map[string]any{
			"request_id": requestID,
			"phone":      phone,
			"status":     status,
			"channels":   channels,
		},
	})
}

// PublishEvent satisfies eventbus.LivePush.
func (h *Hub) PublishEvent(requestID, channel, eventType string, data map[string]any) {
	h.publish(ChannelEvents, map[string]any{
		"type": "otp-event",
		"data": map[string]any{
			"request_id": requestID,
			"channel":    channel,
			"event_type": eventType,
			"payload":    data,
		},
	})
}

// SubscriberCount reports how many connections are currently registered,
// for the health endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
