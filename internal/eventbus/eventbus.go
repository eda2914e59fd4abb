// Package eventbus implements the single public entry point for channel
// status changes: persist the event, resolve the new high-level status, and
// fan out to live push and webhook delivery.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/statemachine"
	"github.com/snarg/otp-gateway/internal/store"
	"github.com/snarg/otp-gateway/internal/webhook"
)

const stripes = 256

var terminalEventTypes = map[string]bool{
	"delivered": true,
	"completed": true,
}

// requestStore is the slice of *store.Store the bus needs.
type requestStore interface {
	HasTerminalEvent(ctx context.Context, requestID uuid.UUID, channel, eventType string) (bool, error)
	AppendEvent(ctx context.Context, requestID uuid.UUID, channel, eventType string, data map[string]any) (int64, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*store.Request, error)
	UpdateRequestPartial(ctx context.Context, id uuid.UUID, fields map[string]any) error
}

// LivePush is the slice of the live-push hub the bus fans out to.
type LivePush interface {
	PublishStatusUpdate(requestID, status string)
	PublishEvent(requestID, channel, eventType string, data map[string]any)
}

// WebhookEnqueuer is the slice of the webhook dispatcher the bus enqueues
// jobs to.
type WebhookEnqueuer interface {
	Enqueue(requestID, webhookURL string, payload map[string]any)
}

// Bus is the sole writer of status/channel_status on requests.
type Bus struct {
	db      requestStore
	push    LivePush
	webhook WebhookEnqueuer
	log     zerolog.Logger

	// Striped locks serialize Emit calls per request_id without a single
	// global lock contending across unrelated requests.
	locks [stripes]sync.Mutex
}

func New(db requestStore, push LivePush, webhook WebhookEnqueuer, log zerolog.Logger) *Bus {
	return &Bus{db: db, push: push, webhook: webhook, log: log}
}

func (b *Bus) lockFor(requestID uuid.UUID) *sync.Mutex {
	var h uint32
	for _, c := range requestID {
		h = h*31 + uint32(c)
	}
	return &b.locks[h%stripes]
}

// Emit is the single entry point for channel status changes: emit(request_id,
// channel, event_type, event_data?).
func (b *Bus) Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return fmt.Errorf("parse request id: %w", err)
	}

	lock := b.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if terminalEventTypes[eventType] {
		exists, err := b.db.HasTerminalEvent(ctx, id, channel, eventType)
		if err != nil {
			return fmt.Errorf("check terminal event: %w", err)
		}
		if exists {
			return nil
		}
	}

	if _, err := b.db.AppendEvent(ctx, id, channel, eventType, data); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	status := statemachine.MapStatus(b.log, channel, eventType, data)

	req, err := b.db.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}

	fields := map[string]any{
		"channel_status": eventType,
		"status":         status,
	}
	if req.Channel == nil {
		fields["channel"] = channel
	}
	if errMsg, ok := data["error"].(string); ok && errMsg != "" {
		fields["error_message"] = errMsg
	}
	if providerID, ok := data["provider_id"].(string); ok && providerID != "" {
		fields["provider_id"] = providerID
	}

	if err := b.db.UpdateRequestPartial(ctx, id, fields); err != nil {
		return fmt.Errorf("update request: %w", err)
	}

	// Everything past this point is fan-out: a failure here must not
	// corrupt the state we just committed above.
	b.push.PublishStatusUpdate(requestID, status)
	b.push.PublishEvent(requestID, channel, eventType, data)

	if req.WebhookURL != nil && *req.WebhookURL != "" {
		sessionID := ""
		if req.SessionID != nil {
			sessionID = *req.SessionID
		}
		event := "otp." + channel + "." + eventType
		payload := webhook.BuildPayload(event, requestID, sessionID, req.Phone, status, channel, data)
		b.webhook.Enqueue(requestID, *req.WebhookURL, payload)
	}

	return nil
}
