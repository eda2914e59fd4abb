package eventbus

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/store"
)

type fakeRequestStore struct {
	requests       map[uuid.UUID]*store.Request
	terminalEvents map[string]bool
	appendCalls    int
	updates        []map[string]any
}

func newFakeRequestStore(r *store.Request) *fakeRequestStore {
	return &fakeRequestStore{
		requests:       map[uuid.UUID]*store.Request{r.ID: r},
		terminalEvents: map[string]bool{},
	}
}

func (f *fakeRequestStore) HasTerminalEvent(_ context.Context, requestID uuid.UUID, channel, eventType string) (bool, error) {
	return f.terminalEvents[requestID.String()+":"+channel+":"+eventType], nil
}
func (f *fakeRequestStore) AppendEvent(_ context.Context, requestID uuid.UUID, channel, eventType string, _ map[string]any) (int64, error) {
	f.appendCalls++
	f.terminalEvents[requestID.String()+":"+channel+":"+eventType] = true
	return int64(f.appendCalls), nil
}
func (f *fakeRequestStore) GetRequest(_ context.Context, id uuid.UUID) (*store.Request, error) {
	return f.requests[id], nil
}
func (f *fakeRequestStore) UpdateRequestPartial(_ context.Context, id uuid.UUID, fields map[string]any) error {
	f.updates = append(f.updates, fields)
	r := f.requests[id]
	if status, ok := fields["status"].(string); ok {
		r.Status = status
	}
	if ch, ok := fields["channel"].(string); ok {
		r.Channel = &ch
	}
	return nil
}

type fakeLivePush struct {
	statusUpdates []string
	events        []string
}

func (f *fakeLivePush) PublishStatusUpdate(requestID, status string) {
	f.statusUpdates = append(f.statusUpdates, requestID+":"+status)
}
func (f *fakeLivePush) PublishEvent(requestID, channel, eventType string, _ map[string]any) {
	f.events = append(f.events, requestID+":"+channel+":"+eventType)
}

type fakeWebhookEnqueuer struct {
	enqueued []string
}

func (f *fakeWebhookEnqueuer) Enqueue(requestID, webhookURL string, _ map[string]any) {
	f.enqueued = append(f.enqueued, requestID+"->"+webhookURL)
}

func TestBus_EmitAppliesStatusAndFansOut(t *testing.T) {
	id := uuid.New()
	webhookURL := "https://example.com/hook"
	req := &store.Request{ID: id, WebhookURL: &webhookURL}
	db := newFakeRequestStore(req)
	push := &fakeLivePush{}
	wh := &fakeWebhookEnqueuer{}
	bus := New(db, push, wh, zerolog.Nop())

	if err := bus.Emit(context.Background(), id.String(), "sms", "queued", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if req.Status != "pending" {
		t.Errorf("status = %q, want pending", req.Status)
	}
	if req.Channel == nil || *req.Channel != "sms" {
		t.Errorf("channel = %v, want sms set from first event", req.Channel)
	}
	if len(push.statusUpdates) != 1 || len(push.events) != 1 {
		t.Errorf("expected one status update and one event published, got %+v / %+v", push.statusUpdates, push.events)
	}
	if len(wh.enqueued) != 1 {
		t.Errorf("expected a webhook job enqueued, got %+v", wh.enqueued)
	}
}

func TestBus_EmitSuppressesDuplicateTerminalEvents(t *testing.T) {
	id := uuid.New()
	req := &store.Request{ID: id}
	db := newFakeRequestStore(req)
	push := &fakeLivePush{}
	wh := &fakeWebhookEnqueuer{}
	bus := New(db, push, wh, zerolog.Nop())

	if err := bus.Emit(context.Background(), id.String(), "sms", "delivered", nil); err != nil {
		t.Fatalf("first Emit: %v", err)
	}
	callsAfterFirst := db.appendCalls

	if err := bus.Emit(context.Background(), id.String(), "sms", "delivered", nil); err != nil {
		t.Fatalf("second Emit: %v", err)
	}
	if db.appendCalls != callsAfterFirst {
		t.Errorf("appendCalls = %d after duplicate terminal event, want unchanged from %d", db.appendCalls, callsAfterFirst)
	}
	if len(push.statusUpdates) != 1 {
		t.Errorf("duplicate terminal event should not fan out again, got %+v", push.statusUpdates)
	}
}

func TestBus_EmitChannelCoalescesOnlyWhenUnset(t *testing.T) {
	id := uuid.New()
	existing := "voice"
	req := &store.Request{ID: id, Channel: &existing}
	db := newFakeRequestStore(req)
	bus := New(db, &fakeLivePush{}, &fakeWebhookEnqueuer{}, zerolog.Nop())

	if err := bus.Emit(context.Background(), id.String(), "sms", "queued", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if *req.Channel != "voice" {
		t.Errorf("channel = %q, want unchanged voice since it was already set", *req.Channel)
	}
}

func TestBus_EmitVoiceHangupWithOTPPlayed(t *testing.T) {
	id := uuid.New()
	req := &store.Request{ID: id}
	db := newFakeRequestStore(req)
	bus := New(db, &fakeLivePush{}, &fakeWebhookEnqueuer{}, zerolog.Nop())

	if err := bus.Emit(context.Background(), id.String(), "voice", "hangup", map[string]any{"otp_played": true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if req.Status != "delivered" {
		t.Errorf("status = %q, want delivered when hangup carries otp_played=true", req.Status)
	}
}
