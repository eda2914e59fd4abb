package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/store"
)

type fakeWebhookStore struct {
	requests   map[string]*store.Request
	byProvider map[string]*store.Request
	byPhone    map[string]*store.Request
	updates    map[string]map[string]any
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		requests:   map[string]*store.Request{},
		byProvider: map[string]*store.Request{},
		byPhone:    map[string]*store.Request{},
		updates:    map[string]map[string]any{},
	}
}

func (f *fakeWebhookStore) GetRequest(_ context.Context, id uuid.UUID) (*store.Request, error) {
	if r, ok := f.requests[id.String()]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeWebhookStore) GetRequestByProviderID(_ context.Context, providerID string) (*store.Request, error) {
	if r, ok := f.byProvider[providerID]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeWebhookStore) GetLatestRequestByPhone(_ context.Context, phone, _ string) (*store.Request, error) {
	if r, ok := f.byPhone[phone]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeWebhookStore) UpdateRequestPartial(_ context.Context, id uuid.UUID, fields map[string]any) error {
	f.updates[id.String()] = fields
	return nil
}

type fakeFraudFeedback struct {
	successes, failures int
}

func (f *fakeFraudFeedback) RecordSuccess(context.Context, string, string) error {
	f.successes++
	return nil
}

func (f *fakeFraudFeedback) RecordFailure(context.Context, string, string) error {
	f.failures++
	return nil
}

type fakeEventEmitter struct {
	events []string
}

func (f *fakeEventEmitter) Emit(_ context.Context, requestID, _, eventType string, _ map[string]any) error {
	f.events = append(f.events, requestID+":"+eventType)
	return nil
}

func TestWebhooksHandler_AuthUpdatesStatusAndFraud(t *testing.T) {
	db := newFakeWebhookStore()
	id := uuid.New()
	db.requests[id.String()] = &store.Request{ID: id, Phone: "+14155551234"}

	fraud := &fakeFraudFeedback{}
	h := NewWebhooksHandler(db, fraud, &fakeEventEmitter{}, "", zerolog.Nop())

	body := `{"request_id":"` + id.String() + `","success":true}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/auth", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Auth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if db.updates[id.String()]["auth_status"] != "verified" {
		t.Errorf("auth_status = %v, want verified", db.updates[id.String()]["auth_status"])
	}
	if fraud.successes != 1 {
		t.Errorf("successes = %d, want 1", fraud.successes)
	}
}

func TestWebhooksHandler_AuthIgnoresUnknownRequest(t *testing.T) {
	db := newFakeWebhookStore()
	h := NewWebhooksHandler(db, &fakeFraudFeedback{}, &fakeEventEmitter{}, "", zerolog.Nop())

	body := `{"request_id":"` + uuid.New().String() + `","success":false}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/auth", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Auth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when ignored", rec.Code)
	}
}

func TestWebhooksHandler_DLRMapsDeliveredStatus(t *testing.T) {
	db := newFakeWebhookStore()
	id := uuid.New()
	db.byProvider["prov-1"] = &store.Request{ID: id, Phone: "+14155551234"}
	bus := &fakeEventEmitter{}
	h := NewWebhooksHandler(db, &fakeFraudFeedback{}, bus, "", zerolog.Nop())

	body := `{"id":"prov-1","status":"delivered"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.DLR(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := id.String() + ":delivered"
	if len(bus.events) != 1 || bus.events[0] != want {
		t.Errorf("events = %v, want [%s]", bus.events, want)
	}
}

func TestWebhooksHandler_DLRIgnoresUnrecognizedStatus(t *testing.T) {
	db := newFakeWebhookStore()
	id := uuid.New()
	db.byProvider["prov-2"] = &store.Request{ID: id, Phone: "+14155551234"}
	bus := &fakeEventEmitter{}
	h := NewWebhooksHandler(db, &fakeFraudFeedback{}, bus, "", zerolog.Nop())

	body := `{"id":"prov-2","status":"queued_for_retry"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/dlr", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.DLR(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(bus.events) != 0 {
		t.Errorf("events = %v, want none for an unrecognized DLR status", bus.events)
	}
}

func TestMatchesTrunk(t *testing.T) {
	cases := []struct {
		trunkName, want string
		match           bool
	}{
		{"trunk-1", "", true},
		{"sip-trunk-a1b2c3d4-e5f6-7890-abcd-ef1234567890", "a1b2c3d4-e5f6-7890-abcd-ef1234567890", true},
		{"sip-trunk-a1b2c3d4-e5f6-7890-abcd-ef1234567890", "ffffffff-ffff-ffff-ffff-ffffffffffff", false},
		{"primary", "primary", true},
		{"primary", "backup", false},
	}
	for _, c := range cases {
		if got := matchesTrunk(c.trunkName, c.want); got != c.match {
			t.Errorf("matchesTrunk(%q, %q) = %v, want %v", c.trunkName, c.want, got, c.match)
		}
	}
}

func TestWebhooksHandler_CDRCorrelatesByLatestVoiceRequest(t *testing.T) {
	db := newFakeWebhookStore()
	id := uuid.New()
	db.byPhone["+14155551234"] = &store.Request{ID: id, Phone: "+14155551234"}
	bus := &fakeEventEmitter{}
	h := NewWebhooksHandler(db, &fakeFraudFeedback{}, bus, "", zerolog.Nop())

	body := `[{"id":"cdr-1","dst_number":"+14155551234","duration":12.5,"price":0.02,"trunk_name":"primary"}]`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cdr", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.CDR(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := db.updates[id.String()]["voice_cost_units"]; !ok {
		t.Error("expected voice_cost_units update")
	}
	// A CDR never carries a channel-status event type the state machine
	// understands, so it must only update cost, never push a status event.
	if len(bus.events) != 0 {
		t.Errorf("events = %v, want none (cdr never rewrites status)", bus.events)
	}
}

func TestWebhooksHandler_CDRDropsNonMatchingTrunk(t *testing.T) {
	db := newFakeWebhookStore()
	id := uuid.New()
	db.byPhone["+14155551234"] = &store.Request{ID: id, Phone: "+14155551234"}
	bus := &fakeEventEmitter{}
	h := NewWebhooksHandler(db, &fakeFraudFeedback{}, bus, "backup", zerolog.Nop())

	body := `[{"id":"cdr-1","dst_number":"+14155551234","trunk_name":"primary"}]`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/cdr", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.CDR(rec, req)

	if _, ok := db.updates[id.String()]; ok {
		t.Error("expected no cost update for a non-matching trunk")
	}
}
