package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/snarg/otp-gateway/internal/dispatch"
)

type fakeDispatchService struct {
	resp *dispatch.Response
	err  error
	got  dispatch.Request
}

func (f *fakeDispatchService) Handle(_ context.Context, req dispatch.Request) (*dispatch.Response, error) {
	f.got = req
	return f.resp, f.err
}

type fakeAnnouncer struct {
	calls []string
}

func (f *fakeAnnouncer) PublishRequestCreated(requestID, phone, status string, channels []string) {
	f.calls = append(f.calls, requestID)
}

func doDispatch(h *DispatchHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/dispatch", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Dispatch(rec, req)
	return rec
}

func TestDispatchHandler_RejectsMissingPhone(t *testing.T) {
	h := NewDispatchHandler(&fakeDispatchService{}, nil)
	rec := doDispatch(h, `{"code":"123456"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDispatchHandler_RejectsBadCodeLength(t *testing.T) {
	h := NewDispatchHandler(&fakeDispatchService{}, nil)
	rec := doDispatch(h, `{"phone":"+14155551234","code":"12"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDispatchHandler_DefaultsChannelsToSMS(t *testing.T) {
	svc := &fakeDispatchService{resp: &dispatch.Response{Status: "pending", RequestID: "r1", Channel: "sms", Phone: "+14155551234"}}
	h := NewDispatchHandler(svc, &fakeAnnouncer{})
	rec := doDispatch(h, `{"phone":"+14155551234","code":"123456"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(svc.got.Channels) != 1 || svc.got.Channels[0] != "sms" {
		t.Errorf("channels = %v, want [sms]", svc.got.Channels)
	}
}

func TestDispatchHandler_AnnouncesCreatedRequest(t *testing.T) {
	svc := &fakeDispatchService{resp: &dispatch.Response{Status: "pending", RequestID: "r2", Channel: "sms", Phone: "+14155551234"}}
	announcer := &fakeAnnouncer{}
	h := NewDispatchHandler(svc, announcer)

	rec := doDispatch(h, `{"phone":"+14155551234","code":"123456","channels":["sms"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(announcer.calls) != 1 || announcer.calls[0] != "r2" {
		t.Errorf("announced calls = %v, want [r2]", announcer.calls)
	}

	var body dispatchResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.RequestID != "r2" || body.Phone != "+14155551234" {
		t.Errorf("body = %+v, unexpected", body)
	}
}

func TestDispatchHandler_ServiceErrorWithNilResponseIsBadRequest(t *testing.T) {
	svc := &fakeDispatchService{err: errors.New("invalid phone: bad format")}
	h := NewDispatchHandler(svc, nil)
	rec := doDispatch(h, `{"phone":"bad","code":"123456"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
