package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakePinger struct{ err error }

func (f fakePinger) HealthCheck(context.Context) error { return f.err }

type fakeTelephonyStatus struct{ connected bool }

func (f fakeTelephonyStatus) IsConnected() bool { return f.connected }

func TestHealthHandler_HealthyWithNoTelephony(t *testing.T) {
	h := NewHealthHandler(fakePinger{}, nil, "1.0", time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "healthy" || resp.Asterisk != "not_configured" {
		t.Errorf("resp = %+v, unexpected", resp)
	}
}

func TestHealthHandler_DatabaseErrorIsUnhealthy(t *testing.T) {
	h := NewHealthHandler(fakePinger{err: errors.New("down")}, nil, "1.0", time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthHandler_TelephonyDisconnectedIsDegraded(t *testing.T) {
	h := NewHealthHandler(fakePinger{}, fakeTelephonyStatus{connected: false}, "1.0", time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "degraded" || resp.Asterisk != "disconnected" {
		t.Errorf("resp = %+v, unexpected", resp)
	}
}
