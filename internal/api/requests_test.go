package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snarg/otp-gateway/internal/store"
)

type fakeRequestLister struct {
	filter store.RequestFilter
	list   []*store.Request
	byID   map[string]*store.Request
}

func (f *fakeRequestLister) ListRequests(_ context.Context, filter store.RequestFilter) ([]*store.Request, error) {
	f.filter = filter
	return f.list, nil
}

func (f *fakeRequestLister) GetRequest(_ context.Context, id uuid.UUID) (*store.Request, error) {
	if r, ok := f.byID[id.String()]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func TestRequestsHandler_ListAppliesStatusFilter(t *testing.T) {
	lister := &fakeRequestLister{list: []*store.Request{
		{ID: uuid.New(), Phone: "+14155551234", Status: "pending", AuthStatus: "pending", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}}
	h := NewRequestsHandler(lister)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests?status=pending", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if lister.filter.Status != "pending" {
		t.Errorf("filter.Status = %q, want pending", lister.filter.Status)
	}
}

func TestRequestsHandler_GetReturnsNotFoundForUnknownID(t *testing.T) {
	lister := &fakeRequestLister{byID: map[string]*store.Request{}}
	h := NewRequestsHandler(lister)

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+id.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRequestsHandler_GetReturnsViewOmittingCodeHash(t *testing.T) {
	id := uuid.New()
	lister := &fakeRequestLister{byID: map[string]*store.Request{
		id.String(): {ID: id, Phone: "+14155551234", Status: "pending", AuthStatus: "pending", CodeHash: "secret", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}}
	h := NewRequestsHandler(lister)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+id.String(), nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Get(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var raw map[string]any
	json.Unmarshal(rec.Body.Bytes(), &raw)
	if _, present := raw["code_hash"]; present {
		t.Error("response should never include code_hash")
	}
}
