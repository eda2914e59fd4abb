package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snarg/otp-gateway/internal/store"
)

// RequestLister is the slice of *store.Store the requests handler needs.
type RequestLister interface {
	ListRequests(ctx context.Context, f store.RequestFilter) ([]*store.Request, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*store.Request, error)
}

type RequestsHandler struct {
	db RequestLister
}

func NewRequestsHandler(db RequestLister) *RequestsHandler {
	return &RequestsHandler{db: db}
}

func (h *RequestsHandler) Routes(r chi.Router) {
	r.Get("/api/v1/requests", h.List)
	r.Get("/api/v1/requests/{id}", h.Get)
}

// requestView is the admin-facing projection of store.Request — it omits
// code_hash and never round-trips to a channel provider.
type requestView struct {
	ID                string   `json:"id"`
	Phone             string   `json:"phone"`
	Status            string   `json:"status"`
	ChannelStatus     string   `json:"channel_status,omitempty"`
	Channel           string   `json:"channel,omitempty"`
	AuthStatus        string   `json:"auth_status"`
	ChannelsRequested []string `json:"channels_requested"`
	FraudScore        int      `json:"fraud_score"`
	FraudReasons      []string `json:"fraud_reasons,omitempty"`
	ShadowBanned      bool     `json:"shadow_banned"`
	PhoneCountry      string   `json:"phone_country,omitempty"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	SessionID         string   `json:"session_id,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

func toRequestView(r *store.Request) requestView {
	v := requestView{
		ID:                r.ID.String(),
		Phone:             r.Phone,
		Status:            r.Status,
		AuthStatus:        r.AuthStatus,
		ChannelsRequested: r.ChannelsRequested,
		FraudScore:        r.FraudScore,
		FraudReasons:      r.FraudReasons,
		ShadowBanned:      r.ShadowBanned,
		CreatedAt:         r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         r.UpdatedAt.Format(time.RFC3339),
	}
	if r.ChannelStatus != nil {
		v.ChannelStatus = *r.ChannelStatus
	}
	if r.Channel != nil {
		v.Channel = *r.Channel
	}
	if r.PhoneCountry != nil {
		v.PhoneCountry = *r.PhoneCountry
	}
	if r.ErrorMessage != nil {
		v.ErrorMessage = *r.ErrorMessage
	}
	if r.SessionID != nil {
		v.SessionID = *r.SessionID
	}
	return v
}

// List handles GET /api/v1/requests, filterable by status, channel, a phone
// substring, country, a fraud-score range, and a created-at window.
func (h *RequestsHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.RequestFilter{Limit: page.Limit, Offset: page.Offset}
	if v, ok := QueryString(r, "status"); ok {
		filter.Status = v
	}
	if v, ok := QueryString(r, "channel"); ok {
		filter.Channel = v
	}
	if v, ok := QueryString(r, "phone"); ok {
		filter.PhoneContains = v
	}
	if v, ok := QueryString(r, "country"); ok {
		filter.Country = v
	}
	if v, ok := QueryInt(r, "fraud_min"); ok {
		filter.FraudMin = v
	}
	if v, ok := QueryInt(r, "fraud_max"); ok {
		filter.FraudMax = v
	} else if filter.FraudMin > 0 {
		filter.FraudMax = 100
	}
	if v, ok := QueryTime(r, "created_after"); ok {
		filter.CreatedAfter = &v
	}
	if v, ok := QueryTime(r, "created_before"); ok {
		filter.CreatedBefore = &v
	}

	requests, err := h.db.ListRequests(r.Context(), filter)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	views := make([]requestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, toRequestView(req))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"requests": views, "limit": page.Limit, "offset": page.Offset})
}

// Get handles GET /api/v1/requests/{id}.
func (h *RequestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	idStr, err := PathParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	req, err := h.db.GetRequest(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "request not found")
		return
	}
	WriteJSON(w, http.StatusOK, toRequestView(req))
}
