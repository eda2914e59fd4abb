package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/snarg/otp-gateway/internal/dispatch"

	"github.com/go-chi/chi/v5"
)

// DispatchService is the slice of *dispatch.Service the handler needs.
type DispatchService interface {
	Handle(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// RequestAnnouncer is the slice of *livepush.Hub the handler needs to
// announce a freshly persisted request — this doesn't go through the event
// bus since the bus only ever reports status transitions after creation.
type RequestAnnouncer interface {
	PublishRequestCreated(requestID, phone, status string, channels []string)
}

type dispatchBody struct {
	Phone      string   `json:"phone"`
	Code       string   `json:"code"`
	SessionID  string   `json:"session_id"`
	Channels   []string `json:"channels"`
	WebhookURL string   `json:"webhook_url"`
	IP         string   `json:"ip"`
}

type dispatchResponseBody struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Channel   string `json:"channel"`
	Phone     string `json:"phone"`
}

type DispatchHandler struct {
	svc      DispatchService
	announce RequestAnnouncer
}

func NewDispatchHandler(svc DispatchService, announce RequestAnnouncer) *DispatchHandler {
	return &DispatchHandler{svc: svc, announce: announce}
}

func (h *DispatchHandler) Routes(r chi.Router) {
	r.Post("/dispatch", h.Dispatch)
}

var defaultChannels = []string{"sms"}

// Dispatch handles POST /dispatch. Response is always HTTP-200 once the
// body parses, since fraud rejection is indistinguishable from acceptance
// at this layer — only a malformed body is a client error.
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Phone) == "" {
		WriteError(w, http.StatusBadRequest, "phone is required")
		return
	}
	if len(body.Code) < 4 || len(body.Code) > 8 {
		WriteError(w, http.StatusBadRequest, "code must be 4-8 characters")
		return
	}

	channels := body.Channels
	if len(channels) == 0 {
		channels = defaultChannels
	}

	ip := net.ParseIP(body.IP)
	if ip == nil {
		ip = net.ParseIP(clientIP(r))
	}

	resp, err := h.svc.Handle(r.Context(), dispatch.Request{
		Phone:      body.Phone,
		Code:       body.Code,
		SessionID:  body.SessionID,
		Channels:   channels,
		WebhookURL: body.WebhookURL,
		IP:         ip,
	})
	if err != nil && resp == nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A non-nil err here means every requested channel failed to dispatch,
	// but the request was already persisted with a request id — the
	// caller still gets a success response, and the failure surfaces later
	// via webhook/live push, same as a fraud-triggered shadow ban.

	if h.announce != nil {
		h.announce.PublishRequestCreated(resp.RequestID, resp.Phone, resp.Status, channels)
	}

	WriteJSON(w, http.StatusOK, dispatchResponseBody{
		Status:    resp.Status,
		RequestID: resp.RequestID,
		Channel:   resp.Channel,
		Phone:     resp.Phone,
	})
}
