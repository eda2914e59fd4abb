package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// LivePushServer is the slice of *livepush.Hub the websocket handler needs.
type LivePushServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request) error
}

type WSHandler struct {
	hub LivePushServer
}

func NewWSHandler(hub LivePushServer) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) Routes(r chi.Router) {
	r.Get("/ws", h.Serve)
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.ServeWS(w, r); err != nil {
		WriteError(w, http.StatusBadRequest, "websocket upgrade failed")
	}
}
