package api

import (
	"context"
	"net/http"
	"time"
)

// DatabasePinger is the slice of *store.Store the health handler needs.
type DatabasePinger interface {
	HealthCheck(ctx context.Context) error
}

// TelephonyStatus is the slice of *telephonymgmt.Listener the health handler
// needs. Nil when no management socket is configured.
type TelephonyStatus interface {
	IsConnected() bool
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Asterisk  string `json:"asterisk"`
	UptimeSec int64  `json:"uptime_seconds"`
	Version   string `json:"version"`
}

type HealthHandler struct {
	db        DatabasePinger
	telephony TelephonyStatus
	version   string
	startTime time.Time
}

func NewHealthHandler(db DatabasePinger, telephony TelephonyStatus, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, telephony: telephony, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	dbStatus := "ok"
	if err := h.db.HealthCheck(r.Context()); err != nil {
		dbStatus = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	asteriskStatus := "not_configured"
	if h.telephony != nil {
		if h.telephony.IsConnected() {
			asteriskStatus = "ok"
		} else {
			asteriskStatus = "disconnected"
			httpStatus = http.StatusServiceUnavailable
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Database:  dbStatus,
		Asterisk:  asteriskStatus,
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
		Version:   h.version,
	})
}
