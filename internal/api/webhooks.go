package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/store"
)

// WebhookStore is the slice of *store.Store the webhook handlers need.
type WebhookStore interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*store.Request, error)
	GetRequestByProviderID(ctx context.Context, providerID string) (*store.Request, error)
	GetLatestRequestByPhone(ctx context.Context, phone, channel string) (*store.Request, error)
	UpdateRequestPartial(ctx context.Context, id uuid.UUID, fields map[string]any) error
}

// FraudFeedback is the slice of *fraud.Engine the auth webhook needs.
type FraudFeedback interface {
	RecordSuccess(ctx context.Context, phone, ipSubnet string) error
	RecordFailure(ctx context.Context, phone, ipSubnet string) error
}

// EventEmitter is the slice of *eventbus.Bus the webhook handlers need to
// record a delivery-report event against a request.
type EventEmitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

type WebhooksHandler struct {
	db      WebhookStore
	fraud   FraudFeedback
	bus     EventEmitter
	trunkID string
	log     zerolog.Logger
}

func NewWebhooksHandler(db WebhookStore, fraud FraudFeedback, bus EventEmitter, trunkID string, log zerolog.Logger) *WebhooksHandler {
	return &WebhooksHandler{db: db, fraud: fraud, bus: bus, trunkID: trunkID, log: log}
}

func (h *WebhooksHandler) Routes(r chi.Router) {
	r.Post("/webhooks/auth", h.Auth)
	r.Post("/webhooks/dlr", h.DLR)
	r.Post("/webhooks/cdr", h.CDR)
}

type authWebhookBody struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
}

// Auth handles POST /webhooks/auth: the caller reports whether the OTP the
// subscriber submitted was correct, updating auth_status and feeding the
// fraud engine's reputation counters. Always HTTP-200.
func (h *WebhooksHandler) Auth(w http.ResponseWriter, r *http.Request) {
	var body authWebhookBody
	if err := DecodeJSON(r, &body); err != nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	id, err := uuid.Parse(body.RequestID)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	req, err := h.db.GetRequest(r.Context(), id)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	authStatus := "failed"
	if body.Success {
		authStatus = "verified"
	}
	if err := h.db.UpdateRequestPartial(r.Context(), id, map[string]any{"auth_status": authStatus}); err != nil {
		h.log.Warn().Err(err).Str("request_id", body.RequestID).Msg("auth webhook: request update failed")
	}

	ipSubnet := ""
	if req.IPSubnet != nil {
		ipSubnet = *req.IPSubnet
	}
	if body.Success {
		if err := h.fraud.RecordSuccess(r.Context(), req.Phone, ipSubnet); err != nil {
			h.log.Warn().Err(err).Str("request_id", body.RequestID).Msg("auth webhook: fraud record-success failed")
		}
	} else {
		if err := h.fraud.RecordFailure(r.Context(), req.Phone, ipSubnet); err != nil {
			h.log.Warn().Err(err).Str("request_id", body.RequestID).Msg("auth webhook: fraud record-failure failed")
		}
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dlrWebhookBody struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	ErrorCode     string  `json:"error_code"`
	ErrorMessage  string  `json:"error_message"`
	Price         float64 `json:"price"`
	FragmentsSent int     `json:"fragments_sent"`
	CodeID        string  `json:"code_id"`
}

// DLR handles POST /webhooks/dlr: an SMS provider's delivery-status
// callback, correlated by provider id (case-insensitive). Always HTTP-200,
// since the provider has no use for an error response and will only retry
// into a queue we'd have to drain anyway.
func (h *WebhooksHandler) DLR(w http.ResponseWriter, r *http.Request) {
	var body dlrWebhookBody
	if err := DecodeJSON(r, &body); err != nil || body.ID == "" {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	req, err := h.db.GetRequestByProviderID(r.Context(), body.ID)
	if err != nil {
		h.log.Debug().Str("provider_id", body.ID).Msg("dlr webhook: no matching request")
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	eventType := normalizeDLRStatus(body.Status)
	if eventType == "" {
		h.log.Debug().Str("provider_id", body.ID).Str("status", body.Status).Msg("dlr webhook: unrecognized status, ignoring")
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	data := map[string]any{"provider_id": body.ID}
	if body.ErrorMessage != "" {
		data["error"] = body.ErrorMessage
	}
	if body.ErrorCode != "" {
		data["error_code"] = body.ErrorCode
	}
	if body.Price != 0 {
		data["price"] = body.Price
	}
	if body.FragmentsSent != 0 {
		data["fragments_sent"] = body.FragmentsSent
	}

	if err := h.bus.Emit(r.Context(), req.ID.String(), "sms", eventType, data); err != nil {
		h.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("dlr webhook: event emit failed")
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// normalizeDLRStatus maps a provider's delivery-status vocabulary onto the
// channel event types the state machine understands. An unrecognized status
// returns "" rather than guessing "sent", since a guess could regress an
// already-"delivered" request backward.
func normalizeDLRStatus(status string) string {
	switch strings.ToLower(status) {
	case "sent", "submitted", "accepted":
		return "sent"
	case "delivered", "delivrd":
		return "delivered"
	case "rejected", "undeliv", "undelivered", "failed":
		return "failed"
	default:
		return ""
	}
}

type cdrRecord struct {
	ID        string  `json:"id"`
	DstNumber string  `json:"dst_number"`
	TimeStart string  `json:"time_start"`
	TimeEnd   string  `json:"time_end"`
	Duration  float64 `json:"duration"`
	Price     float64 `json:"price"`
	TrunkName string  `json:"trunk_name"`
}

var trunkUUIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// matchesTrunk reports whether trunkName targets the configured trunk.
// trunk_name often embeds a UUID alongside a human label; prefer that over
// an exact string match so relabeling the trunk doesn't break correlation.
func matchesTrunk(trunkName, wantTrunkID string) bool {
	if wantTrunkID == "" {
		return true
	}
	if id := trunkUUIDPattern.FindString(trunkName); id != "" {
		return strings.EqualFold(id, wantTrunkID)
	}
	return strings.EqualFold(trunkName, wantTrunkID)
}

// CDR handles POST /webhooks/cdr: call-detail records delivered as a JSON
// array, newline-delimited JSON, or a single object. Records outside the
// configured trunk are dropped. Always HTTP-200.
func (h *WebhooksHandler) CDR(w http.ResponseWriter, r *http.Request) {
	records, err := decodeCDRBody(r)
	if err != nil {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	processed := 0
	for _, rec := range records {
		if !matchesTrunk(rec.TrunkName, h.trunkID) {
			continue
		}
		h.applyCDR(r.Context(), rec)
		processed++
	}

	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "processed": processed})
}

// applyCDR records the call's cost against the request. It never emits a
// bus event: "cdr" has no entry in the voice status table, and pushing it
// through Emit would clobber an already-"delivered" request back to
// "failed" the moment its call-detail record arrives.
func (h *WebhooksHandler) applyCDR(ctx context.Context, rec cdrRecord) {
	req, err := h.db.GetLatestRequestByPhone(ctx, rec.DstNumber, "voice")
	if err != nil {
		h.log.Debug().Str("dst_number", rec.DstNumber).Msg("cdr webhook: no matching voice request")
		return
	}

	fields := map[string]any{"voice_cost_units": int64(rec.Price * 10000)}
	if err := h.db.UpdateRequestPartial(ctx, req.ID, fields); err != nil {
		h.log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("cdr webhook: cost update failed")
	}
}

// decodeCDRBody accepts a JSON array, a single JSON object, or
// newline-delimited JSON objects.
func decodeCDRBody(r *http.Request) ([]cdrRecord, error) {
	data, err := peekFirstNonSpace(r)
	if err != nil {
		return nil, err
	}

	if data == '[' {
		var records []cdrRecord
		if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var single cdrRecord
	if err := json.Unmarshal(body, &single); err == nil {
		return []cdrRecord{single}, nil
	}

	var records []cdrRecord
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec cdrRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// peekFirstNonSpace reads and restores the first non-whitespace byte of the
// request body so decodeCDRBody can branch on array-vs-object framing
// without consuming the stream twice.
func peekFirstNonSpace(r *http.Request) (byte, error) {
	br := bufio.NewReader(r.Body)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		br.UnreadByte()
		r.Body = io.NopCloser(br)
		return b, nil
	}
}
