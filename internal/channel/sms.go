package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SMSProvider posts a one-time code to an outbound SMS gateway over HTTP
// Basic Auth and reports the synchronous queued/sending/sent sequence
// through the event bus. Delivery reports (delivered/failed/undelivered)
// arrive later via the webhooks handler, correlated by provider ID.
type SMSProvider struct {
	url      string
	username string
	password string
	template string
	client   *http.Client
	emit     Emitter
	log      zerolog.Logger
}

func NewSMSProvider(url, username, password, template string, timeout time.Duration, emit Emitter, log zerolog.Logger) *SMSProvider {
	if template == "" {
		template = "Your verification code is {code}"
	}
	return &SMSProvider{
		url:      url,
		username: username,
		password: password,
		template: template,
		client:   &http.Client{Timeout: timeout},
		emit:     emit,
		log:      log.With().Str("channel", "sms").Logger(),
	}
}

func (p *SMSProvider) Name() string { return "sms" }

type smsSendResponse struct {
	ID string `json:"id"`
}

// Dispatch posts the message and emits queued/sending/sent around the HTTP
// call, capturing the gateway's opaque message ID as provider_id.
func (p *SMSProvider) Dispatch(ctx context.Context, req Request, callerID string) (Result, error) {
	p.emitEvent(ctx, req.RequestID, "queued", nil)

	body := strings.NewReplacer("{code}", req.Code).Replace(p.template)
	payload, err := json.Marshal(map[string]string{
		"to":   req.Phone,
		"from": callerID,
		"body": body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal sms payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create sms request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.username != "" {
		httpReq.SetBasicAuth(p.username, p.password)
	}

	p.emitEvent(ctx, req.RequestID, "sending", nil)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.emitEvent(ctx, req.RequestID, "failed", map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("sms provider request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		p.emitEvent(ctx, req.RequestID, "failed", map[string]any{
			"error": fmt.Sprintf("sms provider returned status %d", resp.StatusCode),
		})
		return Result{}, fmt.Errorf("sms provider status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed smsSendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		p.log.Warn().Err(err).Msg("sms provider response was not the expected JSON shape")
	}

	p.emitEvent(ctx, req.RequestID, "sent", map[string]any{"provider_id": parsed.ID})

	return Result{ProviderID: parsed.ID, Accepted: true}, nil
}

func (p *SMSProvider) emitEvent(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := p.emit.Emit(ctx, requestID, "sms", eventType, data); err != nil {
		p.log.Warn().Err(err).Str("request_id", requestID).Str("event_type", eventType).Msg("failed to emit sms event")
	}
}
