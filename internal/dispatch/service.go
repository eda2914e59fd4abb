// Package dispatch implements request intake: validate, score for fraud,
// persist, then either hand off to the Shadow-Ban Simulator or resolve a
// caller ID and invoke the chosen channel provider, with failover across
// the requested channels.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/channel"
	"github.com/snarg/otp-gateway/internal/fraud"
	"github.com/snarg/otp-gateway/internal/statemachine"
	"github.com/snarg/otp-gateway/internal/store"
)

// requestStore is the slice of *store.Store the service needs to persist
// the pending request before any channel dispatch happens.
type requestStore interface {
	CreateRequest(ctx context.Context, r *store.Request) error
}

// fraudEngine is the slice of *fraud.Engine the service needs.
type fraudEngine interface {
	Score(ctx context.Context, req fraud.Request) (*fraud.Result, error)
}

// callRouter is the slice of *router.Router the service needs.
type callRouter interface {
	Lookup(channel, destination string) (string, bool)
}

// ShadowBanSimulator schedules a fake event sequence indistinguishable
// from a real delivery, for a request the fraud engine silently rejected.
type ShadowBanSimulator interface {
	Simulate(requestID, channelName string)
}

// Request is the service's intake input.
type Request struct {
	Phone      string
	Code       string
	SessionID  string
	Channels   []string
	WebhookURL string
	IP         net.IP
}

// Response is returned to the caller regardless of whether the request was
// allowed or shadow-banned — the two paths must be indistinguishable.
type Response struct {
	Status    string
	RequestID string
	Channel   string
	Phone     string
}

// Service composes the Fraud Engine, Caller-ID Router, channel providers,
// and the Shadow-Ban Simulator into one intake path.
type Service struct {
	db         requestStore
	fraud      fraudEngine
	router     callRouter
	providers  map[string]channel.Provider
	shadowban  ShadowBanSimulator
	failover   bool
	requestTTL time.Duration
	log        zerolog.Logger
}

func New(db requestStore, fe fraudEngine, router callRouter, providers map[string]channel.Provider, shadowban ShadowBanSimulator, failover bool, requestTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		fraud:      fe,
		router:     router,
		providers:  providers,
		shadowban:  shadowban,
		failover:   failover,
		requestTTL: requestTTL,
		log:        log,
	}
}

// Handle runs one dispatch: normalize, score, persist, then either the
// shadow-ban hand-off or the real channel dispatch with failover.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	parsed, err := fraud.ParsePhone(req.Phone)
	if err != nil {
		return nil, fmt.Errorf("invalid phone: %w", err)
	}
	if len(req.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be requested")
	}

	result, err := s.fraud.Score(ctx, fraud.Request{Phone: parsed.E164, IP: req.IP, SessionID: req.SessionID})
	if err != nil {
		return nil, fmt.Errorf("score request: %w", err)
	}

	requestID := uuid.New()
	now := time.Now()
	storeReq := &store.Request{
		ID:                requestID,
		Phone:             parsed.E164,
		CodeHash:          hashCode(req.Code),
		Status:            statemachine.StatusPending,
		AuthStatus:        "unverified",
		ChannelsRequested: req.Channels,
		FraudScore:        result.Score,
		FraudReasons:      result.Reasons,
		ShadowBanned:      result.ShadowBan,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.requestTTL),
	}
	if req.IP != nil {
		storeReq.IPAddress = &req.IP
	}
	if result.IPSubnet != "" {
		storeReq.IPSubnet = &result.IPSubnet
	}
	if result.IPCountry != "" {
		storeReq.IPCountry = &result.IPCountry
	}
	if result.PhoneCountry != "" {
		storeReq.PhoneCountry = &result.PhoneCountry
	}
	if result.PhonePrefix != "" {
		storeReq.PhonePrefix = &result.PhonePrefix
	}
	if result.ASN != 0 {
		storeReq.ASN = &result.ASN
	}
	if req.SessionID != "" {
		storeReq.SessionID = &req.SessionID
	}
	if req.WebhookURL != "" {
		storeReq.WebhookURL = &req.WebhookURL
	}

	if err := s.db.CreateRequest(ctx, storeReq); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	firstChannel := req.Channels[0]

	if result.ShadowBan {
		s.shadowban.Simulate(requestID.String(), firstChannel)
		return &Response{Status: statemachine.StatusPending, RequestID: requestID.String(), Channel: firstChannel, Phone: parsed.E164}, nil
	}

	return s.dispatchWithFailover(ctx, requestID.String(), req, parsed.E164)
}

// dispatchWithFailover tries each requested channel in order until one
// accepts origination, resolving a caller ID per channel via the router.
func (s *Service) dispatchWithFailover(ctx context.Context, requestID string, req Request, phone string) (*Response, error) {
	var lastErr error
	for i, channelName := range req.Channels {
		provider, ok := s.providers[channelName]
		if !ok {
			lastErr = fmt.Errorf("no provider registered for channel %q", channelName)
			continue
		}
		callerID, ok := s.router.Lookup(channelName, phone)
		if !ok {
			lastErr = fmt.Errorf("no caller-id route for channel %q destination %q", channelName, phone)
			if s.failover && i < len(req.Channels)-1 {
				continue
			}
			break
		}

		_, err := provider.Dispatch(ctx, channel.Request{RequestID: requestID, Phone: phone, Code: req.Code, IP: req.IP}, callerID)
		if err == nil {
			return &Response{Status: statemachine.StatusPending, RequestID: requestID, Channel: channelName, Phone: phone}, nil
		}

		lastErr = err
		s.log.Warn().Err(err).Str("request_id", requestID).Str("channel", channelName).Msg("channel dispatch failed")
		if !s.failover || i == len(req.Channels)-1 {
			break
		}
	}
	return &Response{Status: statemachine.StatusPending, RequestID: requestID, Channel: "", Phone: phone}, fmt.Errorf("no channel could be dispatched: %w", lastErr)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
