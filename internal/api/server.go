package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/config"
	"github.com/snarg/otp-gateway/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	DB        DatabasePinger
	Telephony TelephonyStatus // nil if no management socket configured
	Dispatch  DispatchService
	LivePush  interface {
		LivePushServer
		RequestAnnouncer
	}
	Requests  RequestLister
	Webhooks  WebhooksDeps
	Collector *metrics.Collector // nil if metrics disabled

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

// WebhooksDeps groups the dependencies needed to build the inbound webhook
// handlers, so ServerOptions doesn't need three separate fields for one
// sub-component.
type WebhooksDeps struct {
	Store WebhookStore
	Fraud FraudFeedback
	Bus   EventEmitter
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	health := NewHealthHandler(opts.DB, opts.Telephony, opts.Version, opts.StartTime)
	r.Get("/health", health.ServeHTTP)

	if opts.Config.MetricsEnabled && opts.Collector != nil {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	// Inbound provider webhooks carry no bearer token — the provider has no
	// way to obtain one — so they sit outside the authenticated group but
	// still get the shared rate limiter and recovery middleware above.
	webhooks := NewWebhooksHandler(opts.Webhooks.Store, opts.Webhooks.Fraud, opts.Webhooks.Bus, opts.Config.CDRTrunkID, opts.Log)
	webhooks.Routes(r)

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // 1 MB — dispatch/request bodies are small
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.AuthToken))
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		NewDispatchHandler(opts.Dispatch, opts.LivePush).Routes(r)
		NewRequestsHandler(opts.Requests).Routes(r)
		NewWSHandler(opts.LivePush).Routes(r)
	})

	srv := &http.Server{
		Addr:         opts.Config.HTTPAddr,
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: 0, // the live push upgrade is long-lived
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
