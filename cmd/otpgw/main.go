package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/api"
	"github.com/snarg/otp-gateway/internal/calltracker"
	"github.com/snarg/otp-gateway/internal/channel"
	"github.com/snarg/otp-gateway/internal/config"
	"github.com/snarg/otp-gateway/internal/dispatch"
	"github.com/snarg/otp-gateway/internal/eventbus"
	"github.com/snarg/otp-gateway/internal/fraud"
	"github.com/snarg/otp-gateway/internal/livepush"
	"github.com/snarg/otp-gateway/internal/metrics"
	"github.com/snarg/otp-gateway/internal/router"
	"github.com/snarg/otp-gateway/internal/shadowban"
	"github.com/snarg/otp-gateway/internal/store"
	"github.com/snarg/otp-gateway/internal/telephonymgmt"
	"github.com/snarg/otp-gateway/internal/voice"
	"github.com/snarg/otp-gateway/internal/webhook"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.DataDir, "data-dir", "", "Embedded Postgres data directory (overrides DATA_DIR)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("otp-gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "store").Logger()
	db, err := store.Connect(ctx, cfg.DatabaseURL, cfg.DataDir, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	// Live push hub, webhook dispatcher, event bus — the three event-fanout
	// collaborators every provider and webhook handler reports through.
	pushLog := log.With().Str("component", "livepush").Logger()
	pushHub := livepush.New(cfg.LivePushKeepalive, cfg.LivePushSilenceMax, pushLog)

	webhookLog := log.With().Str("component", "webhook").Logger()
	webhookDispatcher := webhook.New(cfg.WebhookWorkers, cfg.WebhookQueueSize, cfg.WebhookTimeout, version, webhookLog)
	webhookDispatcher.Start()
	defer webhookDispatcher.Stop()

	busLog := log.With().Str("component", "eventbus").Logger()
	bus := eventbus.New(db, pushHub, webhookDispatcher, busLog)

	// Fraud engine
	fraudLog := log.With().Str("component", "fraud").Logger()
	fraudEngine := fraud.NewEngine(db, fraud.NewStaticGeoResolver(nil), fraud.NewStaticASNResolver(nil), fraud.Config{
		ShadowBanThreshold: cfg.ShadowBanThreshold,
		GeoMismatchPenalty: cfg.GeoMismatchPenalty,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitPerHour:   cfg.RateLimitPerHour,
		PhoneRateLimitHour: cfg.PhoneRateLimitHour,
		BreakerThreshold:   cfg.BreakerThreshold,
		CountryAllowlist:   splitCSV(cfg.CountryAllowlist),
		ASNBlocklist:       parseASNSet(cfg.ASNBlocklist, log),
		HoneypotTTL:        cfg.HoneypotTTL,
	}, fraudLog)

	// Caller-ID router
	routerLog := log.With().Str("component", "router").Logger()
	callRouter := router.New(db, routerLog)
	if err := callRouter.ReloadFromStore(ctx); err != nil {
		log.Warn().Err(err).Msg("initial caller-id route load failed, starting with an empty table")
	}
	if cfg.RouterOverrideFile != "" {
		done := make(chan struct{})
		defer close(done)
		if err := callRouter.WatchOverrideFile(cfg.RouterOverrideFile, done); err != nil {
			log.Warn().Err(err).Str("path", cfg.RouterOverrideFile).Msg("failed to watch router override file")
		}
	}

	// Shadow-ban simulator
	shadowbanSim := shadowban.New(bus, log.With().Str("component", "shadowban").Logger())

	// Channel providers
	providers := map[string]channel.Provider{}
	if cfg.SMSProviderURL != "" {
		providers["sms"] = channel.NewSMSProvider(
			cfg.SMSProviderURL, cfg.SMSProviderUsername, cfg.SMSProviderPassword,
			cfg.SMSMessageTemplate, cfg.SMSTimeout, bus, log.With().Str("component", "sms").Logger(),
		)
	}

	var voiceOrchestrator *voice.Orchestrator
	var voiceClient *voice.HTTPLongPollClient
	tracker := calltracker.New()
	if cfg.VoiceControlURL != "" {
		voiceClient = voice.NewHTTPLongPollClient(cfg.VoiceControlURL, cfg.VoiceControlUser, cfg.VoiceControlPass, cfg.VoicePlaybackTimeout)
		synth := voice.NewTemplateSynthesizer(cfg.VoiceMessageTemplate, nil, cfg.VoiceDigitPause)
		voiceOrchestrator = voice.NewOrchestrator(voiceClient, tracker, synth, bus, cfg.VoicePlaybackTimeout, log.With().Str("component", "voice").Logger())
		providers["voice"] = channel.NewVoiceProvider(voiceOrchestrator)

		voiceClient.Start(ctx)
		defer voiceClient.Stop()
		go voiceOrchestrator.Run(ctx)
	}

	// Telephony management listener (optional out-of-band hangup cause feed)
	var mgmtListener *telephonymgmt.Listener
	if cfg.ManagementAddr != "" {
		mgmtLog := log.With().Str("component", "telephonymgmt").Logger()
		mgmtListener = telephonymgmt.New(
			cfg.ManagementAddr, cfg.ManagementUsername, cfg.ManagementPassword,
			cfg.ManagementConnectTimeout, tracker, bus, mgmtLog,
		)
		go func() {
			if err := mgmtListener.Run(ctx); err != nil && ctx.Err() == nil {
				mgmtLog.Error().Err(err).Msg("management listener stopped")
			}
		}()
	}

	// Dispatch service
	dispatchLog := log.With().Str("component", "dispatch").Logger()
	dispatchSvc := dispatch.New(db, fraudEngine, callRouter, providers, shadowbanSim, cfg.ChannelFailover, cfg.RequestTTL, dispatchLog)

	// Metrics
	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector(db.Pool, gatewayStats{db: db, push: pushHub, wh: webhookDispatcher})
		prometheus.MustRegister(collector)
	}

	var telephonyStatus api.TelephonyStatus
	if mgmtListener != nil {
		telephonyStatus = mgmtListener
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Telephony: telephonyStatus,
		Dispatch:  dispatchSvc,
		LivePush:  pushHub,
		Requests:  db,
		Webhooks: api.WebhooksDeps{
			Store: db,
			Fraud: fraudEngine,
			Bus:   bus,
		},
		Collector: collector,
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       httpLog,
	})

	if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("otp-gateway ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("otp-gateway stopped")
}

// gatewayStats adapts the database, live push hub, and webhook dispatcher
// to metrics.GatewayStats's synchronous, no-error gauge reads.
type gatewayStats struct {
	db   *store.Store
	push *livepush.Hub
	wh   *webhook.Dispatcher
}

func (g gatewayStats) ActiveRequestCount() int {
	n, err := g.db.ActiveRequestCount(context.Background())
	if err != nil {
		return 0
	}
	return n
}

func (g gatewayStats) LivePushSubscriberCount() int {
	return g.push.SubscriberCount()
}

func (g gatewayStats) WebhookQueueDepth() int {
	return g.wh.QueueDepth()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseASNSet(s string, log zerolog.Logger) map[int64]bool {
	if s == "" {
		return nil
	}
	out := make(map[int64]bool)
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		asn, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			log.Warn().Str("value", p).Msg("invalid entry in FRAUD_ASN_BLOCKLIST, skipping")
			continue
		}
		out[asn] = true
	}
	return out
}
