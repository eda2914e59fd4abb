package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"` // empty = launch embedded Postgres at DataDir
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Fraud engine thresholds
	ShadowBanThreshold int           `env:"SHADOW_BAN_THRESHOLD" envDefault:"50"`
	GeoMismatchPenalty int           `env:"GEO_MISMATCH_PENALTY" envDefault:"30"`
	RateLimitPerMinute int           `env:"FRAUD_RATE_LIMIT_MIN" envDefault:"5"`
	RateLimitPerHour   int           `env:"FRAUD_RATE_LIMIT_HOUR" envDefault:"20"`
	PhoneRateLimitHour int           `env:"FRAUD_PHONE_RATE_LIMIT_HOUR" envDefault:"10"`
	BreakerThreshold   int           `env:"FRAUD_BREAKER_THRESHOLD" envDefault:"5"`
	CountryAllowlist   string        `env:"FRAUD_COUNTRY_ALLOWLIST"` // comma-separated ISO country codes; empty = no gate
	ASNBlocklist       string        `env:"FRAUD_ASN_BLOCKLIST"`     // comma-separated ASNs
	HoneypotTTL        time.Duration `env:"FRAUD_HONEYPOT_TTL" envDefault:"24h"`

	// Channel providers
	SMSProviderURL      string        `env:"SMS_PROVIDER_URL"`
	SMSProviderUsername string        `env:"SMS_PROVIDER_USERNAME"`
	SMSProviderPassword string        `env:"SMS_PROVIDER_PASSWORD"`
	SMSTimeout          time.Duration `env:"SMS_TIMEOUT" envDefault:"10s"`
	SMSMessageTemplate  string        `env:"SMS_MESSAGE_TEMPLATE" envDefault:"Your verification code is {code}"`

	VoiceControlURL      string        `env:"VOICE_CONTROL_URL"`
	VoiceControlUser     string        `env:"VOICE_CONTROL_USERNAME"`
	VoiceControlPass     string        `env:"VOICE_CONTROL_PASSWORD"`
	VoiceAppName         string        `env:"VOICE_APP_NAME" envDefault:"otp-gateway"`
	VoicePlaybackTimeout time.Duration `env:"VOICE_PLAYBACK_TIMEOUT" envDefault:"60s"`
	VoiceMessageTemplate string        `env:"VOICE_MESSAGE_TEMPLATE" envDefault:"Your verification code is {code}"`
	VoiceDigitPause      time.Duration `env:"VOICE_DIGIT_PAUSE" envDefault:"700ms"`
	ChannelFailover      bool          `env:"CHANNEL_FAILOVER" envDefault:"true"`

	// Telephony management listener (AMI-style socket)
	ManagementAddr           string        `env:"MANAGEMENT_ADDR"`
	ManagementUsername       string        `env:"MANAGEMENT_USERNAME"`
	ManagementPassword       string        `env:"MANAGEMENT_PASSWORD"`
	ManagementConnectTimeout time.Duration `env:"MANAGEMENT_CONNECT_TIMEOUT" envDefault:"15s"`

	// CDR webhook ingest: call-detail records are filtered to this trunk
	// before being correlated back to a request. Empty means accept every
	// trunk_name seen.
	CDRTrunkID string `env:"CDR_TRUNK_ID"`

	// Webhook dispatcher
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	WebhookWorkers   int           `env:"WEBHOOK_WORKERS" envDefault:"4"`
	WebhookQueueSize int           `env:"WEBHOOK_QUEUE_SIZE" envDefault:"1000"`

	// Live push
	LivePushKeepalive  time.Duration `env:"LIVE_PUSH_KEEPALIVE" envDefault:"30s"`
	LivePushSilenceMax time.Duration `env:"LIVE_PUSH_SILENCE_MAX" envDefault:"60s"`

	RequestTTL time.Duration `env:"REQUEST_TTL" envDefault:"10m"`

	// RouterOverrideFile, if set, makes the Caller-ID Router watch a local
	// JSON file for routing rules instead of the database: each load of the
	// file replaces the whole route table, including routes read from the
	// database at startup, so an operator can push a routing change without a
	// deploy.
	RouterOverrideFile string `env:"ROUTER_OVERRIDE_FILE"`
}

// Validate checks cross-field invariants that env tags alone can't express.
func (c *Config) Validate() error {
	if c.SMSProviderURL == "" && c.VoiceControlURL == "" {
		return fmt.Errorf("at least one of SMS_PROVIDER_URL or VOICE_CONTROL_URL must be set")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	DataDir     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
	} else if cfg.AuthToken == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
