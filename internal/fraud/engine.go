// Package fraud implements the ten-rule scoring engine that decides
// whether a dispatch request is allowed or covertly shadow-banned.
package fraud

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/store"
)

// reputationStore is the slice of *store.Store the engine needs, narrowed
// to an interface so tests can substitute an in-memory fake the way the
// api package's handler tests substitute mock queriers.
type reputationStore interface {
	IsWhitelisted(ctx context.Context, typ, value string) (bool, error)
	IsHoneypotted(ctx context.Context, subnet string) (bool, error)
	InsertHoneypot(ctx context.Context, subnet, reason string, ttlSeconds int) error
	GetReputation(ctx context.Context, key string) (*store.Reputation, error)
	IncrementRequestCount(ctx context.Context, key string) error
	IncrementVerified(ctx context.Context, key string) error
	IncrementFailed(ctx context.Context, key string) error
	IncrementBanned(ctx context.Context, key string) error
	GetBreaker(ctx context.Context, key string) (*store.Breaker, error)
	RecordBreakerFailure(ctx context.Context, key string, threshold int) (*store.Breaker, error)
	ResetBreaker(ctx context.Context, key string) error
}

// Request is the engine's input.
type Request struct {
	Phone     string
	IP        net.IP
	SessionID string
}

// Result is the engine's output.
type Result struct {
	Allowed      bool
	ShadowBan    bool
	Score        int
	Reasons      []string
	IPSubnet     string
	IPCountry    string
	PhoneCountry string
	PhonePrefix  string
	ASN          int64
}

// Config carries the tunable thresholds used by the rule table below.
type Config struct {
	ShadowBanThreshold int
	GeoMismatchPenalty int
	RateLimitPerMinute int
	RateLimitPerHour   int
	PhoneRateLimitHour int
	BreakerThreshold   int
	CountryAllowlist   []string // empty = no gate (R8)
	ASNBlocklist       map[int64]bool
	HoneypotTTL        time.Duration
}

// Engine scores requests against the rule table and records the decision.
type Engine struct {
	db   reputationStore
	geo  GeoResolver
	asn  ASNResolver
	cfg  Config
	log  zerolog.Logger

	minuteWindow *slidingWindow
	hourWindow   *slidingWindow
}

func NewEngine(db *store.Store, geo GeoResolver, asn ASNResolver, cfg Config, log zerolog.Logger) *Engine {
	return NewEngineWithStore(db, geo, asn, cfg, log)
}

// NewEngineWithStore builds an Engine against any reputationStore
// implementation, letting tests substitute an in-memory fake in place of
// the real *store.Store.
func NewEngineWithStore(db reputationStore, geo GeoResolver, asn ASNResolver, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		db:           db,
		geo:          geo,
		asn:          asn,
		cfg:          cfg,
		log:          log,
		minuteWindow: newSlidingWindow(time.Minute),
		hourWindow:   newSlidingWindow(time.Hour),
	}
}

// ipSubnet derives a privacy-preserving /24 (IPv4) or /64 (IPv6) subnet
// string for use as a reputation/breaker/rate-limit key.
func ipSubnet(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	mask := net.CIDRMask(64, 128)
	return (ip.Mask(mask)).String() + "/64"
}

// Score evaluates req against the whitelist and the ten rules, in order,
// and records the resulting reputation/rate/honeypot side effects.
func (e *Engine) Score(ctx context.Context, req Request) (*Result, error) {
	now := time.Now()

	if req.IP != nil {
		if hit, err := e.db.IsWhitelisted(ctx, "ip", req.IP.String()); err != nil {
			return nil, fmt.Errorf("check ip whitelist: %w", err)
		} else if hit {
			return &Result{Allowed: true, ShadowBan: false, Score: 0}, nil
		}
	}
	if hit, err := e.db.IsWhitelisted(ctx, "phone", req.Phone); err != nil {
		return nil, fmt.Errorf("check phone whitelist: %w", err)
	} else if hit {
		return &Result{Allowed: true, ShadowBan: false, Score: 0}, nil
	}

	res := &Result{Allowed: true}

	subnet := ""
	if req.IP != nil {
		subnet = ipSubnet(req.IP)
		res.IPSubnet = subnet
		if country, ok := e.geo.ResolveCountry(req.IP); ok {
			res.IPCountry = country
		}
		if asn, ok := e.asn.ResolveASN(req.IP); ok {
			res.ASN = asn
		}
	}

	parsed, err := ParsePhone(req.Phone)
	if err == nil {
		res.PhoneCountry = parsed.Country
		res.PhonePrefix = parsed.Prefix
	}

	instant := func(reason string) {
		res.Score = 100
		res.Reasons = append(res.Reasons, reason)
	}
	additive := func(reason string, points int) {
		res.Score += points
		res.Reasons = append(res.Reasons, reason)
	}

	// R1 ASN blocklist (instant)
	if res.Score < 100 && e.cfg.ASNBlocklist[res.ASN] && res.ASN != 0 {
		instant("asn_blocklist")
	}

	// R2 Honeypot (instant)
	if res.Score < 100 && subnet != "" {
		banned, err := e.db.IsHoneypotted(ctx, subnet)
		if err != nil {
			return nil, fmt.Errorf("check honeypot: %w", err)
		}
		if banned {
			instant("honeypot")
		}
	}

	// R3 IP banned (instant)
	if res.Score < 100 && subnet != "" {
		rep, err := e.db.GetReputation(ctx, "subnet:"+subnet)
		if err != nil {
			return nil, fmt.Errorf("get subnet reputation: %w", err)
		}
		if rep.Banned > 0 {
			instant("ip_banned")
		}
	}

	// R4 Rate/min (subnet) (+50)
	if subnet != "" {
		count := e.minuteWindow.Count("subnet:"+subnet, now)
		if count >= e.cfg.RateLimitPerMinute {
			additive("rate_limit_minute_subnet", 50)
		}
	}

	// R5 Rate/hour (subnet) (+40)
	if subnet != "" {
		count := e.hourWindow.Count("subnet:"+subnet, now)
		if count >= e.cfg.RateLimitPerHour {
			additive("rate_limit_hour_subnet", 40)
		}
	}

	// R6 Rate/hour (phone) (+30)
	count := e.hourWindow.Count("phone:"+req.Phone, now)
	if count >= e.cfg.PhoneRateLimitHour {
		additive("rate_limit_hour_phone", 30)
	}

	// R7 Geo mismatch (+geo_penalty)
	if res.IPCountry != "" && res.PhoneCountry != "" && res.IPCountry != res.PhoneCountry {
		additive("geo_mismatch", e.cfg.GeoMismatchPenalty)
	}

	// R8 Country gate (+40)
	if len(e.cfg.CountryAllowlist) > 0 && res.PhoneCountry != "" && !contains(e.cfg.CountryAllowlist, res.PhoneCountry) {
		additive("country_not_allowed", 40)
	}

	// R9 Breaker(phone) (+50, opens)
	phoneBreaker, err := e.db.GetBreaker(ctx, "phone:"+req.Phone)
	if err != nil {
		return nil, fmt.Errorf("get phone breaker: %w", err)
	}
	if phoneBreaker.State == "open" || phoneBreaker.Failures >= e.cfg.BreakerThreshold {
		additive("breaker_open_phone", 50)
	}

	// R10 Breaker(ip) (+40, opens)
	if subnet != "" {
		ipBreaker, err := e.db.GetBreaker(ctx, "ip:"+subnet)
		if err != nil {
			return nil, fmt.Errorf("get ip breaker: %w", err)
		}
		if ipBreaker.State == "open" || ipBreaker.Failures >= e.cfg.BreakerThreshold {
			additive("breaker_open_ip", 40)
		}
	}

	// Record this attempt for future rate-limit windows regardless of outcome.
	if subnet != "" {
		e.minuteWindow.Record("subnet:"+subnet, now)
		e.hourWindow.Record("subnet:"+subnet, now)
		if err := e.db.IncrementRequestCount(ctx, "subnet:"+subnet); err != nil {
			e.log.Warn().Err(err).Msg("increment subnet reputation failed")
		}
	}
	e.hourWindow.Record("phone:"+req.Phone, now)
	if err := e.db.IncrementRequestCount(ctx, "phone:"+req.Phone); err != nil {
		e.log.Warn().Err(err).Msg("increment phone reputation failed")
	}

	if res.Score >= e.cfg.ShadowBanThreshold {
		res.ShadowBan = true
		res.Allowed = false
		if subnet != "" {
			ttl := e.cfg.HoneypotTTL
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}
			if err := e.db.InsertHoneypot(ctx, subnet, "shadow_ban_threshold", int(ttl.Seconds())); err != nil {
				e.log.Warn().Err(err).Msg("insert honeypot failed")
			}
			if err := e.db.IncrementBanned(ctx, "subnet:"+subnet); err != nil {
				e.log.Warn().Err(err).Msg("increment banned reputation failed")
			}
		}
	}

	return res, nil
}

// RecordSuccess resets both breakers and increments verified reputation
// after a successful auth feedback.
func (e *Engine) RecordSuccess(ctx context.Context, phone, ipSubnet string) error {
	if err := e.db.ResetBreaker(ctx, "phone:"+phone); err != nil {
		return fmt.Errorf("reset phone breaker: %w", err)
	}
	if err := e.db.IncrementVerified(ctx, "phone:"+phone); err != nil {
		return fmt.Errorf("increment phone reputation: %w", err)
	}
	if ipSubnet != "" {
		if err := e.db.ResetBreaker(ctx, "ip:"+ipSubnet); err != nil {
			return fmt.Errorf("reset ip breaker: %w", err)
		}
		if err := e.db.IncrementVerified(ctx, "ip:"+ipSubnet); err != nil {
			return fmt.Errorf("increment ip reputation: %w", err)
		}
	}
	return nil
}

// RecordFailure increments failure counters without an immediate ban.
func (e *Engine) RecordFailure(ctx context.Context, phone, ipSubnet string) error {
	if _, err := e.db.RecordBreakerFailure(ctx, "phone:"+phone, e.cfg.BreakerThreshold); err != nil {
		return fmt.Errorf("record phone breaker failure: %w", err)
	}
	if err := e.db.IncrementFailed(ctx, "phone:"+phone); err != nil {
		return fmt.Errorf("increment phone reputation: %w", err)
	}
	if ipSubnet != "" {
		if _, err := e.db.RecordBreakerFailure(ctx, "ip:"+ipSubnet, e.cfg.BreakerThreshold); err != nil {
			return fmt.Errorf("record ip breaker failure: %w", err)
		}
		if err := e.db.IncrementFailed(ctx, "ip:"+ipSubnet); err != nil {
			return fmt.Errorf("increment ip reputation: %w", err)
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
