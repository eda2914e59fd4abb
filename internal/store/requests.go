package store

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Request is the lifetime aggregate for one dispatch.
type Request struct {
	ID                uuid.UUID
	Phone             string
	CodeHash          string
	Status            string
	ChannelStatus     *string
	Channel           *string
	AuthStatus        string
	ChannelsRequested []string
	IPAddress         *net.IP
	IPSubnet          *string
	ASN               *int64
	IPCountry         *string
	PhoneCountry      *string
	PhonePrefix       *string
	FraudScore        int
	FraudReasons      []string
	ShadowBanned      bool
	WebhookURL        *string
	ProviderID        *string
	ErrorMessage      *string
	SessionID         *string
	StartTime         *time.Time
	AnswerTime        *time.Time
	EndTime           *time.Time
	SMSCostUnits      int64
	VoiceCostUnits    int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ExpiresAt         time.Time
}

// CreateRequest persists a brand-new request row prior to any channel
// dispatch.
func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO requests (
			id, phone, code_hash, status, auth_status, channels_requested,
			ip_address, ip_subnet, asn, ip_country, phone_country, phone_prefix,
			fraud_score, fraud_reasons, shadow_banned, webhook_url, session_id,
			sms_cost_units, voice_cost_units, created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)
	`,
		r.ID, r.Phone, r.CodeHash, r.Status, r.AuthStatus, r.ChannelsRequested,
		r.IPAddress, r.IPSubnet, r.ASN, r.IPCountry, r.PhoneCountry, r.PhonePrefix,
		r.FraudScore, r.FraudReasons, r.ShadowBanned, r.WebhookURL, r.SessionID,
		r.SMSCostUnits, r.VoiceCostUnits, r.CreatedAt, r.UpdatedAt, r.ExpiresAt,
	)
	return err
}

// GetRequest reads a single request by primary key.
func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, phone, code_hash, status, channel_status, channel, auth_status,
			channels_requested, ip_address, ip_subnet, asn, ip_country, phone_country,
			phone_prefix, fraud_score, fraud_reasons, shadow_banned, webhook_url,
			provider_id, error_message, session_id, start_time, answer_time, end_time,
			sms_cost_units, voice_cost_units, created_at, updated_at, expires_at
		FROM requests WHERE id = $1
	`, id)
	return scanRequest(row)
}

// GetRequestByProviderID looks up a request by its SMS provider's opaque ID,
// matched case-insensitively.
func (s *Store) GetRequestByProviderID(ctx context.Context, providerID string) (*Request, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, phone, code_hash, status, channel_status, channel, auth_status,
			channels_requested, ip_address, ip_subnet, asn, ip_country, phone_country,
			phone_prefix, fraud_score, fraud_reasons, shadow_banned, webhook_url,
			provider_id, error_message, session_id, start_time, answer_time, end_time,
			sms_cost_units, voice_cost_units, created_at, updated_at, expires_at
		FROM requests WHERE lower(provider_id) = lower($1)
	`, providerID)
	return scanRequest(row)
}

func scanRequest(row pgx.Row) (*Request, error) {
	r := &Request{}
	err := row.Scan(
		&r.ID, &r.Phone, &r.CodeHash, &r.Status, &r.ChannelStatus, &r.Channel, &r.AuthStatus,
		&r.ChannelsRequested, &r.IPAddress, &r.IPSubnet, &r.ASN, &r.IPCountry, &r.PhoneCountry,
		&r.PhonePrefix, &r.FraudScore, &r.FraudReasons, &r.ShadowBanned, &r.WebhookURL,
		&r.ProviderID, &r.ErrorMessage, &r.SessionID, &r.StartTime, &r.AnswerTime, &r.EndTime,
		&r.SMSCostUnits, &r.VoiceCostUnits, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRequestPartial applies a sparse set of column updates in a single
// statement, always touching updated_at. fields keys must be column names;
// callers build these from trusted, compile-time-known sets only.
func (s *Store) UpdateRequestPartial(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	i := 1

	for col, val := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", i))
	args = append(args, time.Now())
	i++

	args = append(args, id)
	query := fmt.Sprintf("UPDATE requests SET %s WHERE id = $%d", strings.Join(setClauses, ", "), i)

	_, err := s.Pool.Exec(ctx, query, args...)
	return err
}

// RequestFilter narrows ListRequests to the predicates admin list consumers
// need.
type RequestFilter struct {
	Status        string
	Channel       string
	PhoneContains string
	Country       string
	FraudMin      int
	FraudMax      int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// ListRequests returns a page of requests matching filter, newest first.
func (s *Store) ListRequests(ctx context.Context, f RequestFilter) ([]*Request, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	clauses := make([]string, 0, 8)
	args := make([]any, 0, 8)
	i := 1
	arg := func(v any) string {
		args = append(args, v)
		i++
		return fmt.Sprintf("$%d", i-1)
	}

	if f.Status != "" {
		clauses = append(clauses, "status = "+arg(f.Status))
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel = "+arg(f.Channel))
	}
	if f.PhoneContains != "" {
		clauses = append(clauses, "phone ILIKE "+arg("%"+f.PhoneContains+"%"))
	}
	if f.Country != "" {
		clauses = append(clauses, "phone_country = "+arg(f.Country))
	}
	if f.FraudMax > 0 {
		clauses = append(clauses, "fraud_score BETWEEN "+arg(f.FraudMin)+" AND "+arg(f.FraudMax))
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= "+arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= "+arg(*f.CreatedBefore))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, phone, code_hash, status, channel_status, channel, auth_status,
			channels_requested, ip_address, ip_subnet, asn, ip_country, phone_country,
			phone_prefix, fraud_score, fraud_reasons, shadow_banned, webhook_url,
			provider_id, error_message, session_id, start_time, answer_time, end_time,
			sms_cost_units, voice_cost_units, created_at, updated_at, expires_at
		FROM requests %s
		ORDER BY created_at DESC
		LIMIT %s OFFSET %s
	`, where, arg(limit), arg(f.Offset))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestRequestByPhone finds the most recent request on the given
// channel for a destination phone number, for correlating a provider
// call-detail record back to the request that placed the call.
func (s *Store) GetLatestRequestByPhone(ctx context.Context, phone, channel string) (*Request, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, phone, code_hash, status, channel_status, channel, auth_status,
			channels_requested, ip_address, ip_subnet, asn, ip_country, phone_country,
			phone_prefix, fraud_score, fraud_reasons, shadow_banned, webhook_url,
			provider_id, error_message, session_id, start_time, answer_time, end_time,
			sms_cost_units, voice_cost_units, created_at, updated_at, expires_at
		FROM requests WHERE phone = $1 AND channel = $2
		ORDER BY created_at DESC LIMIT 1
	`, phone, channel)
	return scanRequest(row)
}

// ActiveRequestCount reports requests that have not reached a terminal
// status, for the metrics collector's live gauge.
func (s *Store) ActiveRequestCount(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM requests
		WHERE status NOT IN ('delivered', 'verified', 'failed', 'rejected', 'expired')
	`).Scan(&n)
	return n, err
}
