package store

import "context"

// WhitelistEntry bypasses the fraud engine on an exact match.
type WhitelistEntry struct {
	Type        string // "ip" or "phone"
	Value       string
	Description string
}

// IsWhitelisted reports whether value is whitelisted under typ ("ip" or
// "phone"). Checked before any fraud rule runs.
func (s *Store) IsWhitelisted(ctx context.Context, typ, value string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM whitelist_entries WHERE type = $1 AND value = $2)
	`, typ, value).Scan(&exists)
	return exists, err
}

// AddWhitelistEntry inserts (or no-ops on an exact duplicate) a whitelist entry.
func (s *Store) AddWhitelistEntry(ctx context.Context, e WhitelistEntry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO whitelist_entries (type, value, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (type, value) DO UPDATE SET description = $3
	`, e.Type, e.Value, e.Description)
	return err
}

// HoneypotEntry marks a subnet as auto-banned with an expiry.
type HoneypotEntry struct {
	Subnet string
	Reason string
}

// InsertHoneypot inserts or refreshes a honeypot entry with the given TTL.
func (s *Store) InsertHoneypot(ctx context.Context, subnet, reason string, ttlSeconds int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO honeypot_entries (subnet, reason, created_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (subnet) DO UPDATE SET
			reason = $2, created_at = now(), expires_at = now() + make_interval(secs => $3)
	`, subnet, reason, ttlSeconds)
	return err
}

// IsHoneypotted reports whether subnet is currently banned by an
// unexpired honeypot entry.
func (s *Store) IsHoneypotted(ctx context.Context, subnet string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM honeypot_entries WHERE subnet = $1 AND expires_at > now()
		)
	`, subnet).Scan(&exists)
	return exists, err
}
