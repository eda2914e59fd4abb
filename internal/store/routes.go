package store

import "context"

// CallerIDRoute is a single (channel, prefix) -> caller_id mapping.
type CallerIDRoute struct {
	Channel  string
	Prefix   string
	CallerID string
	Enabled  bool
}

// ListCallerIDRoutes returns every enabled route, for the Caller-ID Router's
// full-cache reload.
func (s *Store) ListCallerIDRoutes(ctx context.Context) ([]CallerIDRoute, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT channel, prefix, caller_id, enabled FROM caller_id_routes WHERE enabled = true
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallerIDRoute
	for rows.Next() {
		var r CallerIDRoute
		if err := rows.Scan(&r.Channel, &r.Prefix, &r.CallerID, &r.Enabled); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCallerIDRoute inserts or updates a (channel, prefix) route.
func (s *Store) UpsertCallerIDRoute(ctx context.Context, r CallerIDRoute) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO caller_id_routes (channel, prefix, caller_id, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, prefix) DO UPDATE SET
			caller_id = $3, enabled = $4
	`, r.Channel, r.Prefix, r.CallerID, r.Enabled)
	return err
}
