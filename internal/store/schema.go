package store

import (
	"context"
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// InitSchema applies the full schema on a fresh database. It checks whether
// the "requests" table exists as a proxy for whether schema.sql has been
// loaded. If missing, it executes the embedded schema SQL; if present, it's
// a no-op.
func (s *Store) InitSchema(ctx context.Context) error {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'requests')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		s.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	s.log.Info().Msg("fresh database detected — applying schema")
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	s.log.Info().Msg("schema applied successfully")
	return nil
}
