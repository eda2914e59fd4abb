package store

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations applied on top of the
// base schema. Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name:  "add requests.session_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_requests_session_id ON requests (session_id)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_requests_session_id')`,
	},
	{
		name:  "add requests.phone_country index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_requests_phone_country ON requests (phone_country)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_requests_phone_country')`,
	},
}

// Migrate runs all pending schema migrations. For each migration, it first
// checks whether the change is already present. If not, it attempts to apply
// it. If the apply fails (e.g. insufficient privileges), the error is
// returned — the caller should treat this as fatal since the application's
// queries depend on these columns/indexes existing.
func (s *Store) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := s.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		s.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	s.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart otp-gateway.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
