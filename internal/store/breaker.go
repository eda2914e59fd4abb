package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Breaker is a per-phone or per-subnet circuit breaker. Key is
// "phone:<number>" or "ip:<subnet>".
type Breaker struct {
	Key       string
	Failures  int
	Successes int
	State     string // "closed" or "open"
	OpenedAt  *time.Time
}

// GetBreaker returns key's breaker state, or a closed zero-valued breaker if
// key has never tripped.
func (s *Store) GetBreaker(ctx context.Context, key string) (*Breaker, error) {
	b := &Breaker{Key: key, State: "closed"}
	err := s.Pool.QueryRow(ctx, `
		SELECT failures, successes, state, opened_at FROM circuit_breakers WHERE key = $1
	`, key).Scan(&b.Failures, &b.Successes, &b.State, &b.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// RecordBreakerFailure increments failures and, once threshold is reached,
// flips the breaker open.
func (s *Store) RecordBreakerFailure(ctx context.Context, key string, threshold int) (*Breaker, error) {
	b := &Breaker{}
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO circuit_breakers (key, failures, successes, state, opened_at)
		VALUES ($1, 1, 0, 'closed', NULL)
		ON CONFLICT (key) DO UPDATE SET failures = circuit_breakers.failures + 1
		RETURNING failures, successes, state, opened_at
	`, key).Scan(&b.Failures, &b.Successes, &b.State, &b.OpenedAt)
	if err != nil {
		return nil, err
	}
	b.Key = key

	if b.State == "closed" && b.Failures >= threshold {
		if err := s.openBreaker(ctx, key); err != nil {
			return nil, err
		}
		b.State = "open"
		now := time.Now()
		b.OpenedAt = &now
	}
	return b, nil
}

func (s *Store) openBreaker(ctx context.Context, key string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE circuit_breakers SET state = 'open', opened_at = now() WHERE key = $1
	`, key)
	return err
}

// ResetBreaker clears failures/state on a successful auth.
func (s *Store) ResetBreaker(ctx context.Context, key string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO circuit_breakers (key, failures, successes, state, opened_at)
		VALUES ($1, 0, 1, 'closed', NULL)
		ON CONFLICT (key) DO UPDATE SET
			failures = 0,
			successes = circuit_breakers.successes + 1,
			state = 'closed',
			opened_at = NULL
	`, key)
	return err
}
