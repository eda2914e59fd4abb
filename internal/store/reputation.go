package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Reputation holds per-subnet or per-phone rolling counters. Key is
// "subnet:<x>" or "phone:<x>".
type Reputation struct {
	Key      string
	Total    int
	Verified int
	Failed   int
	Banned   int
}

// upsertReputation is the shared read-modify-write used by the increment
// helpers below.
func (s *Store) upsertReputation(ctx context.Context, key string, totalDelta, verifiedDelta, failedDelta, bannedDelta int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO reputations (key, total, verified, failed, banned, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (key) DO UPDATE SET
			total = reputations.total + $2,
			verified = reputations.verified + $3,
			failed = reputations.failed + $4,
			banned = reputations.banned + $5,
			last_seen = now()
	`, key, totalDelta, verifiedDelta, failedDelta, bannedDelta)
	return err
}

// IncrementRequestCount records that a request was attempted against key.
func (s *Store) IncrementRequestCount(ctx context.Context, key string) error {
	return s.upsertReputation(ctx, key, 1, 0, 0, 0)
}

// IncrementVerified records a successful auth feedback.
func (s *Store) IncrementVerified(ctx context.Context, key string) error {
	return s.upsertReputation(ctx, key, 0, 1, 0, 0)
}

// IncrementFailed records a failed auth feedback.
func (s *Store) IncrementFailed(ctx context.Context, key string) error {
	return s.upsertReputation(ctx, key, 0, 0, 1, 0)
}

// IncrementBanned records a shadow-ban decision against key.
func (s *Store) IncrementBanned(ctx context.Context, key string) error {
	return s.upsertReputation(ctx, key, 0, 0, 0, 1)
}

// GetReputation returns key's cumulative counters, or a zero-valued
// Reputation if key has never been seen. The store tracks only cumulative
// totals, not a sliding window; callers that need per-window counts
// (R4/R5/R6) maintain their own in-memory windows.
func (s *Store) GetReputation(ctx context.Context, key string) (*Reputation, error) {
	r := &Reputation{Key: key}
	err := s.Pool.QueryRow(ctx, `
		SELECT total, verified, failed, banned FROM reputations WHERE key = $1
	`, key).Scan(&r.Total, &r.Verified, &r.Failed, &r.Banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Reputation{Key: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}
