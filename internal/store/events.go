package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is one entry in a request's immutable timeline.
type Event struct {
	ID        int64
	RequestID uuid.UUID
	Channel   string
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

// AppendEvent inserts a new timeline row and returns its ID. Callers are
// responsible for duplicate suppression before calling this — it always
// inserts.
func (s *Store) AppendEvent(ctx context.Context, requestID uuid.UUID, channel, eventType string, data map[string]any) (int64, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.Pool.QueryRow(ctx, `
		INSERT INTO events (request_id, channel, event_type, event_data)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, requestID, channel, eventType, raw).Scan(&id)
	return id, err
}

// HasTerminalEvent reports whether an event of eventType already exists for
// (requestID, channel) — the duplicate-suppression check the event bus runs
// before appending a terminal (delivered/completed) event.
func (s *Store) HasTerminalEvent(ctx context.Context, requestID uuid.UUID, channel, eventType string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE request_id = $1 AND channel = $2 AND event_type = $3
		)
	`, requestID, channel, eventType).Scan(&exists)
	return exists, err
}

// ListEvents returns a request's full timeline in emission order.
func (s *Store) ListEvents(ctx context.Context, requestID uuid.UUID) ([]*Event, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, request_id, channel, event_type, event_data, created_at
		FROM events WHERE request_id = $1 ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var raw []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Channel, &e.EventType, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.EventData); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
