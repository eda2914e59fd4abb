package channel

import "context"

// Emitter is the slice of the event bus a provider needs to report its own
// synchronous lifecycle events, narrowed so tests can substitute a recorder.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}
