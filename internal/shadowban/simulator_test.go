package shadowban

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordedEvent struct {
	requestID string
	channel   string
	eventType string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEmitter) Emit(_ context.Context, requestID, channel, eventType string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{requestID: requestID, channel: channel, eventType: eventType})
	return nil
}

func (f *fakeEmitter) snapshot() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestSimulator_SMSSequenceEmitsAllThreeEvents(t *testing.T) {
	emit := &fakeEmitter{}
	s := New(emit, zerolog.Nop())
	s.Simulate("req-1", "sms")

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		if len(emit.snapshot()) == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	events := emit.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	wantOrder := []string{"sending", "sent", "delivered"}
	for i, want := range wantOrder {
		if events[i].eventType != want {
			t.Errorf("event[%d] = %q, want %q", i, events[i].eventType, want)
		}
		if events[i].requestID != "req-1" || events[i].channel != "sms" {
			t.Errorf("event[%d] = %+v, want req-1/sms", i, events[i])
		}
	}
}

func TestSimulator_UnknownChannelSchedulesNothing(t *testing.T) {
	emit := &fakeEmitter{}
	s := New(emit, zerolog.Nop())
	s.Simulate("req-2", "carrier-pigeon")

	time.Sleep(100 * time.Millisecond)
	if len(emit.snapshot()) != 0 {
		t.Errorf("expected no events for an unknown channel, got %+v", emit.snapshot())
	}
}
