package telephonymgmt

import (
	"bufio"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/calltracker"
)

func TestReadRecord(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Event: Hangup\r\nChannel: PJSIP/14155551234\r\nCause: 17\r\n\r\n"))
	record, err := readRecord(r)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if record["Event"] != "Hangup" || record["Channel"] != "PJSIP/14155551234" || record["Cause"] != "17" {
		t.Errorf("record = %+v", record)
	}
}

type recordedFailure struct {
	requestID string
	data      map[string]any
}

type fakeEmitter struct {
	failures []recordedFailure
}

func (f *fakeEmitter) Emit(_ context.Context, requestID, _, eventType string, data map[string]any) error {
	if eventType == "failed" {
		f.failures = append(f.failures, recordedFailure{requestID: requestID, data: data})
	}
	return nil
}

func TestListener_HandleHangupNormalClearingEmitsNothing(t *testing.T) {
	tracker := calltracker.New()
	tracker.Register("req-1", "+14155551234", "123456", "+18005550100")
	emit := &fakeEmitter{}
	l := New("", "", "", time.Second, tracker, emit, zerolog.Nop())

	l.handleHangup(context.Background(), map[string]string{
		"Channel": "PJSIP/14155551234",
		"Cause":   "16",
	})

	if len(emit.failures) != 0 {
		t.Errorf("expected no failed event on normal clearing, got %+v", emit.failures)
	}
}

func TestListener_HandleHangupBusyCauseEmitsFailed(t *testing.T) {
	tracker := calltracker.New()
	tracker.Register("req-2", "+14155551234", "123456", "+18005550100")
	emit := &fakeEmitter{}
	l := New("", "", "", time.Second, tracker, emit, zerolog.Nop())

	l.handleHangup(context.Background(), map[string]string{
		"Channel": "PJSIP/14155551234",
		"Cause":   "17",
	})

	if len(emit.failures) != 1 || emit.failures[0].requestID != "req-2" {
		t.Fatalf("expected one failed event for req-2, got %+v", emit.failures)
	}
	if emit.failures[0].data["description"] != "Busy" {
		t.Errorf("description = %v, want Busy", emit.failures[0].data["description"])
	}
}

func TestListener_HandleHangupUnknownCauseUsesRingDuration(t *testing.T) {
	tracker := calltracker.New()
	tracker.Register("req-3", "+14155551234", "123456", "+18005550100")
	time.Sleep(5 * time.Millisecond)
	emit := &fakeEmitter{}
	l := New("", "", "", time.Second, tracker, emit, zerolog.Nop())

	l.handleHangup(context.Background(), map[string]string{
		"Channel": "PJSIP/14155551234",
		"Cause":   "0",
	})

	if len(emit.failures) != 1 {
		t.Fatalf("expected one failed event, got %+v", emit.failures)
	}
	if emit.failures[0].data["description"] != "No answer (ringing timeout)" {
		t.Errorf("description = %v, want ringing timeout", emit.failures[0].data["description"])
	}
}

func TestListener_HandleHangupNoTrackedCallIsIgnored(t *testing.T) {
	tracker := calltracker.New()
	emit := &fakeEmitter{}
	l := New("", "", "", time.Second, tracker, emit, zerolog.Nop())

	l.handleHangup(context.Background(), map[string]string{
		"Channel": "PJSIP/19995550000",
		"Cause":   "17",
	})

	if len(emit.failures) != 0 {
		t.Errorf("expected no event for an untracked channel, got %+v", emit.failures)
	}
}

func TestListener_HandleRecordNewchannelRegistersSideChannel(t *testing.T) {
	tracker := calltracker.New()
	tracker.Register("req-4", "+14155551234", "123456", "+18005550100")
	emit := &fakeEmitter{}
	l := New("", "", "", time.Second, tracker, emit, zerolog.Nop())

	l.handleRecord(context.Background(), map[string]string{
		"Event":       "Newchannel",
		"CallerIDNum": "+14155551234",
		"Channel":     "Local/s@macro-1;1",
	})

	cs, ok := tracker.FindRequestByChannel("Local/s@macro-1;1")
	if !ok || cs.RequestID != "req-4" {
		t.Fatalf("expected side channel bridged to req-4, got %+v, %v", cs, ok)
	}
}
