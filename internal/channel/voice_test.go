package channel

import (
	"context"
	"errors"
	"testing"
)

type fakeOrchestrator struct {
	callID string
	err    error
}

func (f *fakeOrchestrator) Originate(_ context.Context, _, _, _, _ string) (string, error) {
	return f.callID, f.err
}

func TestVoiceProvider_DispatchDelegatesToOrchestrator(t *testing.T) {
	p := NewVoiceProvider(&fakeOrchestrator{callID: "CALL123"})

	res, err := p.Dispatch(context.Background(), Request{RequestID: "r1", Phone: "+14155551234", Code: "123456"}, "+18005550100")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.Accepted || res.ProviderID != "CALL123" {
		t.Errorf("Result = %+v, want Accepted=true ProviderID=CALL123", res)
	}
}

func TestVoiceProvider_DispatchPropagatesOriginateError(t *testing.T) {
	p := NewVoiceProvider(&fakeOrchestrator{err: errors.New("platform unavailable")})

	if _, err := p.Dispatch(context.Background(), Request{RequestID: "r1"}, "+18005550100"); err == nil {
		t.Fatal("expected originate error to propagate")
	}
}
