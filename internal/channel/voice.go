package channel

import (
	"context"
	"fmt"
)

// VoiceOrchestrator is the slice of the Voice Orchestrator a channel
// provider needs: originate a call and hand back its platform call ID. The
// rest of the call lifecycle (ringing, answered, playing, completed) is
// driven asynchronously by the orchestrator itself through the event bus.
type VoiceOrchestrator interface {
	Originate(ctx context.Context, requestID, phone, code, callerID string) (callID string, err error)
}

// VoiceProvider is a thin adapter: it only starts the call and returns once
// origination is accepted. The orchestrator owns everything that happens
// after the platform answers the call.
type VoiceProvider struct {
	orchestrator VoiceOrchestrator
}

func NewVoiceProvider(o VoiceOrchestrator) *VoiceProvider {
	return &VoiceProvider{orchestrator: o}
}

func (p *VoiceProvider) Name() string { return "voice" }

func (p *VoiceProvider) Dispatch(ctx context.Context, req Request, callerID string) (Result, error) {
	callID, err := p.orchestrator.Originate(ctx, req.RequestID, req.Phone, req.Code, callerID)
	if err != nil {
		return Result{}, fmt.Errorf("originate call: %w", err)
	}
	return Result{ProviderID: callID, Accepted: true}, nil
}
