package voice

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/calltracker"
)

// Emitter is the slice of the event bus the orchestrator needs to report a
// call's lifecycle, narrowed the same way channel.Emitter is.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// Tracker is the slice of calltracker.Tracker the orchestrator drives calls
// through.
type Tracker interface {
	Register(requestID, phone, code, callerID string) *calltracker.CallState
	Get(requestID string) (*calltracker.CallState, bool)
	BindUniqueID(requestID, uid string)
	MarkAnswered(requestID string) (time.Duration, bool)
	MarkOTPPlayed(requestID string)
	MarkSystemHangup(requestID string)
	EndCall(requestID string) (*calltracker.EndResult, bool)
}

const appName = "otp-gateway"

// Orchestrator drives each call through Originating, Ringing,
// Answered, Playing, and Hungup/Failed, correlating the asynchronous
// platform events in PlatformEvent.AppArg back to the request ID passed at
// origination. Originate is a synchronous suspension point; everything
// after the platform accepts the call is driven by Run consuming
// client.Events().
type Orchestrator struct {
	client          CallControlClient
	tracker         Tracker
	synth           *TemplateSynthesizer
	emit            Emitter
	playbackTimeout time.Duration
	log             zerolog.Logger

	mu       sync.Mutex
	playback map[string]callWait
}

// callWait holds the two ways a pending playback wait can resolve: the
// platform reporting playback finished, or the call ending out from under
// it (user hangup, stasis end) before that signal ever arrives.
type callWait struct {
	done    chan struct{}
	aborted chan struct{}
}

func NewOrchestrator(client CallControlClient, tracker Tracker, synth *TemplateSynthesizer, emit Emitter, playbackTimeout time.Duration, log zerolog.Logger) *Orchestrator {
	if playbackTimeout <= 0 {
		playbackTimeout = 60 * time.Second
	}
	return &Orchestrator{
		client:          client,
		tracker:         tracker,
		synth:           synth,
		emit:            emit,
		playbackTimeout: playbackTimeout,
		log:             log,
		playback:        make(map[string]callWait),
	}
}

// Originate registers the call, starts origination, and returns once the
// platform has accepted it. It satisfies channel.VoiceOrchestrator.
func (o *Orchestrator) Originate(ctx context.Context, requestID, phone, code, callerID string) (string, error) {
	o.tracker.Register(requestID, phone, code, callerID)
	o.emitEvent(ctx, requestID, "calling", nil)

	callID, err := o.client.Originate(ctx, phone, appName, requestID, callerID)
	if err != nil {
		o.emitEvent(ctx, requestID, "failed", map[string]any{"error": err.Error()})
		o.tracker.EndCall(requestID)
		return "", err
	}
	o.tracker.BindUniqueID(requestID, callID)
	o.emitEvent(ctx, requestID, "ringing", nil)
	return callID, nil
}

// Run consumes the platform's event feed until ctx is cancelled or the feed
// closes. Cancellation propagates to in-flight playback waits.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.client.Events():
			if !ok {
				return
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev PlatformEvent) {
	requestID := ev.AppArg
	switch ev.Type {
	case EventStasisStart:
		o.onAnswered(ctx, requestID, ev.CallID)
	case EventPlaybackFinished:
		o.resolvePlaybackWait(requestID, true)
	case EventChannelNotFound:
		o.onUserHangup(ctx, requestID)
	case EventStasisEnd:
		o.onStasisEnd(ctx, requestID)
	}
}

// onAnswered handles step 3 (mark answered, emit voice:answered) and then
// drives step 4 (answer, pause, synthesize, play, await completion) in its
// own goroutine so a slow playback on one call never blocks the event loop
// for every other call in flight.
func (o *Orchestrator) onAnswered(ctx context.Context, requestID, callID string) {
	ring, ok := o.tracker.MarkAnswered(requestID)
	if !ok {
		return
	}
	o.emitEvent(ctx, requestID, "answered", map[string]any{"ring_duration_ms": ring.Milliseconds()})
	go o.playAndComplete(ctx, requestID, callID)
}

func (o *Orchestrator) playAndComplete(ctx context.Context, requestID, callID string) {
	cs, ok := o.tracker.Get(requestID)
	if !ok {
		return
	}

	// Registered before the platform round-trips below so a
	// PlaybackFinished (or a hangup) that the platform raises while they're
	// in flight is never missed.
	wait := o.registerPlaybackWait(requestID)
	defer o.clearPlaybackWait(requestID)

	if err := o.client.Answer(ctx, callID); err != nil {
		o.emitEvent(ctx, requestID, "failed", map[string]any{"error": err.Error()})
		o.hangupAndEnd(ctx, requestID, callID)
		return
	}
	time.Sleep(300 * time.Millisecond)
	o.emitEvent(ctx, requestID, "playing", nil)

	audio, err := o.synth.Render(cs.Code)
	if err != nil {
		o.emitEvent(ctx, requestID, "failed", map[string]any{"error": err.Error()})
		o.hangupAndEnd(ctx, requestID, callID)
		return
	}
	if err := o.client.Play(ctx, callID, audio); err != nil {
		o.emitEvent(ctx, requestID, "failed", map[string]any{"error": err.Error()})
		o.hangupAndEnd(ctx, requestID, callID)
		return
	}

	select {
	case <-wait.done:
		o.tracker.MarkOTPPlayed(requestID)
		o.tracker.MarkSystemHangup(requestID)
		_ = o.client.Hangup(ctx, callID)
		o.emitEvent(ctx, requestID, "completed", map[string]any{"hung_up_by": "system"})
		o.tracker.EndCall(requestID)
	case <-wait.aborted:
		// the call already ended out from under playback (user hangup or
		// stasis end); that path already reported and cleaned it up.
	case <-time.After(o.playbackTimeout):
		o.emitEvent(ctx, requestID, "failed", map[string]any{"error": "playback timed out"})
		o.hangupAndEnd(ctx, requestID, callID)
	case <-ctx.Done():
	}
}

func (o *Orchestrator) hangupAndEnd(ctx context.Context, requestID, callID string) {
	o.tracker.MarkSystemHangup(requestID)
	_ = o.client.Hangup(ctx, callID)
	o.tracker.EndCall(requestID)
}

// onUserHangup handles a "channel not found" signal mid-flow: the user hung
// up before the system could tear the call down itself.
func (o *Orchestrator) onUserHangup(ctx context.Context, requestID string) {
	cs, ok := o.tracker.Get(requestID)
	if !ok {
		return
	}
	o.emitEvent(ctx, requestID, "hangup", map[string]any{"hung_up_by": "user", "otp_played": cs.OTPPlayed})
	o.resolvePlaybackWait(requestID, false)
	o.tracker.EndCall(requestID)
}

// onStasisEnd handles the platform tearing the channel down on its own. If
// the system already marked this call as its own hangup, the teardown is
// expected and nothing further is reported.
func (o *Orchestrator) onStasisEnd(ctx context.Context, requestID string) {
	cs, ok := o.tracker.Get(requestID)
	if !ok {
		return
	}
	if !cs.SystemHangup {
		o.emitEvent(ctx, requestID, "hangup", map[string]any{"hung_up_by": "user", "otp_played": cs.OTPPlayed})
	}
	o.resolvePlaybackWait(requestID, false)
	o.tracker.EndCall(requestID)
}

func (o *Orchestrator) registerPlaybackWait(requestID string) callWait {
	o.mu.Lock()
	defer o.mu.Unlock()
	wait := callWait{done: make(chan struct{}), aborted: make(chan struct{})}
	o.playback[requestID] = wait
	return wait
}

func (o *Orchestrator) clearPlaybackWait(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.playback, requestID)
}

// resolvePlaybackWait closes whichever of a pending wait's channels matches
// finished, if a playAndComplete goroutine is currently waiting on this
// request. It is a no-op otherwise (e.g. playback hadn't started yet).
func (o *Orchestrator) resolvePlaybackWait(requestID string, finished bool) {
	o.mu.Lock()
	wait, ok := o.playback[requestID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if finished {
		close(wait.done)
	} else {
		close(wait.aborted)
	}
}

func (o *Orchestrator) emitEvent(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := o.emit.Emit(ctx, requestID, "voice", eventType, data); err != nil {
		o.log.Warn().Err(err).Str("request_id", requestID).Str("event_type", eventType).Msg("voice event emit failed")
	}
}
