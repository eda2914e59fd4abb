// Package shadowban schedules a fake channel event sequence for requests
// the Fraud Engine silently rejected, so a shadow-banned caller sees
// exactly the same behavior as one whose message or call actually went
// out.
package shadowban

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Emitter is the slice of the event bus the simulator needs. Scheduled
// events go through the same bus as real ones, so storage, live push, and
// webhooks are identical to a successful delivery.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

type step struct {
	eventType  string
	loMs, hiMs int
}

// sequences gives each scheduled event's delay range from the moment
// Simulate is called, in milliseconds. Events always fire in list order: an
// event whose drawn delay falls before its predecessor's fires right after it.
var sequences = map[string][]step{
	"sms": {
		{"sending", 0, 800},
		{"sent", 300, 1300},
		{"delivered", 2500, 4500},
	},
	"voice": {
		{"calling", 0, 800},
		{"ringing", 700, 1700},
		{"answered", 3000, 5000},
		{"playing", 4500, 5500},
		{"completed", 12000, 15000},
	},
}

// Simulator chains time.AfterFunc timers per request to emit a fake
// sequence for one channel.
type Simulator struct {
	emit Emitter
	log  zerolog.Logger
}

func New(emit Emitter, log zerolog.Logger) *Simulator {
	return &Simulator{emit: emit, log: log}
}

// Simulate schedules the fake sequence for channelName against requestID.
// Unknown channels are logged and skipped rather than treated as an error,
// since a caller-facing simulator must never surface a failure.
func (s *Simulator) Simulate(requestID, channelName string) {
	seq, ok := sequences[channelName]
	if !ok {
		s.log.Warn().Str("channel", channelName).Msg("no shadow-ban sequence for channel")
		return
	}
	start := time.Now()
	var next func(i int)
	next = func(i int) {
		st := seq[i]
		delay := time.Duration(jitter(st.loMs, st.hiMs))*time.Millisecond - time.Since(start)
		time.AfterFunc(delay, func() {
			if err := s.emit.Emit(context.Background(), requestID, channelName, st.eventType, nil); err != nil {
				s.log.Warn().Err(err).Str("request_id", requestID).Str("event_type", st.eventType).Msg("simulated event emit failed")
			}
			if i+1 < len(seq) {
				next(i + 1)
			}
		})
	}
	next(0)
}

func jitter(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rand.Intn(hi-lo+1)
}
