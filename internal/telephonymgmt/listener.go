// Package telephonymgmt connects to a line-oriented telephony management
// socket (AMI-style) to correlate out-of-band hangup cause codes with calls
// the Voice Orchestrator is already tracking, since the call-control
// platform's own event feed doesn't always carry a final disconnect cause.
package telephonymgmt

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/otp-gateway/internal/calltracker"
)

// Tracker is the slice of calltracker.Tracker the listener needs to
// correlate raw channel names with tracked calls and check whether a call
// is still live when a Hangup record arrives.
type Tracker interface {
	RegisterSideChannel(phone, rawChannelName string)
	FindRequestByChannel(name string) (*calltracker.CallState, bool)
	FindRequestByPhone(phone string) (*calltracker.CallState, bool)
}

// Emitter is the slice of the event bus the listener needs to report a
// hangup cause it observed out-of-band.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

const (
	maxReconnectAttempts = 10
	backoffMultiplier    = 6
	initialBackoff       = 5 * time.Second
	maxBackoff           = 300 * time.Second
)

// Listener connects to the management socket, authenticates, subscribes to
// the "call" event mask, and reconciles Hangup records against tracked
// calls until ctx is cancelled.
type Listener struct {
	addr           string
	username       string
	password       string
	connectTimeout time.Duration
	tracker        Tracker
	emit           Emitter
	log            zerolog.Logger
	connected      atomic.Bool
}

// IsConnected reports whether the management socket is currently connected,
// for the health endpoint.
func (l *Listener) IsConnected() bool {
	return l.connected.Load()
}

func New(addr, username, password string, connectTimeout time.Duration, tracker Tracker, emit Emitter, log zerolog.Logger) *Listener {
	return &Listener{
		addr:           addr,
		username:       username,
		password:       password,
		connectTimeout: connectTimeout,
		tracker:        tracker,
		emit:           emit,
		log:            log,
	}
}

// Run connects and reconciles hangup records until ctx is cancelled,
// reconnecting with exponential backoff on any connection error. After
// maxReconnectAttempts consecutive failures it gives up and returns, with
// hangup-cause correlation disabled for the rest of the process lifetime.
func (l *Listener) Run(ctx context.Context) error {
	backoff := initialBackoff
	attempt := 0
	for attempt < maxReconnectAttempts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		connected := false
		err := l.runOnce(ctx, &connected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// A successful connection means the socket was reachable and
			// authenticated; only consecutive failures to even get that far
			// should count toward giving up.
			attempt = 0
			backoff = initialBackoff
		}
		attempt++
		l.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("management socket connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	l.log.Warn().Msg("management socket reconnect attempts exhausted, failure-detection disabled")
	return fmt.Errorf("telephonymgmt: giving up after %d attempts", maxReconnectAttempts)
}

func (l *Listener) runOnce(ctx context.Context, connected *bool) error {
	dialer := net.Dialer{Timeout: l.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := l.authenticate(conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	l.log.Info().Str("addr", l.addr).Msg("management socket connected")
	l.connected.Store(true)
	*connected = true
	defer l.connected.Store(false)

	reader := bufio.NewReader(conn)
	for {
		record, err := readRecord(reader)
		if err != nil {
			return err
		}
		if len(record) == 0 {
			continue
		}
		l.handleRecord(ctx, record)
	}
}

func (l *Listener) authenticate(conn net.Conn) error {
	_, err := fmt.Fprintf(conn, "Action: Login\r\nUsername: %s\r\nSecret: %s\r\n\r\n", l.username, l.password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(conn, "Action: Events\r\nEventMask: call\r\n\r\n")
	return err
}

// readRecord reads key/value lines up to the next blank line into a map,
// the management socket's record framing.
func readRecord(r *bufio.Reader) (map[string]string, error) {
	record := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return record, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		record[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

func (l *Listener) handleRecord(ctx context.Context, record map[string]string) {
	switch record["Event"] {
	case "Newchannel", "DialBegin":
		phone := record["CallerIDNum"]
		channel := record["Channel"]
		if phone == "" || channel == "" {
			return
		}
		l.tracker.RegisterSideChannel(phone, channel)
	case "Hangup":
		l.handleHangup(ctx, record)
	}
}

func (l *Listener) handleHangup(ctx context.Context, record map[string]string) {
	channel := record["Channel"]
	cs, ok := l.tracker.FindRequestByChannel(channel)
	if !ok {
		if phone := record["ConnectedLineNum"]; phone != "" {
			cs, ok = l.tracker.FindRequestByPhone(phone)
		}
	}
	if !ok {
		return
	}

	cause, _ := strconv.Atoi(record["Cause"])
	c := Cause(cause)

	if IsNormalClearing(c) {
		return
	}

	if c == CauseUnknown {
		ringDuration := time.Since(cs.StartTime)
		if cs.AnswerTime != nil {
			ringDuration = cs.AnswerTime.Sub(cs.StartTime)
		}
		description := "Call failed (no response from network)"
		if ringDuration > 0 {
			description = "No answer (ringing timeout)"
		}
		l.emitFailed(ctx, cs.RequestID, description, cause)
		return
	}

	l.emitFailed(ctx, cs.RequestID, Description(c), cause)
}

func (l *Listener) emitFailed(ctx context.Context, requestID, description string, cause int) {
	err := l.emit.Emit(ctx, requestID, "voice", "failed", map[string]any{
		"description": description,
		"cause":       cause,
	})
	if err != nil {
		l.log.Warn().Err(err).Str("request_id", requestID).Msg("hangup-cause event emit failed")
	}
}
