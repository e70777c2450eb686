package clinicsync

import (
	"math"
	"time"

	"nhooyr.io/websocket"
)

// ChannelState is the realtime connection state.
type ChannelState string

const (
	StateClosed       ChannelState = "closed"
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
	StateClosing      ChannelState = "closing"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Backoff
// ============================================================================

// Backoff computes reconnection delays: Base * Factor^attempts, capped at Max.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func newBackoff(cfg RealtimeConfig) Backoff {
	cfg.defaults()
	return Backoff{
		Base:        cfg.BaseInterval.Std(),
		Factor:      cfg.GrowthFactor,
		Max:         cfg.MaxInterval.Std(),
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Delay returns the wait before the retry following attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempts))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}

// ============================================================================
// Transitions
// ============================================================================

type fsmEventKind int

const (
	evConnect fsmEventKind = iota
	// evWake is an opportunistic connect made on the caller's behalf, such
	// as a send while closed. It never revives an exhausted channel.
	evWake
	evOpened
	evDialFailed
	evSocketClosed
	evDisconnect
	evRetryTimer
)

type fsmEvent struct {
	kind fsmEventKind
	// code is the close status for evSocketClosed; -1 when the socket
	// dropped without a close frame.
	code websocket.StatusCode
}

type effectKind int

const (
	effDial effectKind = iota
	effStartHeartbeat
	effStopHeartbeat
	effFlushBuffer
	effScheduleRetry
	effCancelRetry
	effCloseSocket
	effReconnectFailed
)

type effect struct {
	kind    effectKind
	delay   time.Duration
	attempt int
	code    websocket.StatusCode
}

// fsmState is the full machine state: connection state plus ReconnectState.
// exhausted is set when reconnection gave up and cleared by an explicit
// connect.
type fsmState struct {
	state     ChannelState
	attempts  int
	exhausted bool
}

// transition is the pure transition function of the realtime channel. It
// never touches a socket or a timer; it only describes them as effects.
// Events that do not apply to the current state are ignored.
func transition(s fsmState, ev fsmEvent, b Backoff) (fsmState, []effect) {
	switch s.state {
	case StateClosed:
		// An explicit connect always starts a fresh budget.
		if ev.kind == evConnect || (ev.kind == evWake && !s.exhausted) {
			return fsmState{state: StateConnecting}, []effect{{kind: effDial}}
		}

	case StateReconnecting:
		switch ev.kind {
		case evConnect, evRetryTimer:
			return fsmState{state: StateConnecting, attempts: s.attempts}, []effect{{kind: effCancelRetry}, {kind: effDial}}
		case evDisconnect:
			return fsmState{state: StateClosed, attempts: s.attempts}, []effect{{kind: effCancelRetry}}
		}

	case StateConnecting:
		switch ev.kind {
		case evOpened:
			return fsmState{state: StateOpen}, []effect{{kind: effStartHeartbeat}, {kind: effFlushBuffer}}
		case evDialFailed, evSocketClosed:
			return scheduleRetry(s, b)
		case evDisconnect:
			return fsmState{state: StateClosed, attempts: s.attempts}, []effect{{kind: effCloseSocket, code: websocket.StatusNormalClosure}}
		}

	case StateOpen:
		switch ev.kind {
		case evSocketClosed:
			if ev.code == websocket.StatusNormalClosure {
				return fsmState{state: StateClosed}, []effect{{kind: effStopHeartbeat}}
			}
			next, effs := scheduleRetry(s, b)
			return next, append([]effect{{kind: effStopHeartbeat}}, effs...)
		case evDisconnect:
			return fsmState{state: StateClosing}, []effect{
				{kind: effStopHeartbeat},
				{kind: effCloseSocket, code: websocket.StatusNormalClosure},
			}
		}

	case StateClosing:
		if ev.kind == evSocketClosed {
			return fsmState{state: StateClosed}, nil
		}
	}
	return s, nil
}

func scheduleRetry(s fsmState, b Backoff) (fsmState, []effect) {
	if s.attempts >= b.MaxAttempts {
		return fsmState{state: StateClosed, attempts: s.attempts, exhausted: true}, []effect{{kind: effReconnectFailed, attempt: s.attempts}}
	}
	delay := b.Delay(s.attempts)
	next := fsmState{state: StateReconnecting, attempts: s.attempts + 1}
	return next, []effect{{kind: effScheduleRetry, delay: delay, attempt: next.attempts}}
}
