package connection

import (
	"log/slog"
	"sync"
	"time"
)

// State is the operating mode of the connect breaker.
type State int

const (
	// StateClosed forwards every Connect.
	StateClosed State = iota

	// StateOpen rejects Connect with [ErrUnavailable] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen allows a single probe attempt. Success closes the
	// breaker, failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker trips after one exhausted retry sequence. Unlike a per-call
// breaker it counts whole Connect calls, since each already retries.
type breaker struct {
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
}

func newBreaker(cooldown time.Duration) *breaker {
	return &breaker{cooldown: cooldown, now: time.Now}
}

// allow reports whether a Connect may proceed. probe is true when the call is
// the single half-open attempt.
func (b *breaker) allow() (probe bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.state = StateHalfOpen
		slog.Info("connection breaker half-open; probing")
	}
	if b.probing {
		return false, false
	}
	b.probing = true
	return true, true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		slog.Info("connection breaker closed")
	}
	b.state = StateClosed
	b.probing = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
	slog.Warn("connection breaker opened", "cooldown", b.cooldown)
}

// abort releases a probe that ended without a verdict (cancellation).
func (b *breaker) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// remaining returns how much of the cooldown is left, or 0.
func (b *breaker) remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return max(b.cooldown-b.now().Sub(b.openedAt), 0)
}

func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
