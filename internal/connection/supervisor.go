// Package connection establishes and supervises realtime sessions.
//
// A [Supervisor] dials the remote service, performs the
// session.configure → session.configured handshake, retries with exponential
// backoff and, once retries are exhausted, fails fast for a cooldown period.
// Reconnection only ever happens between conversations: once a channel is
// handed to a conversation, its loss ends that conversation (see [Watch]).
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/pkg/transport"
)

var (
	// ErrHandshakeTimeout is returned when session.configured does not
	// arrive within the handshake timeout.
	ErrHandshakeTimeout = errors.New("connection: handshake timed out")

	// ErrUnavailable is returned when every connect attempt failed or the
	// supervisor is cooling down after such a failure.
	ErrUnavailable = errors.New("connection: service unavailable")
)

// Policy controls retries and timeouts.
type Policy struct {
	// MaxRetries is the number of attempts per Connect. Default: 3.
	MaxRetries int

	// Backoff is the delay after the first failed attempt. It doubles up to
	// MaxBackoff. Defaults: 1s and 8s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// HandshakeTimeout bounds dial plus configure acknowledgement.
	// Default: 10s.
	HandshakeTimeout time.Duration

	// Cooldown is how long Connect fails fast after exhausting retries.
	// Default: 30s.
	Cooldown time.Duration
}

func (p *Policy) applyDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = max(8*time.Second, p.Backoff)
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = 10 * time.Second
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 30 * time.Second
	}
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithMetrics records attempts and handshake latency in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor opens configured channels. It is safe for concurrent use, but
// wakeline only ever runs one Connect at a time.
type Supervisor struct {
	dialer  transport.Dialer
	policy  Policy
	breaker *breaker
	metrics *observe.Metrics
}

// New returns a Supervisor dialing through d.
func New(d transport.Dialer, p Policy, opts ...Option) *Supervisor {
	p.applyDefaults()
	s := &Supervisor{
		dialer:  d,
		policy:  p,
		breaker: newBreaker(p.Cooldown),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// State returns the breaker state.
func (s *Supervisor) State() State { return s.breaker.current() }

// Available returns nil unless Connect would currently fail fast.
func (s *Supervisor) Available() error {
	if rem := s.breaker.remaining(); rem > 0 {
		return fmt.Errorf("%w: cooling down for %s", ErrUnavailable, rem.Round(time.Second))
	}
	return nil
}

// Connect dials and configures a session. It retries failed attempts with
// exponential backoff and returns an error wrapping [ErrUnavailable] once
// they are exhausted. Cancelling ctx aborts immediately with ctx's error.
func (s *Supervisor) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Channel, error) {
	probe, ok := s.breaker.allow()
	if !ok {
		if err := s.Available(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: probe in progress", ErrUnavailable)
	}

	attempts := s.policy.MaxRetries
	if probe {
		attempts = 1
	}
	backoff := s.policy.Backoff
	var last error

	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		ch, err := s.attempt(ctx, cfg)
		if err == nil {
			s.metrics.RecordConnectAttempt(ctx, "ok")
			s.metrics.HandshakeDuration.Record(ctx, time.Since(start).Seconds())
			s.breaker.success()
			slog.Debug("realtime session configured", "attempt", attempt, "latency", time.Since(start))
			return ch, nil
		}
		if ctx.Err() != nil {
			s.breaker.abort()
			return nil, ctx.Err()
		}

		last = err
		status := "error"
		if errors.Is(err, ErrHandshakeTimeout) {
			status = "timeout"
		}
		s.metrics.RecordConnectAttempt(ctx, status)
		slog.Warn("connect attempt failed",
			"attempt", attempt,
			"max_retries", attempts,
			"err", err,
		)
		if attempt == attempts {
			break
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			s.breaker.abort()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, s.policy.MaxBackoff)
	}

	s.breaker.failure()
	return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrUnavailable, attempts, last)
}

// attempt performs one dial + handshake bounded by the handshake timeout.
func (s *Supervisor) attempt(ctx context.Context, cfg transport.SessionConfig) (transport.Channel, error) {
	hctx, cancel := context.WithTimeout(ctx, s.policy.HandshakeTimeout)
	defer cancel()

	timedOut := func(err error) error {
		if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrHandshakeTimeout, s.policy.HandshakeTimeout)
		}
		return err
	}

	ch, err := s.dialer.Dial(hctx)
	if err != nil {
		return nil, timedOut(err)
	}
	if err := ch.Send(hctx, transport.Configure(cfg)); err != nil {
		_ = ch.Close()
		return nil, timedOut(fmt.Errorf("send session.configure: %w", err))
	}

	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				err := ch.Err()
				if err == nil {
					err = transport.ErrConnectionLost
				}
				_ = ch.Close()
				return nil, fmt.Errorf("awaiting session.configured: %w", err)
			}
			switch ev.Type {
			case transport.ServerSessionConfigured:
				return ch, nil
			case transport.ServerError:
				_ = ch.Close()
				if ev.Error != nil {
					return nil, fmt.Errorf("session rejected: %w", ev.Error)
				}
				return nil, errors.New("session rejected")
			default:
				slog.Debug("discarding event before session.configured", "type", ev.Type)
			}
		case <-hctx.Done():
			_ = ch.Close()
			return nil, timedOut(hctx.Err())
		}
	}
}

// Watch blocks until ctx is done or ch terminates. In the latter case it
// cancels with a cause wrapping [transport.ErrConnectionLost].
func Watch(ctx context.Context, ch transport.Channel, cancel context.CancelCauseFunc) {
	select {
	case <-ctx.Done():
	case <-ch.Done():
		if ctx.Err() != nil {
			return
		}
		err := ch.Err()
		switch {
		case err == nil:
			err = transport.ErrConnectionLost
		case !errors.Is(err, transport.ErrConnectionLost):
			err = fmt.Errorf("%w: %w", transport.ErrConnectionLost, err)
		}
		slog.Warn("realtime connection lost", "err", err)
		cancel(err)
	}
}

// RunWithReconnect connects (retrying as in [Supervisor.Connect]) and runs
// body with the channel under a context that is cancelled with
// [transport.ErrConnectionLost] if the channel drops. The channel is closed
// when body returns. Its result is returned unchanged.
func (s *Supervisor) RunWithReconnect(ctx context.Context, cfg transport.SessionConfig, body func(ctx context.Context, ch transport.Channel) error) error {
	ch, err := s.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		Watch(wctx, ch, cancel)
	}()
	err = body(wctx, ch)
	cancel(nil)
	<-watched
	return err
}
