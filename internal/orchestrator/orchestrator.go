// Package orchestrator runs the wakeline main loop: wait for the wake phrase,
// hold one conversation, return to listening.
//
// Wake monitoring and a conversation never overlap. The [Orchestrator] owns
// every resource a conversation acquires (capture stream, playback sink,
// realtime channel) and releases each of them exactly once, whatever ended
// the conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/wakeline/internal/conversation"
	"github.com/MrWong99/wakeline/internal/cue"
	"github.com/MrWong99/wakeline/internal/music"
	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/internal/wake"
	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/transport"
)

// maxDeviceBackoff caps the delay between capture device retries.
const maxDeviceBackoff = 30 * time.Second

// Phase is what the orchestrator is doing right now.
type Phase int32

const (
	PhaseStopped Phase = iota
	PhaseListening
	PhaseConnecting
	PhaseConversing
	PhaseRecovering
)

// String implements [fmt.Stringer].
func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseListening:
		return "listening"
	case PhaseConnecting:
		return "connecting"
	case PhaseConversing:
		return "conversing"
	case PhaseRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// WakeWaiter blocks until the wake phrase is heard. *wake.Monitor
// satisfies it.
type WakeWaiter interface {
	WaitForWake(ctx context.Context) (wake.Event, error)
}

// Connector opens a realtime channel and runs body with it.
// *connection.Supervisor satisfies it.
type Connector interface {
	RunWithReconnect(ctx context.Context, cfg transport.SessionConfig, body func(ctx context.Context, ch transport.Channel) error) error
}

// CuePlayer plays short local sounds. *cue.Player satisfies it.
type CuePlayer interface {
	Play(ctx context.Context, k cue.Kind) error
}

// Config tunes an [Orchestrator].
type Config struct {
	// Session is sent with every connect.
	Session transport.SessionConfig

	// Conversation configures each conversation.
	Conversation conversation.Config

	// FrameDuration is the capture and playback buffer length during a
	// conversation. Default: 20ms.
	FrameDuration time.Duration

	// DeviceRetries is how many audio device failures in a row are
	// tolerated before RunForever gives up. Default: 5.
	DeviceRetries int

	// DeviceBackoff is the first delay after a device failure. It doubles
	// up to 30s. Default: 1s.
	DeviceBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.DeviceRetries <= 0 {
		c.DeviceRetries = 5
	}
	if c.DeviceBackoff <= 0 {
		c.DeviceBackoff = time.Second
	}
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithCues plays wake, goodbye and failure cues through p.
func WithCues(p CuePlayer) Option {
	return func(o *Orchestrator) { o.cues = p }
}

// WithMusic lets conversations control ctrl. Music is paused while a
// conversation runs.
func WithMusic(ctrl *music.Controller) Option {
	return func(o *Orchestrator) { o.music = ctrl }
}

// WithRouter sets the transcript classifier used by every conversation.
func WithRouter(r *conversation.Router) Option {
	return func(o *Orchestrator) { o.router = r }
}

// WithMetrics records conversation metrics in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator alternates between wake listening and conversations.
type Orchestrator struct {
	cfg     Config
	dev     audio.Device
	wake    WakeWaiter
	conn    Connector
	cues    CuePlayer
	music   *music.Controller
	router  *conversation.Router
	metrics *observe.Metrics

	phase atomic.Int32

	mu          sync.Mutex
	current     *conversation.Session
	lastOutcome string
	deviceErr   error
}

// New returns an Orchestrator. dev must be the device w listens on; wrap it
// in [audio.NewExclusive] to catch overlapping captures.
func New(dev audio.Device, w WakeWaiter, conn Connector, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:  cfg,
		dev:  dev,
		wake: w,
		conn: conn,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.router == nil {
		o.router = conversation.NewRouter(nil)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase { return Phase(o.phase.Load()) }

// Current returns the live conversation or nil.
func (o *Orchestrator) Current() *conversation.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// LastOutcome returns the outcome label of the last finished conversation,
// or "" if there was none yet.
func (o *Orchestrator) LastOutcome() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastOutcome
}

// DeviceErr returns the last audio device failure, or nil once the device
// works again.
func (o *Orchestrator) DeviceErr() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceErr
}

// RunForever listens for the wake phrase and runs one conversation per
// detection until ctx is cancelled, which returns nil. It returns an error
// only when the audio device keeps failing past the configured retries, or
// when wake listening fails for another reason.
func (o *Orchestrator) RunForever(ctx context.Context) error {
	defer o.setPhase(PhaseStopped)

	failures := 0
	backoff := o.cfg.DeviceBackoff
	for {
		o.setPhase(PhaseListening)
		ev, err := o.wake.WaitForWake(ctx)
		if err == nil {
			err = o.converse(ctx, ev)
		} else if !errors.Is(err, audio.ErrDevice) && ctx.Err() == nil {
			return fmt.Errorf("orchestrator: wake monitor: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			failures = 0
			backoff = o.cfg.DeviceBackoff
			o.setDeviceErr(nil)
			continue
		}

		failures++
		o.setDeviceErr(err)
		if failures > o.cfg.DeviceRetries {
			return fmt.Errorf("orchestrator: audio device failed %d times in a row: %w", failures, err)
		}
		slog.Warn("audio device failed, retrying", "err", err, "attempt", failures, "backoff", backoff)
		o.setPhase(PhaseRecovering)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, maxDeviceBackoff)
	}
}

// converse runs one conversation after a wake event. It returns an error
// only for audio device failures.
func (o *Orchestrator) converse(ctx context.Context, ev wake.Event) error {
	ctx, span := observe.StartSpan(ctx, "conversation",
		trace.WithAttributes(attribute.String("wake.keyword", ev.Keyword)))
	defer span.End()

	slog.Info("wake phrase detected", "keyword", ev.Keyword)
	o.setPhase(PhaseConnecting)
	if o.music != nil && o.music.PauseForConversation() {
		slog.Debug("music paused for conversation")
	}
	defer o.resumeMusic()
	o.playCue(ctx, cue.Wake)

	start := time.Now()
	connected := false
	err := o.conn.RunWithReconnect(ctx, o.cfg.Session, func(ctx context.Context, ch transport.Channel) error {
		connected = true
		return o.runSession(ctx, ch)
	})
	o.setCurrent(nil)

	if !connected {
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("could not start conversation", "err", err)
		span.SetStatus(codes.Error, err.Error())
		o.setOutcome("unavailable")
		o.playCue(ctx, cue.Failure)
		return nil
	}

	outcome := conversation.Outcome(err)
	d := time.Since(start)
	o.metrics.RecordConversation(context.WithoutCancel(ctx), outcome, d)
	o.setOutcome(outcome)
	span.SetAttributes(attribute.String("conversation.outcome", outcome))
	slog.Info("conversation finished", "outcome", outcome, "duration", d.Round(time.Millisecond))

	if errors.Is(err, audio.ErrDevice) {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if o.music == nil || !o.music.IsPlaying() {
		o.playCue(ctx, cue.Goodbye)
	}
	return nil
}

// runSession acquires the conversation's audio streams, runs the session and
// tears the streams down again. The channel is closed by the caller.
func (o *Orchestrator) runSession(ctx context.Context, ch transport.Channel) error {
	cc := o.cfg.Conversation
	capture, err := o.dev.OpenCapture(ctx, o.format(cc.InputRate))
	if err != nil {
		return deviceError("open capture", err)
	}
	sink, err := o.dev.OpenPlayback(ctx, o.format(cc.OutputRate))
	if err != nil {
		_ = capture.Close()
		return deviceError("open playback", err)
	}
	defer func() {
		if err := capture.Close(); err != nil {
			slog.Warn("closing conversation capture", "err", err)
		}
		sink.Interrupt()
		if err := sink.Close(); err != nil {
			slog.Warn("closing conversation playback", "err", err)
		}
	}()

	opts := []conversation.Option{
		conversation.WithRouter(o.router),
		conversation.WithMetrics(o.metrics),
	}
	if o.music != nil {
		opts = append(opts, conversation.WithMusic(o.music))
	}
	sess := conversation.NewSession(ch, capture, sink, cc, opts...)
	o.setCurrent(sess)
	o.setPhase(PhaseConversing)

	o.metrics.ActiveConversations.Add(ctx, 1)
	defer o.metrics.ActiveConversations.Add(context.WithoutCancel(ctx), -1)
	return sess.Run(ctx)
}

func (o *Orchestrator) format(rate int) audio.Format {
	return audio.Format{
		SampleRate:   rate,
		FrameSamples: max(int(int64(rate)*int64(o.cfg.FrameDuration)/int64(time.Second)), 1),
	}
}

func (o *Orchestrator) playCue(ctx context.Context, k cue.Kind) {
	if o.cues == nil {
		return
	}
	if err := o.cues.Play(ctx, k); err != nil && ctx.Err() == nil {
		slog.Warn("could not play cue", "cue", k, "err", err)
	}
}

func (o *Orchestrator) resumeMusic() {
	if o.music != nil && o.music.ResumeAfterConversation() {
		slog.Debug("music resumed after conversation")
	}
}

func (o *Orchestrator) setPhase(p Phase) { o.phase.Store(int32(p)) }

func (o *Orchestrator) setCurrent(s *conversation.Session) {
	o.mu.Lock()
	o.current = s
	o.mu.Unlock()
}

func (o *Orchestrator) setOutcome(outcome string) {
	o.mu.Lock()
	o.lastOutcome = outcome
	o.mu.Unlock()
}

func (o *Orchestrator) setDeviceErr(err error) {
	o.mu.Lock()
	o.deviceErr = err
	o.mu.Unlock()
}

func deviceError(what string, err error) error {
	if errors.Is(err, audio.ErrDevice) {
		return fmt.Errorf("orchestrator: %s: %w", what, err)
	}
	return fmt.Errorf("orchestrator: %s: %w: %w", what, audio.ErrDevice, err)
}
