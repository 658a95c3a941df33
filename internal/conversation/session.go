// Package conversation runs one live voice conversation over an open
// realtime channel.
//
// A [Session] streams microphone audio to the channel, plays response audio
// back, tracks who holds the floor in a [Machine], classifies user
// transcripts with a [Router] and ends the conversation through a single
// cancel-cause context. The cause returned by [Session.Run] says why the
// conversation ended.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakeline/internal/music"
	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/transport"
)

// Termination causes. [Session.Run] returns one of these, a
// [context.Canceled] from the caller, or an error wrapping
// [transport.ErrConnectionLost] or [audio.ErrDevice].
var (
	ErrEndRequested   = errors.New("conversation: end requested")
	ErrSilenceTimeout = errors.New("conversation: silence timeout")
	ErrMaxDuration    = errors.New("conversation: maximum duration reached")
	ErrMusicStarted   = errors.New("conversation: music started")
)

// Outcome maps a termination cause to a short label for metrics and logs.
func Outcome(cause error) string {
	switch {
	case cause == nil:
		return "unknown"
	case errors.Is(cause, ErrEndRequested):
		return "end_requested"
	case errors.Is(cause, ErrSilenceTimeout):
		return "silence_timeout"
	case errors.Is(cause, ErrMaxDuration):
		return "max_duration"
	case errors.Is(cause, ErrMusicStarted):
		return "music_started"
	case errors.Is(cause, transport.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(cause, audio.ErrDevice):
		return "device_error"
	case errors.Is(cause, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Config tunes a [Session].
type Config struct {
	// SilenceTimeout ends the conversation after this long without
	// activity. Zero disables it.
	SilenceTimeout time.Duration

	// MaxDuration ends the conversation unconditionally. Zero disables it.
	MaxDuration time.Duration

	// TurnDetection is the session's turn-detection mode. With
	// [transport.TurnDetectionNone] the end of local speech commits the
	// input and requests a response.
	TurnDetection transport.TurnDetection

	// HalfDuplex stops sending microphone audio while the assistant speaks.
	HalfDuplex bool

	// LocalBargeIn lets the local energy gate interrupt the assistant.
	LocalBargeIn bool

	// Gate tunes the local energy gate.
	Gate audio.GateConfig

	// EndAfterMusic ends the conversation once a play command succeeds.
	EndAfterMusic bool

	// Greeting, when set, is sent as a user message right away so the
	// assistant speaks first.
	Greeting string

	// InputRate and OutputRate are the session audio rates in Hz.
	InputRate  int
	OutputRate int

	// MaxConsecutiveErrors escalates repeated capture read failures to
	// [audio.ErrDevice]. Default: 5.
	MaxConsecutiveErrors int
}

// Option configures a [Session].
type Option func(*Session)

// WithRouter sets the transcript classifier. Default: NewRouter(nil).
func WithRouter(r *Router) Option {
	return func(s *Session) { s.router = r }
}

// WithMusic routes music commands to ctrl.
func WithMusic(ctrl *music.Controller) Option {
	return func(s *Session) { s.music = ctrl }
}

// WithMetrics records session metrics in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one live conversation. The caller owns the channel, capture
// stream and sink and releases them after Run returns.
type Session struct {
	ID        string
	StartedAt time.Time
	Channel   transport.Channel

	cfg      Config
	capture  audio.FrameSource
	sink     audio.Sink
	router   *Router
	music    *music.Controller
	metrics  *observe.Metrics
	timeouts *Timeouts
	machine  *Machine
}

// NewSession prepares a conversation over ch. Timeouts start counting now.
func NewSession(ch transport.Channel, capture audio.FrameSource, sink audio.Sink, cfg Config, opts ...Option) *Session {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	s := &Session{
		ID:      uuid.NewString(),
		Channel: ch,
		cfg:     cfg,
		capture: capture,
		sink:    sink,
	}
	for _, o := range opts {
		o(s)
	}
	if s.router == nil {
		s.router = NewRouter(nil)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.timeouts = NewTimeouts(cfg.SilenceTimeout, cfg.MaxDuration)
	s.StartedAt = s.timeouts.StartedAt()
	s.machine = newMachine(machineConfig{
		turnDetection: cfg.TurnDetection,
		localBargeIn:  cfg.LocalBargeIn,
		outputRate:    cfg.OutputRate,
		greeting:      cfg.Greeting,
	}, ch, sink, s.router, s.timeouts, s.metrics)
	return s
}

// Snapshot returns the current turn state.
func (s *Session) Snapshot() Snapshot { return s.machine.Snapshot() }

// LastActivity returns the time of the latest user or assistant activity.
func (s *Session) LastActivity() time.Time { return s.timeouts.LastActivity() }

// Run streams the conversation until it ends and returns the cause. It never
// returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(observe.WithSession(ctx, s.ID))
	defer cancel(nil)
	log := observe.Logger(ctx)
	log.Info("conversation started", "turn_detection", s.cfg.TurnDetection, "half_duplex", s.cfg.HalfDuplex)

	g, gctx := errgroup.WithContext(ctx)
	if s.music != nil {
		d := music.NewDispatcher(s.music, 8, s.metrics)
		s.machine.music = d
		g.Go(func() error {
			return d.Run(gctx, func(res music.Result) { s.onMusicResult(cancel, res) })
		})
	}
	g.Go(func() error { return s.machine.receive(gctx, cancel) })
	g.Go(func() error { return s.machine.playback(gctx) })
	g.Go(func() error { return s.stream(gctx) })
	g.Go(func() error { return s.timeouts.Run(gctx, cancel) })

	err := g.Wait()
	cause := err
	if cause == nil {
		cause = context.Cause(ctx)
	}
	if cause == nil {
		cause = context.Canceled
	}
	cancel(cause)

	log.Info("conversation ended",
		"outcome", Outcome(cause),
		"cause", cause,
		"duration", time.Since(s.StartedAt).Round(time.Millisecond),
	)
	return cause
}

func (s *Session) onMusicResult(cancel context.CancelCauseFunc, res music.Result) {
	s.timeouts.Touch()
	slog.Info("music command done", "command", res.Command, "action", res.Action, "success", res.Success, "response", res.Response)
	if res.StartedPlayback() && s.cfg.EndAfterMusic {
		cancel(ErrMusicStarted)
	}
}

// stream sends captured frames to the channel in capture order and feeds
// the local energy gate.
func (s *Session) stream(ctx context.Context) error {
	var gate *audio.EnergyGate
	if s.cfg.LocalBargeIn || s.cfg.TurnDetection == transport.TurnDetectionNone {
		gate = audio.NewEnergyGate(s.cfg.Gate)
	}

	failures := 0
	for {
		f, err := s.capture.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, audio.ErrClosed) {
				return fmt.Errorf("conversation: capture closed: %w: %w", audio.ErrDevice, err)
			}
			failures++
			slog.Warn("capture read failed", "err", err, "consecutive", failures)
			if failures >= s.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("conversation: %d consecutive capture failures: %w: %w", failures, audio.ErrDevice, err)
			}
			continue
		}
		failures = 0

		if gate != nil {
			if e := gate.Process(f); e != audio.EdgeNone {
				s.machine.LocalEdge(ctx, e)
			}
		}
		if s.cfg.HalfDuplex && s.machine.Snapshot().State == AssistantSpeaking {
			continue
		}

		pcm := audio.ResampleMono16(f.Data, f.SampleRate, s.cfg.InputRate)
		if err := s.Channel.Send(ctx, transport.AppendAudio(pcm)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return connectionLost(fmt.Errorf("send audio: %w", err))
		}
	}
}
