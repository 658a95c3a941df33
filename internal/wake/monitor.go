// Package wake listens for the wake phrase between conversations.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/wakeword"
)

// DefaultMaxConsecutiveErrors is the number of failed reads in a row after
// which the capture device is considered broken.
const DefaultMaxConsecutiveErrors = 5

// Event is one wake-phrase detection.
type Event struct {
	// KeywordIndex is the position of the detected keyword in the engine's
	// keyword list.
	KeywordIndex int

	// Keyword is the detected phrase.
	Keyword string

	// Timestamp is when the detection was reported.
	Timestamp time.Time
}

// Option configures a [Monitor].
type Option func(*Monitor)

// WithMaxConsecutiveErrors sets how many failed reads in a row escalate to
// [audio.ErrDevice]. Values below one are ignored.
func WithMaxConsecutiveErrors(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxErrors = n
		}
	}
}

// WithMetrics records detections in metrics.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// Monitor feeds microphone frames to a wake-word engine. It owns the capture
// stream only while WaitForWake runs.
type Monitor struct {
	dev       audio.Device
	engine    wakeword.Engine
	maxErrors int
	metrics   *observe.Metrics
	now       func() time.Time
}

// New returns a Monitor capturing from dev.
func New(dev audio.Device, engine wakeword.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		dev:       dev,
		engine:    engine,
		maxErrors: DefaultMaxConsecutiveErrors,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// WaitForWake blocks until a keyword is detected, ctx is cancelled or the
// device fails. Device failures are reported as errors wrapping
// [audio.ErrDevice]; cancellation returns ctx.Err(). The capture stream is
// closed before WaitForWake returns on every path.
func (m *Monitor) WaitForWake(ctx context.Context) (Event, error) {
	format := audio.Format{SampleRate: m.engine.SampleRate(), FrameSamples: m.engine.FrameLength()}
	src, err := m.dev.OpenCapture(ctx, format)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, deviceError("open capture", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			slog.Debug("closing wake capture", "err", err)
		}
	}()

	m.engine.Reset()
	slog.Info("listening for wake word", "keywords", len(m.engine.Keywords()), "sample_rate", format.SampleRate)

	failures := 0
	for {
		f, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			if errors.Is(err, audio.ErrClosed) {
				return Event{}, deviceError("capture stream closed", err)
			}
			failures++
			slog.Warn("wake capture read failed", "err", err, "consecutive", failures)
			if failures >= m.maxErrors {
				return Event{}, deviceError(fmt.Sprintf("%d consecutive read failures", failures), err)
			}
			continue
		}
		failures = 0

		idx, detected, err := m.engine.Process(f)
		if err != nil {
			slog.Warn("wake engine failed on frame", "seq", f.Seq, "err", err)
			continue
		}
		if !detected {
			continue
		}

		ev := Event{KeywordIndex: idx, Timestamp: m.now()}
		if kws := m.engine.Keywords(); idx >= 0 && idx < len(kws) {
			ev.Keyword = kws[idx].Phrase
		}
		m.metrics.RecordWake(ctx, ev.Keyword)
		slog.Info("wake word detected", "keyword", ev.Keyword, "index", idx)
		return ev, nil
	}
}

func deviceError(what string, err error) error {
	if errors.Is(err, audio.ErrDevice) {
		return fmt.Errorf("wake: %s: %w", what, err)
	}
	return fmt.Errorf("wake: %s: %w: %w", what, audio.ErrDevice, err)
}
