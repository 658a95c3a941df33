// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.FrameSource], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	dev := &mock.Device{Frames: frames}
//	src, err := dev.OpenCapture(ctx, audio.Format{SampleRate: 16000, FrameSamples: 512})
//	frames <- audio.Frame{Data: make([]byte, 1024), SampleRate: 16000}
//	f, err := src.Read(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wakeline/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
// Set the exported fields before use; inspect the counters after.
type Device struct {
	// Frames feeds every capture stream opened from this device. Streams
	// opened one after another share the channel, so a test can script a
	// whole wake → conversation → wake cycle on one channel.
	Frames <-chan audio.Frame

	// ReadErrors, when non-nil, is selected alongside Frames; each value
	// received is returned from Read as a transient error.
	ReadErrors <-chan error

	// OpenCaptureErr is returned by OpenCapture when non-nil.
	OpenCaptureErr error

	// OpenPlaybackErr is returned by OpenPlayback when non-nil.
	OpenPlaybackErr error

	// Sink is returned by OpenPlayback. A fresh Sink is created on first use
	// when nil.
	Sink *Sink

	mu            sync.Mutex
	openCaptures  int
	maxConcurrent int
	captureOpens  int
	playbackOpens int
	formats       []audio.Format
}

// OpenCapture implements [audio.Device].
func (d *Device) OpenCapture(_ context.Context, f audio.Format) (audio.FrameSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureOpens++
	d.formats = append(d.formats, f)
	if d.OpenCaptureErr != nil {
		return nil, d.OpenCaptureErr
	}
	d.openCaptures++
	d.maxConcurrent = max(d.maxConcurrent, d.openCaptures)
	return &Source{dev: d, frames: d.Frames, errs: d.ReadErrors, done: make(chan struct{})}, nil
}

// OpenPlayback implements [audio.Device].
func (d *Device) OpenPlayback(_ context.Context, _ audio.Format) (audio.Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playbackOpens++
	if d.OpenPlaybackErr != nil {
		return nil, d.OpenPlaybackErr
	}
	if d.Sink == nil {
		d.Sink = &Sink{}
	}
	return d.Sink, nil
}

// OpenCaptures returns the number of capture streams currently open.
func (d *Device) OpenCaptures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCaptures
}

// MaxConcurrentCaptures returns the highest number of simultaneously open
// capture streams observed so far.
func (d *Device) MaxConcurrentCaptures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConcurrent
}

// CaptureOpens returns how many times OpenCapture was called.
func (d *Device) CaptureOpens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captureOpens
}

// PlaybackOpens returns how many times OpenPlayback was called.
func (d *Device) PlaybackOpens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playbackOpens
}

// Formats returns the formats passed to OpenCapture, in call order.
func (d *Device) Formats() []audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.Format(nil), d.formats...)
}

func (d *Device) closeCapture() {
	d.mu.Lock()
	d.openCaptures--
	d.mu.Unlock()
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is the [audio.FrameSource] returned by [Device.OpenCapture].
type Source struct {
	dev    *Device
	frames <-chan audio.Frame
	errs   <-chan error

	mu     sync.Mutex
	reads  int
	closed bool
	done   chan struct{}
}

// Read implements [audio.FrameSource]. It blocks until a scripted frame or
// error arrives, ctx is cancelled, or the source is closed.
func (s *Source) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case <-s.done:
		return audio.Frame{}, audio.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-s.done:
		return audio.Frame{}, audio.ErrClosed
	case err := <-s.errs:
		return audio.Frame{}, err
	case f, ok := <-s.frames:
		if !ok {
			return audio.Frame{}, audio.ErrClosed
		}
		s.mu.Lock()
		s.reads++
		s.mu.Unlock()
		return f, nil
	}
}

// Close implements [audio.FrameSource]. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.dev != nil {
		s.dev.closeCapture()
	}
	return nil
}

// Reads returns how many frames were delivered by this source.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	// WriteErr is returned by Write when non-nil.
	WriteErr error

	// OnWrite, if set, is called with each chunk before it is recorded. It
	// runs without the mock's lock held, so it may block to simulate a slow
	// device.
	OnWrite func(pcm []byte)

	mu         sync.Mutex
	writes     [][]byte
	interrupts int
	closes     int
}

// Write implements [audio.Sink].
func (s *Sink) Write(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.OnWrite != nil {
		s.OnWrite(pcm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.writes = append(s.writes, append([]byte(nil), pcm...))
	return nil
}

// Interrupt implements [audio.Sink].
func (s *Sink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Writes returns a copy of every chunk written, in order.
func (s *Sink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// Interrupts returns how many times Interrupt was called.
func (s *Sink) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Closes returns how many times Close was called.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Reset clears the recorded writes, interrupts and closes.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
	s.interrupts = 0
	s.closes = 0
}
