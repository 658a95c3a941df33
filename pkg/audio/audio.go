// Package audio defines the interfaces and types for local audio capture and
// playback within wakeline.
//
// The primary abstractions are:
//
//   - [Device]: opens capture and playback streams for a given [Format].
//   - [FrameSource]: a lazily-read, unbounded sequence of fixed-size PCM
//     frames from a microphone.
//   - [Sink]: audible playback that accepts PCM chunks and can be
//     interrupted mid-chunk.
//
// All audio handled by this package is 16-bit signed little-endian mono PCM.
// Hardware adapters (e.g. audio/portaudio) implement [Device]; tests use the
// recording mocks in audio/mock.
//
// This package lives under pkg/ because external code (alternative device
// backends) is expected to implement [Device], [FrameSource] and [Sink].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDevice reports that a capture or playback device is unavailable or has
// failed repeatedly. It is retryable with backoff by the caller.
var ErrDevice = errors.New("audio: device unavailable")

// ErrClosed is returned by stream operations after Close.
var ErrClosed = errors.New("audio: stream closed")

// Frame is one fixed-length block of PCM16 mono samples. A Frame is immutable
// once produced; ownership of Data passes to the consumer on each read.
type Frame struct {
	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for wake-word capture, 24000 for the
	// remote session).
	SampleRate int

	// Seq is the capture order of this frame within its stream, starting at 0.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the playback duration of the frame. Zero when the sample
// rate is unknown.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes a mono PCM16 stream.
type Format struct {
	// SampleRate in Hz.
	SampleRate int

	// FrameSamples is the number of samples per captured frame, or the
	// device buffer size for playback.
	FrameSamples int
}

// FrameDuration returns the duration of one frame in this format.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// FrameSource is a live capture stream.
//
// Read blocks until the next frame is available, ctx is cancelled, or the
// stream is closed. A transient read error (e.g. an input overflow) is
// returned as-is and the stream stays usable; callers decide when repeated
// failures become fatal. Close releases the device and is idempotent.
type FrameSource interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Sink is an audible playback stream.
//
// Write blocks until pcm has been handed to the device or until playback is
// interrupted, whichever comes first; an interrupted Write returns nil with
// the remainder of pcm discarded. Interrupt stops the chunk currently being
// written as soon as the device allows and is safe to call from any
// goroutine. Close is idempotent.
type Sink interface {
	Write(ctx context.Context, pcm []byte) error
	Interrupt()
	Close() error
}

// Device opens capture and playback streams.
//
// Implementations must be safe for concurrent use.
type Device interface {
	OpenCapture(ctx context.Context, f Format) (FrameSource, error)
	OpenPlayback(ctx context.Context, f Format) (Sink, error)
}

