// Package portaudio implements [audio.Device] on top of the host's default
// PortAudio input and output devices.
//
// [Open] initialises the PortAudio library; [Device.Close] terminates it. Both
// capture and playback use blocking PortAudio streams with int16 buffers, so a
// Read blocks for one frame and a Write blocks for at most one device buffer
// per iteration.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/wakeline/pkg/audio"
	pa "github.com/gordonklaus/portaudio"
)

var _ audio.Device = (*Device)(nil)

// defaultPlaybackBuffer is the output buffer size in samples used when the
// requested format does not specify one (20ms at 24 kHz).
const defaultPlaybackBuffer = 480

// Device opens streams on the default PortAudio host devices.
type Device struct {
	closeOnce sync.Once
}

// Open initialises PortAudio. Call [Device.Close] when done.
func Open() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDevice, err)
	}
	return &Device{}, nil
}

// Close terminates PortAudio. Idempotent.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = pa.Terminate()
	})
	return err
}

// OpenCapture opens a mono int16 input stream on the default input device.
func (d *Device) OpenCapture(_ context.Context, f audio.Format) (audio.FrameSource, error) {
	if f.SampleRate <= 0 || f.FrameSamples <= 0 {
		return nil, fmt.Errorf("portaudio: invalid capture format %+v", f)
	}
	buf := make([]int16, f.FrameSamples)
	stream, err := pa.OpenDefaultStream(1, 0, float64(f.SampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open capture: %w: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start capture: %w: %w", audio.ErrDevice, err)
	}
	slog.Debug("capture stream opened", "sample_rate", f.SampleRate, "frame_samples", f.FrameSamples)
	return &capture{stream: stream, buf: buf, format: f}, nil
}

// OpenPlayback opens a mono int16 output stream on the default output device.
func (d *Device) OpenPlayback(_ context.Context, f audio.Format) (audio.Sink, error) {
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid playback format %+v", f)
	}
	n := f.FrameSamples
	if n <= 0 {
		n = defaultPlaybackBuffer
	}
	buf := make([]int16, n)
	stream, err := pa.OpenDefaultStream(0, 1, float64(f.SampleRate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open playback: %w: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start playback: %w: %w", audio.ErrDevice, err)
	}
	return &playback{stream: stream, buf: buf}, nil
}

// ── capture ───────────────────────────────────────────────────────────────────

type capture struct {
	format audio.Format

	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	seq    uint64
	closed bool
}

// Read blocks for one frame. Input overflows are reported as transient errors.
func (c *capture) Read(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return audio.Frame{}, audio.ErrClosed
	}
	if err := c.stream.Read(); err != nil {
		if errors.Is(err, pa.InputOverflowed) {
			return audio.Frame{}, fmt.Errorf("portaudio: input overflowed")
		}
		return audio.Frame{}, fmt.Errorf("portaudio: read: %w", err)
	}
	f := audio.Frame{
		Data:       audio.FromInt16s(c.buf),
		SampleRate: c.format.SampleRate,
		Seq:        c.seq,
		Timestamp:  time.Duration(c.seq) * c.format.FrameDuration(),
	}
	c.seq++
	return f, nil
}

// Close stops and closes the stream. It waits for an in-flight Read.
func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.stream.Stop(), c.stream.Close())
}

// ── playback ──────────────────────────────────────────────────────────────────

type playback struct {
	// gen is bumped by Interrupt; a Write that observes a new generation
	// abandons the rest of its chunk.
	gen atomic.Uint64

	mu     sync.Mutex
	stream *pa.Stream
	buf    []int16
	closed bool
}

func (p *playback) Write(ctx context.Context, pcm []byte) error {
	gen := p.gen.Load()
	samples := audio.Int16s(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return audio.ErrClosed
	}
	for off := 0; off < len(samples); off += len(p.buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.gen.Load() != gen {
			return nil
		}
		n := copy(p.buf, samples[off:])
		clear(p.buf[n:])
		if err := p.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

func (p *playback) Interrupt() {
	p.gen.Add(1)
}

func (p *playback) Close() error {
	p.gen.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.stream.Abort(), p.stream.Close())
}
