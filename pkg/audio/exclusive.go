package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrCaptureBusy is returned by [ExclusiveDevice.OpenCapture] while another
// capture stream from the same device is still open.
var ErrCaptureBusy = errors.New("audio: capture device already in use")

// ExclusiveDevice wraps a [Device] so that at most one capture stream is open
// at any time. Wake-word monitoring and a live conversation both capture from
// the same microphone; this makes overlapping ownership an error instead of a
// silent double-open.
type ExclusiveDevice struct {
	dev Device

	mu   sync.Mutex
	busy bool
}

var _ Device = (*ExclusiveDevice)(nil)

// NewExclusive wraps dev.
func NewExclusive(dev Device) *ExclusiveDevice {
	return &ExclusiveDevice{dev: dev}
}

// OpenCapture opens a capture stream, failing with [ErrCaptureBusy] if one is
// already open. The claim is released when the returned source is closed.
func (d *ExclusiveDevice) OpenCapture(ctx context.Context, f Format) (FrameSource, error) {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return nil, ErrCaptureBusy
	}
	d.busy = true
	d.mu.Unlock()

	src, err := d.dev.OpenCapture(ctx, f)
	if err != nil {
		d.release()
		return nil, err
	}
	return &exclusiveSource{FrameSource: src, release: d.release}, nil
}

// OpenPlayback delegates to the wrapped device.
func (d *ExclusiveDevice) OpenPlayback(ctx context.Context, f Format) (Sink, error) {
	return d.dev.OpenPlayback(ctx, f)
}

// CaptureBusy reports whether a capture stream is currently open.
func (d *ExclusiveDevice) CaptureBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *ExclusiveDevice) release() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

type exclusiveSource struct {
	FrameSource
	release func()
	once    sync.Once
}

func (s *exclusiveSource) Close() error {
	err := s.FrameSource.Close()
	s.once.Do(s.release)
	return err
}
