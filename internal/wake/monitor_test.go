package wake_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/wakeline/internal/wake"
	"github.com/MrWong99/wakeline/pkg/audio"
	audiomock "github.com/MrWong99/wakeline/pkg/audio/mock"
	"github.com/MrWong99/wakeline/pkg/wakeword"
	wwmock "github.com/MrWong99/wakeline/pkg/wakeword/mock"
)

func frames(n int) chan audio.Frame {
	ch := make(chan audio.Frame, n)
	for i := range n {
		ch <- audio.Frame{Data: make([]byte, 1024), SampleRate: 16000, Seq: uint64(i)}
	}
	return ch
}

func TestWaitForWake_Detects(t *testing.T) {
	t.Parallel()
	dev := &audiomock.Device{Frames: frames(10)}
	eng := &wwmock.Engine{
		KeywordsResult: []wakeword.Keyword{{Phrase: "hey taco"}, {Phrase: "computer"}},
		DetectAfter:    3,
		DetectIndex:    1,
	}

	ev, err := wake.New(dev, eng).WaitForWake(context.Background())
	if err != nil {
		t.Fatalf("WaitForWake: %v", err)
	}
	if ev.KeywordIndex != 1 || ev.Keyword != "computer" {
		t.Errorf("event = %+v; want computer at index 1", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}
	if eng.Processed() != 3 {
		t.Errorf("processed = %d; want 3", eng.Processed())
	}
	if eng.Resets() != 1 {
		t.Errorf("resets = %d; want 1", eng.Resets())
	}
	if dev.OpenCaptures() != 0 {
		t.Error("capture left open after detection")
	}
	if got := dev.Formats(); len(got) != 1 || got[0] != (audio.Format{SampleRate: 16000, FrameSamples: 512}) {
		t.Errorf("capture formats = %v", got)
	}
}

func TestWaitForWake_Cancelled(t *testing.T) {
	t.Parallel()
	dev := &audiomock.Device{Frames: make(chan audio.Frame)}
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := wake.New(dev, &wwmock.Engine{}).WaitForWake(ctx)
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v; want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForWake did not return after cancel")
	}
	if dev.OpenCaptures() != 0 {
		t.Error("capture left open after cancel")
	}
}

func TestWaitForWake_DeviceErrors(t *testing.T) {
	t.Parallel()

	t.Run("open fails", func(t *testing.T) {
		t.Parallel()
		dev := &audiomock.Device{OpenCaptureErr: errors.New("no such device")}
		_, err := wake.New(dev, &wwmock.Engine{}).WaitForWake(context.Background())
		if !errors.Is(err, audio.ErrDevice) {
			t.Errorf("err = %v; want ErrDevice", err)
		}
	})

	t.Run("isolated read errors are skipped", func(t *testing.T) {
		t.Parallel()
		errs := make(chan error, 2)
		errs <- errors.New("overflow")
		errs <- errors.New("overflow")
		dev := &audiomock.Device{Frames: frames(5), ReadErrors: errs}
		eng := &wwmock.Engine{KeywordsResult: []wakeword.Keyword{{Phrase: "hey taco"}}, DetectAfter: 4}

		ev, err := wake.New(dev, eng, wake.WithMaxConsecutiveErrors(3)).WaitForWake(context.Background())
		if err != nil {
			t.Fatalf("WaitForWake: %v", err)
		}
		if ev.Keyword != "hey taco" {
			t.Errorf("keyword = %q", ev.Keyword)
		}
	})

	t.Run("consecutive read errors escalate", func(t *testing.T) {
		t.Parallel()
		errs := make(chan error, 3)
		for range 3 {
			errs <- errors.New("overflow")
		}
		dev := &audiomock.Device{Frames: make(chan audio.Frame), ReadErrors: errs}

		_, err := wake.New(dev, &wwmock.Engine{}, wake.WithMaxConsecutiveErrors(3)).WaitForWake(context.Background())
		if !errors.Is(err, audio.ErrDevice) {
			t.Errorf("err = %v; want ErrDevice", err)
		}
		if dev.OpenCaptures() != 0 {
			t.Error("capture left open after device error")
		}
	})

	t.Run("stream closed", func(t *testing.T) {
		t.Parallel()
		ch := make(chan audio.Frame)
		close(ch)
		dev := &audiomock.Device{Frames: ch}
		_, err := wake.New(dev, &wwmock.Engine{}).WaitForWake(context.Background())
		if !errors.Is(err, audio.ErrDevice) {
			t.Errorf("err = %v; want ErrDevice", err)
		}
	})
}

func TestWaitForWake_EngineErrorSkipsFrame(t *testing.T) {
	t.Parallel()
	calls := 0
	eng := &wwmock.Engine{
		KeywordsResult: []wakeword.Keyword{{Phrase: "hey taco"}},
		Detect: func(audio.Frame) (int, bool, error) {
			calls++
			if calls == 1 {
				return 0, false, errors.New("model hiccup")
			}
			return 0, true, nil
		},
	}
	dev := &audiomock.Device{Frames: frames(3)}

	if _, err := wake.New(dev, eng).WaitForWake(context.Background()); err != nil {
		t.Fatalf("WaitForWake: %v", err)
	}
	if calls != 2 {
		t.Errorf("engine calls = %d; want 2", calls)
	}
}

func TestWaitForWake_RepeatedActivations(t *testing.T) {
	t.Parallel()
	dev := &audiomock.Device{Frames: frames(10)}
	eng := &wwmock.Engine{KeywordsResult: []wakeword.Keyword{{Phrase: "hey taco"}}, DetectAfter: 2}
	m := wake.New(dev, eng)

	for i := range 3 {
		if _, err := m.WaitForWake(context.Background()); err != nil {
			t.Fatalf("activation %d: %v", i, err)
		}
	}
	if dev.CaptureOpens() != 3 || dev.MaxConcurrentCaptures() != 1 {
		t.Errorf("opens = %d, max concurrent = %d; want 3, 1", dev.CaptureOpens(), dev.MaxConcurrentCaptures())
	}
	if eng.Resets() != 3 {
		t.Errorf("resets = %d; want 3", eng.Resets())
	}
}
