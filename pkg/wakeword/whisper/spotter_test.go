package whisper

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/wakeword"
)

// fakeTranscriber returns canned text and counts calls.
type fakeTranscriber struct {
	text  string
	err   error
	calls int
	lens  []int
}

func (f *fakeTranscriber) Transcribe(samples []float32) (string, error) {
	f.calls++
	f.lens = append(f.lens, len(samples))
	return f.text, f.err
}

// frame returns n samples of constant value v at 16 kHz.
func frame(v int16, n int) audio.Frame {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.Frame{Data: audio.FromInt16s(s), SampleRate: 16000}
}

func TestMatchKeyword(t *testing.T) {
	t.Parallel()
	kws := []wakeword.Keyword{
		{Phrase: "hi taco", Sensitivity: 0.6},
		{Phrase: "computer", Sensitivity: 0.5},
	}
	tests := []struct {
		name      string
		text      string
		wantIdx   int
		wantMatch bool
	}{
		{name: "exact", text: "Hi Taco", wantIdx: 0, wantMatch: true},
		{name: "embedded with punctuation", text: "Um, hi taco! What's up?", wantIdx: 0, wantMatch: true},
		{name: "run together", text: "hitaco", wantIdx: 0, wantMatch: true},
		{name: "near miss spelling", text: "hi tako", wantIdx: 0, wantMatch: true},
		{name: "second keyword", text: "okay computer", wantIdx: 1, wantMatch: true},
		{name: "unrelated", text: "the weather is nice today", wantMatch: false},
		{name: "empty", text: "", wantMatch: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idx, _, ok := matchKeyword(tt.text, kws)
			if ok != tt.wantMatch {
				t.Fatalf("matchKeyword(%q) ok = %v; want %v", tt.text, ok, tt.wantMatch)
			}
			if ok && idx != tt.wantIdx {
				t.Errorf("matchKeyword(%q) index = %d; want %d", tt.text, idx, tt.wantIdx)
			}
		})
	}
}

func TestThresholdFor_MonotonicInSensitivity(t *testing.T) {
	t.Parallel()
	prev := thresholdFor(0)
	for _, s := range []float64{0.25, 0.5, 0.75, 1} {
		cur := thresholdFor(s)
		if cur >= prev {
			t.Errorf("thresholdFor(%v) = %v; want < %v", s, cur, prev)
		}
		prev = cur
	}
	if thresholdFor(-1) != thresholdFor(0) || thresholdFor(2) != thresholdFor(1) {
		t.Error("thresholdFor does not clamp sensitivity to [0,1]")
	}
}

func TestSpotter_InfersEveryHop(t *testing.T) {
	t.Parallel()
	ft := &fakeTranscriber{text: "nothing here"}
	s, err := NewWithTranscriber(ft, []wakeword.Keyword{{Phrase: "hi taco", Sensitivity: 0.5}},
		WithWindow(time.Second), WithHop(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWithTranscriber: %v", err)
	}

	// 100ms hop = 1600 samples = 5 frames of 320.
	for i := range 20 {
		if _, detected, err := s.Process(frame(8000, 320)); err != nil || detected {
			t.Fatalf("frame %d: detected=%v err=%v", i, detected, err)
		}
	}
	if ft.calls != 4 {
		t.Errorf("transcriber calls = %d; want 4", ft.calls)
	}
	// Window never exceeds one second of samples.
	for _, n := range ft.lens {
		if n > 16000 {
			t.Errorf("window length = %d samples; want <= 16000", n)
		}
	}
}

func TestSpotter_SkipsSilence(t *testing.T) {
	t.Parallel()
	ft := &fakeTranscriber{text: "hi taco"}
	s, _ := NewWithTranscriber(ft, []wakeword.Keyword{{Phrase: "hi taco", Sensitivity: 0.5}},
		WithHop(20*time.Millisecond))

	for range 10 {
		if _, detected, _ := s.Process(frame(0, 320)); detected {
			t.Fatal("detected wake phrase in silence")
		}
	}
	if ft.calls != 0 {
		t.Errorf("transcriber calls = %d; want 0 for silent audio", ft.calls)
	}
}

func TestSpotter_DetectsAndResets(t *testing.T) {
	t.Parallel()
	ft := &fakeTranscriber{text: "Hi taco."}
	kws := []wakeword.Keyword{{Phrase: "stop"}, {Phrase: "hi taco", Sensitivity: 0.6}}
	s, _ := NewWithTranscriber(ft, kws, WithHop(20*time.Millisecond))

	idx, detected, err := s.Process(frame(8000, 320))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !detected || idx != 1 {
		t.Fatalf("Process = (%d, %v); want (1, true)", idx, detected)
	}
	if len(s.buf) != 0 {
		t.Errorf("buffer holds %d bytes after detection; want 0", len(s.buf))
	}
}

func TestSpotter_TranscriberError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s, _ := NewWithTranscriber(&fakeTranscriber{err: boom}, []wakeword.Keyword{{Phrase: "x"}},
		WithHop(20*time.Millisecond))
	if _, _, err := s.Process(frame(8000, 320)); !errors.Is(err, boom) {
		t.Errorf("err = %v; want boom", err)
	}
}

func TestSpotter_RejectsWrongRate(t *testing.T) {
	t.Parallel()
	s, _ := NewWithTranscriber(&fakeTranscriber{}, []wakeword.Keyword{{Phrase: "x"}})
	f := frame(1, 10)
	f.SampleRate = 24000
	if _, _, err := s.Process(f); err == nil {
		t.Error("expected error for 24 kHz frame")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", []wakeword.Keyword{{Phrase: "x"}}); err == nil {
		t.Error("New with empty path: expected error")
	}
	if _, err := NewWithTranscriber(nil, []wakeword.Keyword{{Phrase: "x"}}); err == nil {
		t.Error("NewWithTranscriber(nil): expected error")
	}
	if _, err := NewWithTranscriber(&fakeTranscriber{}, nil); !errors.Is(err, wakeword.ErrNoKeywords) {
		t.Errorf("err = %v; want ErrNoKeywords", err)
	}
}
