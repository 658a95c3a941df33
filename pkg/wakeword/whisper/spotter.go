// Package whisper implements [wakeword.Engine] as a keyword spotter on top of
// the whisper.cpp CGO bindings.
//
// Captured frames are accumulated into a sliding window. Every hop, the most
// recent window is transcribed and the transcript is fuzzy-matched against the
// configured wake phrases using Double Metaphone codes and Jaro-Winkler
// similarity. Windows whose energy is below the silence threshold are never
// sent to the model.
//
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/wakeword"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var _ wakeword.Engine = (*Spotter)(nil)

const (
	defaultLanguage         = "en"
	defaultSampleRate       = 16000
	defaultFrameLength      = 512
	defaultWindow           = 2 * time.Second
	defaultHop              = 500 * time.Millisecond
	defaultSilenceThreshold = 0.01
)

// Transcriber turns 16 kHz mono float32 samples into text.
type Transcriber interface {
	Transcribe(samples []float32) (string, error)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Spotter.
type Option func(*Spotter)

// WithLanguage sets the whisper language code. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(s *Spotter) { s.language = lang }
}

// WithFrameLength sets the number of samples per frame the spotter expects.
// Defaults to 512.
func WithFrameLength(n int) Option {
	return func(s *Spotter) { s.frameLength = n }
}

// WithWindow sets how much trailing audio is transcribed per inference.
// Defaults to 2s.
func WithWindow(d time.Duration) Option {
	return func(s *Spotter) { s.window = d }
}

// WithHop sets how much new audio must arrive between inferences.
// Defaults to 500ms.
func WithHop(d time.Duration) Option {
	return func(s *Spotter) { s.hop = d }
}

// WithSilenceThreshold sets the normalised RMS level below which a window is
// skipped without inference. Defaults to 0.01.
func WithSilenceThreshold(rms float64) Option {
	return func(s *Spotter) { s.silence = rms }
}

// ── Spotter ────────────────────────────────────────────────────────────────────

// Spotter is a whisper.cpp backed [wakeword.Engine]. It is not safe for
// concurrent use.
type Spotter struct {
	transcriber Transcriber
	closer      io.Closer
	keywords    []wakeword.Keyword

	language    string
	frameLength int
	window      time.Duration
	hop         time.Duration
	silence     float64

	// buf holds at most one window of PCM16 bytes; pending counts the bytes
	// appended since the last inference.
	buf     []byte
	pending int
}

// New loads the whisper model at modelPath and returns a Spotter for kws.
// The caller must call Close when done.
func New(modelPath string, kws []wakeword.Keyword, opts ...Option) (*Spotter, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if err := wakeword.ValidateKeywords(kws); err != nil {
		return nil, err
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	s := newSpotter(nil, kws, opts...)
	s.transcriber = &modelTranscriber{model: model, language: s.language}
	s.closer = model
	return s, nil
}

// NewWithTranscriber returns a Spotter that uses t instead of a whisper
// model. Useful for alternative recognisers and for tests.
func NewWithTranscriber(t Transcriber, kws []wakeword.Keyword, opts ...Option) (*Spotter, error) {
	if t == nil {
		return nil, errors.New("whisper: transcriber must not be nil")
	}
	if err := wakeword.ValidateKeywords(kws); err != nil {
		return nil, err
	}
	return newSpotter(t, kws, opts...), nil
}

func newSpotter(t Transcriber, kws []wakeword.Keyword, opts ...Option) *Spotter {
	s := &Spotter{
		transcriber: t,
		keywords:    append([]wakeword.Keyword(nil), kws...),
		language:    defaultLanguage,
		frameLength: defaultFrameLength,
		window:      defaultWindow,
		hop:         defaultHop,
		silence:     defaultSilenceThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process implements [wakeword.Engine].
func (s *Spotter) Process(f audio.Frame) (int, bool, error) {
	if len(f.Data) == 0 {
		return 0, false, nil
	}
	if f.SampleRate != 0 && f.SampleRate != defaultSampleRate {
		return 0, false, fmt.Errorf("whisper: frame sample rate %d, want %d", f.SampleRate, defaultSampleRate)
	}

	windowBytes := bytesFor(s.window)
	s.buf = append(s.buf, f.Data...)
	if over := len(s.buf) - windowBytes; over > 0 {
		s.buf = s.buf[over:]
	}
	s.pending += len(f.Data)
	if s.pending < bytesFor(s.hop) {
		return 0, false, nil
	}
	s.pending = 0

	if audio.RMS(s.buf) < s.silence {
		return 0, false, nil
	}

	text, err := s.transcriber.Transcribe(audio.Float32s(s.buf))
	if err != nil {
		return 0, false, err
	}
	if text == "" {
		return 0, false, nil
	}
	idx, score, ok := matchKeyword(text, s.keywords)
	if !ok {
		slog.Debug("wake window transcribed without match", "text", text)
		return 0, false, nil
	}
	slog.Debug("wake phrase matched", "keyword", s.keywords[idx].Phrase, "text", text, "score", score)
	// A detection consumes the window so the same utterance cannot fire twice.
	s.Reset()
	return idx, true, nil
}

// SampleRate implements [wakeword.Engine]. whisper.cpp requires 16 kHz.
func (s *Spotter) SampleRate() int { return defaultSampleRate }

// FrameLength implements [wakeword.Engine].
func (s *Spotter) FrameLength() int { return s.frameLength }

// Keywords implements [wakeword.Engine].
func (s *Spotter) Keywords() []wakeword.Keyword { return s.keywords }

// Reset implements [wakeword.Engine].
func (s *Spotter) Reset() {
	s.buf = s.buf[:0]
	s.pending = 0
}

// Close releases the whisper model, if one was loaded.
func (s *Spotter) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func bytesFor(d time.Duration) int {
	return int(d.Seconds()*defaultSampleRate) * 2
}

// ── whisper.cpp transcriber ────────────────────────────────────────────────────

type modelTranscriber struct {
	model    whisperlib.Model
	language string
}

// Transcribe runs one inference using a fresh context. Contexts are not
// thread-safe; the model is.
func (m *modelTranscriber) Transcribe(samples []float32) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(m.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", m.language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
