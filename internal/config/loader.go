package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/wakeline/pkg/transport"
	"github.com/MrWong99/wakeline/pkg/wakeword"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey is consulted when realtime.api_key is empty.
const EnvAPIKey = "OPENAI_API_KEY"

// Default values applied by [ApplyDefaults].
const (
	DefaultModel              = "gpt-4o-realtime-preview-2024-10-01"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultSampleRate         = 24000
	DefaultHandshakeTimeout   = 10 * time.Second

	DefaultWakeLanguage    = "en"
	DefaultWakeFrameLength = 512
	DefaultWakeWindow      = 2 * time.Second
	DefaultWakeHop         = 500 * time.Millisecond
	DefaultWakeSilence     = 0.01
	DefaultSensitivity     = 0.5

	DefaultSilenceTimeout = 15 * time.Second
	DefaultMaxDuration    = 2 * time.Minute

	DefaultBargeInThreshold = 0.03
	DefaultBargeInAttack    = 60 * time.Millisecond
	DefaultBargeInRelease   = 500 * time.Millisecond

	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
	DefaultMaxBackoff = 8 * time.Second
	DefaultCooldown   = 30 * time.Second

	DefaultFrameDuration        = 20 * time.Millisecond
	DefaultMaxConsecutiveErrors = 5
	DefaultDeviceRetries        = 5
	DefaultDeviceBackoff        = time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. An empty realtime.api_key is filled from $OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(EnvAPIKey)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unlike [Load] it never reads the environment, which keeps tests
// hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// keywords, API key or model path set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	rt := &cfg.Realtime
	setDefault(&rt.Model, DefaultModel)
	setDefault(&rt.Voice, DefaultVoice)
	setDefault(&rt.TranscriptionModel, DefaultTranscriptionModel)
	setDefault(&rt.TurnDetection, transport.TurnDetectionServerVAD)
	setDefault(&rt.InputSampleRate, DefaultSampleRate)
	setDefault(&rt.OutputSampleRate, DefaultSampleRate)
	setDefault(&rt.HandshakeTimeout, DefaultHandshakeTimeout)

	ww := &cfg.WakeWord
	setDefault(&ww.Language, DefaultWakeLanguage)
	setDefault(&ww.FrameLength, DefaultWakeFrameLength)
	setDefault(&ww.Window, DefaultWakeWindow)
	setDefault(&ww.Hop, DefaultWakeHop)
	setDefault(&ww.SilenceThreshold, DefaultWakeSilence)

	conv := &cfg.Conversation
	setDefault(&conv.SilenceTimeout, DefaultSilenceTimeout)
	setDefault(&conv.MaxDuration, DefaultMaxDuration)
	setDefault(&conv.BargeIn.Threshold, DefaultBargeInThreshold)
	setDefault(&conv.BargeIn.Attack, DefaultBargeInAttack)
	setDefault(&conv.BargeIn.Release, DefaultBargeInRelease)

	cn := &cfg.Connection
	setDefault(&cn.MaxRetries, DefaultMaxRetries)
	setDefault(&cn.Backoff, DefaultBackoff)
	setDefault(&cn.MaxBackoff, DefaultMaxBackoff)
	setDefault(&cn.Cooldown, DefaultCooldown)

	au := &cfg.Audio
	setDefault(&au.FrameDuration, DefaultFrameDuration)
	setDefault(&au.MaxConsecutiveErrors, DefaultMaxConsecutiveErrors)
	setDefault(&au.DeviceRetries, DefaultDeviceRetries)
	setDefault(&au.DeviceBackoff, DefaultDeviceBackoff)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// EngineKeywords converts the configured wake phrases to engine keywords. Phrases
// without an explicit sensitivity get [DefaultSensitivity].
func (w WakeWordConfig) EngineKeywords() []wakeword.Keyword {
	out := make([]wakeword.Keyword, 0, len(w.Keywords))
	for _, k := range w.Keywords {
		s := k.Sensitivity
		if s == 0 {
			s = DefaultSensitivity
		}
		out = append(out, wakeword.Keyword{Phrase: strings.TrimSpace(k.Phrase), Sensitivity: s})
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set $%s)", EnvAPIKey))
	}
	if rt.TurnDetection != "" && !rt.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.turn_detection %q is invalid; valid values: server_vad, semantic_vad, none", rt.TurnDetection))
	}
	if rt.InputSampleRate < 0 || rt.OutputSampleRate < 0 {
		errs = append(errs, errors.New("realtime sample rates must be positive"))
	}
	if rt.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("realtime.handshake_timeout must not be negative"))
	}

	// Wake word
	if cfg.WakeWord.ModelPath == "" {
		errs = append(errs, errors.New("wake_word.model_path is required"))
	}
	if err := wakeword.ValidateKeywords(cfg.WakeWord.EngineKeywords()); err != nil {
		errs = append(errs, fmt.Errorf("wake_word.keywords: %w", err))
	}
	if cfg.WakeWord.FrameLength < 0 {
		errs = append(errs, errors.New("wake_word.frame_length must be positive"))
	}
	if cfg.WakeWord.Hop > cfg.WakeWord.Window && cfg.WakeWord.Window > 0 {
		errs = append(errs, fmt.Errorf("wake_word.hop %s exceeds wake_word.window %s", cfg.WakeWord.Hop, cfg.WakeWord.Window))
	}

	// Conversation
	conv := cfg.Conversation
	if conv.SilenceTimeout < 0 || conv.MaxDuration < 0 {
		errs = append(errs, errors.New("conversation timeouts must not be negative"))
	}
	if conv.MaxDuration > 0 && conv.SilenceTimeout > 0 && conv.MaxDuration < conv.SilenceTimeout {
		slog.Warn("conversation.max_duration is shorter than conversation.silence_timeout; the silence timeout will never fire",
			"max_duration", conv.MaxDuration,
			"silence_timeout", conv.SilenceTimeout,
		)
	}
	if t := conv.BargeIn.Threshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("conversation.barge_in.threshold %.3f is out of range (0, 1]", t))
	}
	for i, p := range conv.EndPhrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("conversation.end_phrases[%d] is empty", i))
		}
	}
	if conv.HalfDuplex && conv.BargeIn.LocalBargeIn() && conv.BargeIn.Enabled != nil {
		slog.Warn("conversation.half_duplex disables barge-in; conversation.barge_in.enabled is ignored")
	}

	// Connection
	cn := cfg.Connection
	if cn.MaxRetries < 0 {
		errs = append(errs, errors.New("connection.max_retries must not be negative"))
	}
	if cn.MaxBackoff > 0 && cn.Backoff > cn.MaxBackoff {
		errs = append(errs, fmt.Errorf("connection.backoff %s exceeds connection.max_backoff %s", cn.Backoff, cn.MaxBackoff))
	}

	// Music
	if cfg.Music.Enabled && cfg.Music.LibraryDir == "" {
		errs = append(errs, errors.New("music.library_dir is required when music.enabled is true"))
	}

	return errors.Join(errs...)
}
