// Package config provides the configuration schema and loader for wakeline.
//
// Configuration is read once at startup and treated as immutable for the
// lifetime of the process.
package config

import (
	"time"

	"github.com/MrWong99/wakeline/pkg/transport"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for wakeline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	WakeWord     WakeWordConfig     `yaml:"wake_word"`
	Conversation ConversationConfig `yaml:"conversation"`
	Connection   ConnectionConfig   `yaml:"connection"`
	Audio        AudioConfig        `yaml:"audio"`
	Music        MusicConfig        `yaml:"music"`
	Cues         CuesConfig         `yaml:"cues"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// LogColor selects the coloured console handler instead of plain
	// key=value text.
	LogColor bool `yaml:"log_color"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g. ":9090"). Empty disables the HTTP server.
	MetricsAddr string `yaml:"metrics_addr"`
}

// RealtimeConfig configures the remote speech-to-speech session.
type RealtimeConfig struct {
	// APIKey authenticates against the service. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model identifier.
	Model string `yaml:"model"`

	// Voice is the assistant voice, e.g. "alloy".
	Voice string `yaml:"voice"`

	// TranscriptionModel transcribes user audio, e.g. "whisper-1".
	TranscriptionModel string `yaml:"transcription_model"`

	// TurnDetection is one of server_vad, semantic_vad or none.
	TurnDetection transport.TurnDetection `yaml:"turn_detection"`

	// Instructions is the system prompt for the session.
	Instructions string `yaml:"instructions"`

	// Greeting, when set, is sent as a user message right after the
	// handshake so the assistant speaks first.
	Greeting string `yaml:"greeting"`

	// InputSampleRate and OutputSampleRate are the session PCM16 rates in Hz.
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// HandshakeTimeout bounds the wait for session.configured.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// WakeWordConfig configures the wake-phrase spotter.
type WakeWordConfig struct {
	// ModelPath is the whisper.cpp model file.
	ModelPath string `yaml:"model_path"`

	// Language is the whisper language code. Default: en.
	Language string `yaml:"language"`

	// Keywords are the accepted wake phrases.
	Keywords []KeywordConfig `yaml:"keywords"`

	// FrameLength is the number of samples per captured frame.
	FrameLength int `yaml:"frame_length"`

	// Window is how much trailing audio each inference sees.
	Window time.Duration `yaml:"window"`

	// Hop is how much new audio triggers the next inference.
	Hop time.Duration `yaml:"hop"`

	// SilenceThreshold is the normalised RMS below which a window is skipped.
	SilenceThreshold float64 `yaml:"silence_threshold"`
}

// KeywordConfig is one wake phrase.
type KeywordConfig struct {
	Phrase string `yaml:"phrase"`

	// Sensitivity in [0, 1]; higher detects more readily.
	Sensitivity float64 `yaml:"sensitivity"`
}

// ConversationConfig tunes a live conversation.
type ConversationConfig struct {
	// SilenceTimeout ends a conversation after this long without activity.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// MaxDuration is an absolute ceiling on one conversation.
	MaxDuration time.Duration `yaml:"max_duration"`

	// HalfDuplex suppresses microphone upload while the assistant speaks.
	// This disables barge-in and suits setups without echo cancellation.
	HalfDuplex bool `yaml:"half_duplex"`

	// EndAfterMusicPlay ends the conversation once a spoken play command
	// starts music. Default: true.
	EndAfterMusicPlay *bool `yaml:"end_after_music_play"`

	// EndPhrases replaces the built-in list of phrases that end a
	// conversation when non-empty.
	EndPhrases []string `yaml:"end_phrases"`

	// BargeIn tunes local interruption detection.
	BargeIn BargeInConfig `yaml:"barge_in"`
}

// BargeInConfig tunes the local energy gate that detects the user talking
// over the assistant.
type BargeInConfig struct {
	// Enabled turns local detection on. Server speech_started still
	// interrupts when disabled. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Threshold is the normalised RMS (0–1] counted as speech.
	Threshold float64 `yaml:"threshold"`

	// Attack is how long energy must stay above Threshold.
	Attack time.Duration `yaml:"attack"`

	// Release is how long energy must stay below Threshold to end a turn.
	Release time.Duration `yaml:"release"`
}

// ConnectionConfig is the reconnect policy between conversations.
type ConnectionConfig struct {
	// MaxRetries is the number of connect attempts per conversation.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial delay between attempts; it doubles up to
	// MaxBackoff.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Cooldown is how long connects fail fast after retries are exhausted.
	Cooldown time.Duration `yaml:"cooldown"`
}

// AudioConfig tunes local capture.
type AudioConfig struct {
	// FrameDuration is the conversation capture frame length.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// MaxConsecutiveErrors escalates repeated read failures to a device
	// error.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// DeviceRetries bounds how often a failing capture device is retried
	// before wakeline exits.
	DeviceRetries int `yaml:"device_retries"`

	// DeviceBackoff is the initial delay between device retries.
	DeviceBackoff time.Duration `yaml:"device_backoff"`
}

// MusicConfig configures the local music player.
type MusicConfig struct {
	Enabled bool `yaml:"enabled"`

	// LibraryDir is scanned recursively for MP3 and WAV files.
	LibraryDir string `yaml:"library_dir"`
}

// CuesConfig points at WAV files for local audio cues. Empty entries use a
// generated tone.
type CuesConfig struct {
	Wake    string `yaml:"wake"`
	Goodbye string `yaml:"goodbye"`
	Failure string `yaml:"failure"`
}

// EndAfterMusic reports the effective end_after_music_play setting.
func (c ConversationConfig) EndAfterMusic() bool {
	return c.EndAfterMusicPlay == nil || *c.EndAfterMusicPlay
}

// LocalBargeIn reports the effective barge_in.enabled setting.
func (b BargeInConfig) LocalBargeIn() bool {
	return b.Enabled == nil || *b.Enabled
}
