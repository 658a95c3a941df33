// Package transport defines the bidirectional message channel between
// wakeline and a remote speech-to-speech service.
//
// Events are a discriminated union in both directions: [ClientEvent] for what
// wakeline sends and [ServerEvent] for what it receives. The names follow the
// logical wire contract (session.configure, input_audio.append,
// response.cancel, response.audio.delta, …); adapters such as
// transport/openai translate them to a concrete provider protocol.
//
// A [Channel] is read by exactly one receive goroutine (via [Channel.Events])
// and written by one send goroutine plus occasional control messages; Send is
// safe for concurrent use.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost reports that the channel closed without being asked
	// to. A conversation never reconnects mid-turn; it ends with this cause.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: channel closed")
)

// ResponseID identifies one in-flight assistant response. It is the handle
// carried by response.cancel and by every audio chunk of that response.
type ResponseID string

// TurnDetection selects who decides turn boundaries.
type TurnDetection string

const (
	// TurnDetectionServerVAD lets the remote service detect speech start/stop
	// and commit the input buffer itself.
	TurnDetectionServerVAD TurnDetection = "server_vad"

	// TurnDetectionSemanticVAD is server-side detection that also considers
	// whether the user sounds finished.
	TurnDetectionSemanticVAD TurnDetection = "semantic_vad"

	// TurnDetectionNone disables server-side detection; the client commits
	// input and requests responses explicitly.
	TurnDetectionNone TurnDetection = "none"
)

// IsValid reports whether t is a known turn-detection mode.
func (t TurnDetection) IsValid() bool {
	switch t {
	case TurnDetectionServerVAD, TurnDetectionSemanticVAD, TurnDetectionNone:
		return true
	}
	return false
}

// AudioFormat describes one direction of session audio. Only raw PCM16
// little-endian mono is supported.
type AudioFormat struct {
	SampleRate int
}

// String renders the format, e.g. "pcm16@24000".
func (f AudioFormat) String() string { return fmt.Sprintf("pcm16@%d", f.SampleRate) }

// SessionConfig is the payload of session.configure.
type SessionConfig struct {
	InputFormat        AudioFormat
	OutputFormat       AudioFormat
	Voice              string
	TranscriptionModel string
	TurnDetection      TurnDetection
	Instructions       string
}

// ── Client events ──────────────────────────────────────────────────────────────

// ClientEventType discriminates [ClientEvent].
type ClientEventType string

const (
	ClientSessionConfigure ClientEventType = "session.configure"
	ClientAudioAppend      ClientEventType = "input_audio.append"
	ClientAudioCommit      ClientEventType = "input_audio.commit"
	ClientResponseCancel   ClientEventType = "response.cancel"
	ClientResponseCreate   ClientEventType = "response.create"
	ClientUserText         ClientEventType = "conversation.item.create"
)

// ClientEvent is a message sent to the remote service. Only the fields
// relevant to Type are set.
type ClientEvent struct {
	Type ClientEventType

	// Session is set for session.configure.
	Session *SessionConfig

	// Audio is raw PCM16 for input_audio.append.
	Audio []byte

	// Response is the handle for response.cancel.
	Response ResponseID

	// Text is the user message for conversation.item.create.
	Text string
}

// IsControl reports whether e is a control message rather than streamed
// audio.
func (e ClientEvent) IsControl() bool { return e.Type != ClientAudioAppend }

// Configure builds a session.configure event.
func Configure(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: ClientSessionConfigure, Session: &cfg}
}

// AppendAudio builds an input_audio.append event.
func AppendAudio(pcm []byte) ClientEvent {
	return ClientEvent{Type: ClientAudioAppend, Audio: pcm}
}

// Commit builds an input_audio.commit event.
func Commit() ClientEvent { return ClientEvent{Type: ClientAudioCommit} }

// Cancel builds a response.cancel event for id.
func Cancel(id ResponseID) ClientEvent {
	return ClientEvent{Type: ClientResponseCancel, Response: id}
}

// CreateResponse builds a response.create event.
func CreateResponse() ClientEvent { return ClientEvent{Type: ClientResponseCreate} }

// UserText builds a conversation.item.create event carrying a user message.
func UserText(text string) ClientEvent {
	return ClientEvent{Type: ClientUserText, Text: text}
}

// ── Server events ──────────────────────────────────────────────────────────────

// ServerEventType discriminates [ServerEvent].
type ServerEventType string

const (
	ServerSessionConfigured   ServerEventType = "session.configured"
	ServerAudioDelta          ServerEventType = "response.audio.delta"
	ServerAudioDone           ServerEventType = "response.audio.done"
	ServerResponseDone        ServerEventType = "response.done"
	ServerTranscriptCompleted ServerEventType = "conversation.item.input_audio_transcription.completed"
	ServerAssistantTranscript ServerEventType = "response.audio_transcript.done"
	ServerSpeechStarted       ServerEventType = "input_audio.speech_started"
	ServerSpeechStopped       ServerEventType = "input_audio.speech_stopped"
	ServerError               ServerEventType = "error"
)

// ServerEvent is a message received from the remote service. Only the fields
// relevant to Type are set.
type ServerEvent struct {
	Type ServerEventType

	// Response is the handle for audio delta/done and response.done.
	Response ResponseID

	// Audio is raw PCM16 for response.audio.delta.
	Audio []byte

	// Text is the transcript for transcription events.
	Text string

	// Error is set for error events.
	Error *ServiceError
}

// ServiceError is the payload of a server error event.
type ServiceError struct {
	Type    string
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ── Channel ────────────────────────────────────────────────────────────────────

// Channel is an open connection to the remote service.
type Channel interface {
	// Send writes one event. It returns [ErrClosed] after Close.
	Send(ctx context.Context, ev ClientEvent) error

	// Events delivers server events in receive order. The channel is closed
	// when the connection terminates for any reason.
	Events() <-chan ServerEvent

	// Done is closed when the connection has terminated.
	Done() <-chan struct{}

	// Err returns why the connection terminated: nil after a local Close,
	// an error wrapping [ErrConnectionLost] otherwise. Only meaningful after
	// Done is closed.
	Err() error

	// Close terminates the connection. Idempotent.
	Close() error
}

// Dialer opens new channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}
