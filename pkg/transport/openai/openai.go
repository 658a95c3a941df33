// Package openai implements [transport.Dialer] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and translates between the logical transport events and the Realtime JSON
// protocol: session.configure becomes session.update (acknowledged by
// session.updated), input_audio.* becomes input_audio_buffer.*, and server
// audio events carry their response_id as the cancellable handle. Audio is
// transmitted as base64-encoded PCM16 at 24 kHz.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/wakeline/pkg/transport"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and channel satisfy the transport
// interfaces.
var _ transport.Dialer = (*Dialer)(nil)
var _ transport.Channel = (*channel)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview-2024-10-01"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the only PCM16 rate the Realtime API accepts.
	SampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Realtime API connections.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Model returns the configured model name.
func (d *Dialer) Model() string { return d.model }

// Dial opens a WebSocket to the Realtime endpoint. The returned channel is
// not yet configured; send [transport.Configure] and wait for
// [transport.ServerSessionConfigured] before streaming audio.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, url.QueryEscape(d.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	// Audio deltas can be large; lift the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	chCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		conn:   conn,
		events: make(chan transport.ServerEvent, 64),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	// TurnDetection is always serialised; null disables server-side VAD.
	TurnDetection *turnDetection `json:"turn_detection"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type cancelMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio.done
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan transport.ServerEvent
	done   chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Send translates ev to its Realtime message and writes it.
func (c *channel) Send(ctx context.Context, ev transport.ClientEvent) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	msg, err := encodeClientEvent(ev)
	if err != nil {
		return err
	}
	return c.writeJSON(ctx, msg)
}

func encodeClientEvent(ev transport.ClientEvent) (any, error) {
	switch ev.Type {
	case transport.ClientSessionConfigure:
		if ev.Session == nil {
			return nil, errors.New("openai: session.configure without session config")
		}
		return sessionUpdate(*ev.Session)
	case transport.ClientAudioAppend:
		return appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(ev.Audio),
		}, nil
	case transport.ClientAudioCommit:
		return map[string]string{"type": "input_audio_buffer.commit"}, nil
	case transport.ClientResponseCancel:
		return cancelMessage{Type: "response.cancel", ResponseID: string(ev.Response)}, nil
	case transport.ClientResponseCreate:
		return map[string]string{"type": "response.create"}, nil
	case transport.ClientUserText:
		return createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: ev.Text}},
			},
		}, nil
	default:
		return nil, fmt.Errorf("openai: unsupported client event %q", ev.Type)
	}
}

func sessionUpdate(cfg transport.SessionConfig) (sessionUpdateMessage, error) {
	for _, f := range []transport.AudioFormat{cfg.InputFormat, cfg.OutputFormat} {
		if f.SampleRate != 0 && f.SampleRate != SampleRate {
			return sessionUpdateMessage{}, fmt.Errorf("openai: unsupported audio format %s, realtime requires pcm16@%d", f, SampleRate)
		}
	}
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &inputAudioTranscription{Model: cfg.TranscriptionModel}
	}
	switch cfg.TurnDetection {
	case transport.TurnDetectionNone:
	case "":
		params.TurnDetection = &turnDetection{Type: string(transport.TurnDetectionServerVAD)}
	default:
		params.TurnDetection = &turnDetection{Type: string(cfg.TurnDetection)}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}, nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events and done: it closes both when it exits.
func (c *channel) receiveLoop() {
	defer c.finish()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(fmt.Errorf("%w: %w", transport.ErrConnectionLost, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: malformed server event", "err", err)
			continue
		}

		out, ok := decodeServerEvent(&evt)
		if !ok {
			continue
		}
		select {
		case c.events <- out:
		case <-c.ctx.Done():
			return
		}
	}
}

// decodeServerEvent maps a Realtime event to its logical form. ok is false for
// events wakeline does not consume.
func decodeServerEvent(evt *serverEvent) (transport.ServerEvent, bool) {
	switch evt.Type {
	case "session.updated":
		return transport.ServerEvent{Type: transport.ServerSessionConfigured}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return transport.ServerEvent{}, false
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return transport.ServerEvent{}, false
		}
		return transport.ServerEvent{
			Type:     transport.ServerAudioDelta,
			Response: transport.ResponseID(evt.ResponseID),
			Audio:    audioData,
		}, true

	case "response.audio.done":
		return transport.ServerEvent{
			Type:     transport.ServerAudioDone,
			Response: transport.ResponseID(evt.ResponseID),
		}, true

	case "response.done":
		var id string
		if evt.Response != nil {
			id = evt.Response.ID
		}
		return transport.ServerEvent{Type: transport.ServerResponseDone, Response: transport.ResponseID(id)}, true

	case "conversation.item.input_audio_transcription.completed":
		return transport.ServerEvent{Type: transport.ServerTranscriptCompleted, Text: evt.Transcript}, true

	case "response.audio_transcript.done":
		return transport.ServerEvent{
			Type:     transport.ServerAssistantTranscript,
			Response: transport.ResponseID(evt.ResponseID),
			Text:     evt.Transcript,
		}, true

	case "input_audio_buffer.speech_started":
		return transport.ServerEvent{Type: transport.ServerSpeechStarted}, true

	case "input_audio_buffer.speech_stopped":
		return transport.ServerEvent{Type: transport.ServerSpeechStopped}, true

	case "error":
		se := &transport.ServiceError{Type: "error", Message: "unknown error"}
		if evt.Error != nil {
			se = &transport.ServiceError{Type: evt.Error.Type, Code: evt.Error.Code, Message: evt.Error.Message}
		}
		return transport.ServerEvent{Type: transport.ServerError, Error: se}, true
	}
	return transport.ServerEvent{}, false
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *channel) finish() {
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.done)
	})
}

// Events implements [transport.Channel].
func (c *channel) Events() <-chan transport.ServerEvent { return c.events }

// Done implements [transport.Channel].
func (c *channel) Done() <-chan struct{} { return c.done }

// Err implements [transport.Channel].
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
