package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/wakeline/internal/connection"
	"github.com/MrWong99/wakeline/internal/conversation"
	"github.com/MrWong99/wakeline/internal/cue"
	"github.com/MrWong99/wakeline/internal/music"
	musicmock "github.com/MrWong99/wakeline/internal/music/mock"
	"github.com/MrWong99/wakeline/internal/orchestrator"
	"github.com/MrWong99/wakeline/internal/wake"
	"github.com/MrWong99/wakeline/pkg/audio"
	audiomock "github.com/MrWong99/wakeline/pkg/audio/mock"
	"github.com/MrWong99/wakeline/pkg/transport"
	transportmock "github.com/MrWong99/wakeline/pkg/transport/mock"
	"github.com/MrWong99/wakeline/pkg/wakeword"
	wwmock "github.com/MrWong99/wakeline/pkg/wakeword/mock"
)

const rate = 24000

// recordingCues remembers which cues were played.
type recordingCues struct {
	mu    sync.Mutex
	kinds []cue.Kind
}

func (r *recordingCues) Play(_ context.Context, k cue.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, k)
	return nil
}

func (r *recordingCues) Kinds() []cue.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cue.Kind(nil), r.kinds...)
}

// fixture runs an Orchestrator over a mock microphone, a scripted wake engine
// that fires on the first frame it sees, and a real connection supervisor
// dialing mock channels.
type fixture struct {
	frames chan audio.Frame
	dev    *audiomock.Device
	sink   *audiomock.Sink
	dialer *transportmock.Dialer
	cues   *recordingCues
	orch   *orchestrator.Orchestrator
	result chan error
	seq    uint64
}

func conversationConfig() conversation.Config {
	return conversation.Config{
		TurnDetection: transport.TurnDetectionServerVAD,
		LocalBargeIn:  true,
		Gate:          audio.GateConfig{Threshold: 0.03, Release: 40 * time.Millisecond},
		EndAfterMusic: true,
		InputRate:     rate,
		OutputRate:    rate,
	}
}

func newFixture(t *testing.T, cfg conversation.Config, sink *audiomock.Sink, opts ...orchestrator.Option) *fixture {
	t.Helper()
	if sink == nil {
		sink = &audiomock.Sink{}
	}
	f := &fixture{
		frames: make(chan audio.Frame, 64),
		sink:   sink,
		dialer: &transportmock.Dialer{},
		cues:   &recordingCues{},
		result: make(chan error, 1),
	}
	f.dev = &audiomock.Device{Frames: f.frames, Sink: sink}
	mic := audio.NewExclusive(f.dev)
	eng := &wwmock.Engine{
		KeywordsResult: []wakeword.Keyword{{Phrase: "computer", Sensitivity: 0.5}},
		DetectAfter:    1,
	}
	sup := connection.New(f.dialer, connection.Policy{
		MaxRetries:       1,
		Backoff:          time.Millisecond,
		HandshakeTimeout: time.Second,
		Cooldown:         10 * time.Millisecond,
	})
	opts = append([]orchestrator.Option{orchestrator.WithCues(f.cues)}, opts...)
	f.orch = orchestrator.New(mic, wake.New(mic, eng), sup, orchestrator.Config{
		Conversation:  cfg,
		DeviceBackoff: time.Millisecond,
	}, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { f.result <- f.orch.RunForever(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.result:
			if err != nil {
				t.Errorf("RunForever = %v; want nil after cancel", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("RunForever did not return after cancel")
		}
	})
	return f
}

// frame queues one 20ms capture frame at the given sample value.
func (f *fixture) frame(level int16) {
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = level
	}
	f.frames <- audio.Frame{Data: audio.FromInt16s(samples), SampleRate: rate, Seq: f.seq}
	f.seq++
}

// wake says the wake phrase and waits until conversation n is live. It
// returns the conversation's channel.
func (f *fixture) wake(t *testing.T, n int) *transportmock.Channel {
	t.Helper()
	f.frame(0)
	eventually(t, fmt.Sprintf("conversation %d", n), func() bool {
		return len(f.dialer.Channels()) == n &&
			f.orch.Current() != nil &&
			f.orch.Phase() == orchestrator.PhaseConversing
	})
	return f.dialer.Channels()[n-1]
}

// finished waits until the orchestrator is listening again after a
// conversation that ended with outcome.
func (f *fixture) finished(t *testing.T, outcome string) {
	t.Helper()
	eventually(t, "back to listening after "+outcome, func() bool {
		return f.orch.LastOutcome() == outcome &&
			f.orch.Phase() == orchestrator.PhaseListening &&
			f.dev.OpenCaptures() == 1
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunForever_WakeToMusicCommand(t *testing.T) {
	t.Parallel()
	player := &musicmock.Player{}
	f := newFixture(t, conversationConfig(), nil, orchestrator.WithMusic(music.NewController(player)))

	ch := f.wake(t, 1)
	ch.Inject(transport.ServerEvent{Type: transport.ServerSpeechStarted})
	ch.Inject(transport.ServerEvent{Type: transport.ServerTranscriptCompleted, Text: "play some jazz"})

	f.finished(t, "music_started")
	if got := player.Calls(); !slices.Equal(got, []string{"play:some jazz"}) {
		t.Errorf("player calls = %q; want exactly [play:some jazz]", got)
	}
	if got := f.cues.Kinds(); !slices.Equal(got, []cue.Kind{cue.Wake}) {
		t.Errorf("cues = %v; want only the wake cue while music plays", got)
	}
	if f.sink.Closes() != 1 {
		t.Errorf("sink closes = %d; want 1", f.sink.Closes())
	}
}

func TestRunForever_BargeInDuringPlayback(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := &audiomock.Sink{OnWrite: func([]byte) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}}
	releaseOnce := sync.OnceFunc(func() { close(release) })
	f := newFixture(t, conversationConfig(), sink)
	t.Cleanup(releaseOnce)

	ch := f.wake(t, 1)
	// 100ms of response audio is played in three pieces.
	ch.Inject(transport.ServerEvent{Type: transport.ServerAudioDelta, Response: "r1", Audio: bytes.Repeat([]byte{1}, 4800)})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}

	f.frame(8000)
	eventually(t, "response.cancel", func() bool {
		return len(ch.SentOfType(transport.ClientResponseCancel)) == 1
	})
	if got := ch.SentOfType(transport.ClientResponseCancel)[0].Response; got != "r1" {
		t.Errorf("cancelled %q; want r1", got)
	}
	if sink.Interrupts() == 0 {
		t.Error("sink not interrupted on barge-in")
	}
	releaseOnce()

	sess := f.orch.Current()
	eventually(t, "user speaking", func() bool {
		return sess.Snapshot().State == conversation.UserSpeaking
	})
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.Writes()); n != 1 {
		t.Errorf("sink writes = %d; want only the piece already in flight", n)
	}
}

func TestRunForever_SilenceTimeoutReleasesDevices(t *testing.T) {
	t.Parallel()
	cfg := conversationConfig()
	cfg.SilenceTimeout = 100 * time.Millisecond
	f := newFixture(t, cfg, nil)

	ch := f.wake(t, 1)
	f.finished(t, "silence_timeout")

	if f.orch.Current() != nil {
		t.Error("session still referenced after teardown")
	}
	if f.sink.Interrupts() != 1 || f.sink.Closes() != 1 {
		t.Errorf("sink interrupts/closes = %d/%d; want 1/1", f.sink.Interrupts(), f.sink.Closes())
	}
	if ch.Closes() != 1 {
		t.Errorf("channel closes = %d; want 1", ch.Closes())
	}
	// wake, conversation, wake again
	if f.dev.CaptureOpens() != 3 {
		t.Errorf("capture opens = %d; want 3", f.dev.CaptureOpens())
	}
	if got := f.cues.Kinds(); !slices.Equal(got, []cue.Kind{cue.Wake, cue.Goodbye}) {
		t.Errorf("cues = %v; want wake then goodbye", got)
	}
}

func TestRunForever_ConnectionLostMidTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, conversationConfig(), nil)

	ch := f.wake(t, 1)
	sess := f.orch.Current()
	ch.Inject(transport.ServerEvent{Type: transport.ServerSpeechStarted})
	eventually(t, "user speaking", func() bool {
		return sess.Snapshot().State == conversation.UserSpeaking
	})
	ch.Fail(errors.New("connection reset by peer"))

	f.finished(t, "connection_lost")
	if f.sink.Interrupts() != 1 || f.sink.Closes() != 1 {
		t.Errorf("sink interrupts/closes = %d/%d; want 1/1", f.sink.Interrupts(), f.sink.Closes())
	}
	if ch.Closes() != 1 {
		t.Errorf("channel closes = %d; want 1", ch.Closes())
	}
	select {
	case err := <-f.result:
		t.Fatalf("RunForever returned %v after a lost connection", err)
	default:
	}

	// The next wake phrase starts a fresh conversation.
	f.wake(t, 2)
	if f.dev.MaxConcurrentCaptures() != 1 {
		t.Errorf("max concurrent captures = %d; want 1", f.dev.MaxConcurrentCaptures())
	}
}

func TestRunForever_EndPhrasePausesAndResumesMusic(t *testing.T) {
	t.Parallel()
	player := &musicmock.Player{}
	player.SetStatus(music.Status{Loaded: true, Track: music.Track{Title: "So What"}})
	f := newFixture(t, conversationConfig(), nil, orchestrator.WithMusic(music.NewController(player)))

	ch := f.wake(t, 1)
	if !player.Status().Paused {
		t.Error("music not paused during conversation")
	}
	ch.Inject(transport.ServerEvent{Type: transport.ServerTranscriptCompleted, Text: "ok goodbye"})

	f.finished(t, "end_requested")
	eventually(t, "music resumed", func() bool { return player.Status().Playing() })
	if got := player.Calls(); !slices.Equal(got, []string{"pause", "resume"}) {
		t.Errorf("player calls = %q; want [pause resume]", got)
	}
	if got := f.cues.Kinds(); !slices.Equal(got, []cue.Kind{cue.Wake, cue.Goodbye}) {
		t.Errorf("cues = %v; want wake then goodbye", got)
	}
}

func TestRunForever_ServiceUnavailable(t *testing.T) {
	t.Parallel()
	player := &musicmock.Player{}
	player.SetStatus(music.Status{Loaded: true, Track: music.Track{Title: "So What"}})
	f := newFixture(t, conversationConfig(), nil, orchestrator.WithMusic(music.NewController(player)))
	f.dialer.Results = []transportmock.DialResult{{Err: errors.New("dial tcp: connection refused")}}

	f.frame(0)
	f.finished(t, "unavailable")
	if f.sink.Closes() != 0 {
		t.Error("playback opened without a connection")
	}
	if got := f.cues.Kinds(); !slices.Equal(got, []cue.Kind{cue.Wake, cue.Failure}) {
		t.Errorf("cues = %v; want wake then failure", got)
	}
	eventually(t, "music resumed", func() bool { return player.Status().Playing() })

	// After the cooldown the service is reachable again.
	time.Sleep(20 * time.Millisecond)
	f.wake(t, 1)
}

// scriptedWake returns the scripted results in order, then blocks until
// cancelled.
type scriptedWake struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (w *scriptedWake) WaitForWake(ctx context.Context) (wake.Event, error) {
	w.mu.Lock()
	w.calls++
	if len(w.results) > 0 {
		err := w.results[0]
		w.results = w.results[1:]
		w.mu.Unlock()
		return wake.Event{Keyword: "computer", Timestamp: time.Now()}, err
	}
	w.mu.Unlock()
	<-ctx.Done()
	return wake.Event{}, ctx.Err()
}

func (w *scriptedWake) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// refusingConnector never connects.
type refusingConnector struct{}

func (refusingConnector) RunWithReconnect(context.Context, transport.SessionConfig, func(context.Context, transport.Channel) error) error {
	return connection.ErrUnavailable
}

func TestRunForever_DeviceRecovers(t *testing.T) {
	t.Parallel()
	devErr := fmt.Errorf("open capture: %w", audio.ErrDevice)
	w := &scriptedWake{results: []error{devErr, devErr, nil}}
	o := orchestrator.New(&audiomock.Device{}, w, refusingConnector{}, orchestrator.Config{
		DeviceRetries: 2,
		DeviceBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- o.RunForever(ctx) }()

	eventually(t, "fourth wake wait", func() bool { return w.Calls() == 4 })
	if err := o.DeviceErr(); err != nil {
		t.Errorf("DeviceErr = %v after a successful wake", err)
	}
	if got := o.LastOutcome(); got != "unavailable" {
		t.Errorf("LastOutcome = %q; want unavailable", got)
	}
	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("RunForever = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return")
	}
	if o.Phase() != orchestrator.PhaseStopped {
		t.Errorf("phase = %v; want stopped", o.Phase())
	}
}

func TestRunForever_DeviceGivesUp(t *testing.T) {
	t.Parallel()
	dev := &audiomock.Device{OpenCaptureErr: errors.New("no such device")}
	eng := &wwmock.Engine{DetectAfter: 1}
	o := orchestrator.New(dev, wake.New(dev, eng), refusingConnector{}, orchestrator.Config{
		DeviceRetries: 2,
		DeviceBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := o.RunForever(ctx)
	if !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("RunForever = %v; want ErrDevice", err)
	}
	if dev.CaptureOpens() != 3 {
		t.Errorf("capture opens = %d; want 3", dev.CaptureOpens())
	}
	if o.DeviceErr() == nil {
		t.Error("DeviceErr = nil after giving up")
	}
}

func TestRunForever_PlaybackOpenFailureIsDeviceError(t *testing.T) {
	t.Parallel()
	frames := make(chan audio.Frame, 4)
	frames <- audio.Frame{Data: make([]byte, 960), SampleRate: rate}
	dev := &audiomock.Device{Frames: frames, OpenPlaybackErr: errors.New("speaker unplugged")}
	eng := &wwmock.Engine{DetectAfter: 1}
	sup := connection.New(&transportmock.Dialer{}, connection.Policy{MaxRetries: 1, HandshakeTimeout: time.Second})
	o := orchestrator.New(dev, wake.New(dev, eng), sup, orchestrator.Config{
		Conversation:  conversationConfig(),
		DeviceRetries: 1,
		DeviceBackoff: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- o.RunForever(ctx) }()
	eventually(t, "device_error outcome", func() bool { return o.LastOutcome() == "device_error" })
	if dev.OpenCaptures() > 1 {
		t.Errorf("conversation capture leaked: %d open", dev.OpenCaptures())
	}
	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("RunForever = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return")
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p    orchestrator.Phase
		want string
	}{
		{orchestrator.PhaseStopped, "stopped"},
		{orchestrator.PhaseListening, "listening"},
		{orchestrator.PhaseConnecting, "connecting"},
		{orchestrator.PhaseConversing, "conversing"},
		{orchestrator.PhaseRecovering, "recovering"},
		{orchestrator.Phase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q; want %q", tt.p, got, tt.want)
		}
	}
}
