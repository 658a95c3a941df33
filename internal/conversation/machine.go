package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/wakeline/internal/music"
	"github.com/MrWong99/wakeline/internal/observe"
	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/transport"
)

const (
	// playQueueSize bounds audio deltas waiting for the sink.
	playQueueSize = 256

	// retiredHandles is how many finished responses are remembered.
	retiredHandles = 64

	// playChunk is the largest slice of a delta written to the sink at once.
	// The snapshot is checked before every slice, so it also bounds how much
	// audio can follow a barge-in.
	playChunk = 40 * time.Millisecond
)

// playItem is one entry of the playback queue: audio of a response, or the
// marker that its audio has ended.
type playItem struct {
	handle transport.ResponseID
	pcm    []byte
	done   bool
}

// MusicSubmitter accepts music commands without blocking.
type MusicSubmitter interface {
	Submit(cmd music.Command) error
}

// machineConfig carries the settings the machine acts on.
type machineConfig struct {
	turnDetection transport.TurnDetection
	localBargeIn  bool
	outputRate    int
	greeting      string
}

// Machine drives the turn-taking state of one conversation. Its receive loop
// is the only writer of the state; the playback loop and the capture loop
// talk to it over channels and read the published [Snapshot].
type Machine struct {
	cfg      machineConfig
	ch       transport.Channel
	sink     audio.Sink
	router   *Router
	timeouts *Timeouts
	metrics  *observe.Metrics
	music    MusicSubmitter

	snap    atomic.Pointer[Snapshot]
	queue   chan playItem
	local   chan audio.Edge
	played  chan transport.ResponseID
	retired *retiredSet

	// doneQueued is set once the end marker of the live handle is queued.
	doneQueued bool
}

func newMachine(cfg machineConfig, ch transport.Channel, sink audio.Sink, router *Router, timeouts *Timeouts, m *observe.Metrics) *Machine {
	mc := &Machine{
		cfg:      cfg,
		ch:       ch,
		sink:     sink,
		router:   router,
		timeouts: timeouts,
		metrics:  m,
		queue:    make(chan playItem, playQueueSize),
		local:    make(chan audio.Edge, 8),
		played:   make(chan transport.ResponseID, 8),
		retired:  newRetiredSet(retiredHandles),
	}
	mc.snap.Store(&Snapshot{State: Idle})
	return mc
}

// Snapshot returns the current turn state.
func (m *Machine) Snapshot() Snapshot { return *m.snap.Load() }

func (m *Machine) publish(state TurnState, handle transport.ResponseID) {
	prev := m.snap.Load()
	m.snap.Store(&Snapshot{State: state, Handle: handle, Version: prev.Version + 1})
	if prev.State != state {
		slog.Debug("turn state", "from", prev.State, "to", state, "handle", handle)
	}
	if prev.State == Idle && state != Idle && state != Terminated {
		m.timeouts.Touch()
	}
}

// LocalEdge reports a change of local speech activity. It blocks only until
// the receive loop accepts the edge or ctx ends.
func (m *Machine) LocalEdge(ctx context.Context, e audio.Edge) {
	select {
	case m.local <- e:
	case <-ctx.Done():
	}
}

// receive is the machine's event loop. It returns nil when ctx ends and an
// error wrapping [transport.ErrConnectionLost] when the channel fails.
func (m *Machine) receive(ctx context.Context, cancel context.CancelCauseFunc) error {
	defer m.publish(Terminated, "")

	if m.cfg.greeting != "" {
		if err := m.sendControl(ctx, transport.UserText(m.cfg.greeting)); err != nil {
			return err
		}
		if err := m.sendControl(ctx, transport.CreateResponse()); err != nil {
			return err
		}
	}

	events := m.ch.Events()
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return connectionLost(m.ch.Err())
			}
			err = m.handleServer(ctx, cancel, ev)
		case e := <-m.local:
			err = m.handleLocal(ctx, e)
		case h := <-m.played:
			m.handlePlayed(h)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (m *Machine) handleServer(ctx context.Context, cancel context.CancelCauseFunc, ev transport.ServerEvent) error {
	snap := m.Snapshot()
	switch ev.Type {
	case transport.ServerAudioDelta:
		return m.handleDelta(ctx, snap, ev)

	case transport.ServerAudioDone, transport.ServerResponseDone:
		if snap.State != AssistantSpeaking || ev.Response != snap.Handle || m.doneQueued {
			slog.Debug("ignoring response end", "type", ev.Type, "handle", ev.Response, "state", snap.State)
			return nil
		}
		m.doneQueued = true
		return m.enqueue(ctx, playItem{handle: ev.Response, done: true})

	case transport.ServerSpeechStarted:
		switch snap.State {
		case Idle:
			m.publish(UserSpeaking, "")
		case AssistantSpeaking:
			return m.bargeIn(ctx, "server")
		}

	case transport.ServerSpeechStopped:
		if snap.State == UserSpeaking {
			m.publish(Idle, "")
		}

	case transport.ServerTranscriptCompleted:
		m.timeouts.Touch()
		m.route(ctx, cancel, Transcript{Text: ev.Text, Final: true, Role: RoleUser})

	case transport.ServerAssistantTranscript:
		m.timeouts.Touch()
		slog.Info("assistant said", "text", ev.Text)

	case transport.ServerError:
		if ev.Error != nil {
			slog.Warn("realtime service error", "err", ev.Error)
		} else {
			slog.Warn("realtime service error")
		}

	default:
		slog.Debug("ignoring server event", "type", ev.Type, "state", snap.State)
	}
	return nil
}

func (m *Machine) handleDelta(ctx context.Context, snap Snapshot, ev transport.ServerEvent) error {
	h := ev.Response
	switch {
	case h == "" || m.retired.has(h):
		m.metrics.StaleChunksDropped.Add(ctx, 1)
		return nil
	case snap.State == Idle:
		m.doneQueued = false
		m.publish(AssistantSpeaking, h)
	case snap.State == AssistantSpeaking && snap.Handle == h:
	default:
		slog.Debug("ignoring audio delta", "handle", h, "state", snap.State, "live", snap.Handle)
		return nil
	}
	m.timeouts.Touch()
	return m.enqueue(ctx, playItem{handle: h, pcm: ev.Audio})
}

func (m *Machine) handleLocal(ctx context.Context, e audio.Edge) error {
	snap := m.Snapshot()
	switch e {
	case audio.EdgeSpeechStart:
		switch snap.State {
		case Idle:
			// With server-side detection the server owns turn boundaries;
			// the local gate only triggers barge-in.
			if m.cfg.turnDetection == transport.TurnDetectionNone {
				m.publish(UserSpeaking, "")
			}
		case AssistantSpeaking:
			if m.cfg.localBargeIn {
				return m.bargeIn(ctx, "local")
			}
		}
	case audio.EdgeSpeechStop:
		if snap.State != UserSpeaking {
			return nil
		}
		m.publish(Idle, "")
		if m.cfg.turnDetection == transport.TurnDetectionNone {
			if err := m.sendControl(ctx, transport.Commit()); err != nil {
				return err
			}
			return m.sendControl(ctx, transport.CreateResponse())
		}
	}
	return nil
}

// handlePlayed handles the end marker of h coming back from the playback
// loop. Markers of a response that is no longer live are ignored.
func (m *Machine) handlePlayed(h transport.ResponseID) {
	snap := m.Snapshot()
	if snap.State != AssistantSpeaking || snap.Handle != h {
		return
	}
	m.retired.add(h)
	m.doneQueued = false
	m.publish(Idle, "")
}

// bargeIn stops the live response: playback is silenced and the handle
// retired before the cancel goes out, so queued audio is dropped even while
// the cancel write blocks.
func (m *Machine) bargeIn(ctx context.Context, source string) error {
	h := m.Snapshot().Handle
	m.publish(AssistantSpeakingInterrupted, h)
	m.sink.Interrupt()
	m.retired.add(h)
	m.doneQueued = false
	m.metrics.RecordBargeIn(ctx, source)
	slog.Info("barge-in", "source", source, "handle", h)

	err := m.sendControl(ctx, transport.Cancel(h))
	m.publish(UserSpeaking, "")
	return err
}

func (m *Machine) route(ctx context.Context, cancel context.CancelCauseFunc, t Transcript) {
	intent := m.router.Classify(t)
	slog.Info("user said", "text", t.Text, "intent", intent.Kind)
	switch intent.Kind {
	case IntentEnd:
		slog.Info("end phrase heard", "phrase", intent.Phrase)
		cancel(ErrEndRequested)
	case IntentMusic:
		if m.music == nil {
			slog.Warn("music command ignored, no player configured", "command", intent.Music)
			return
		}
		if err := m.music.Submit(intent.Music); err != nil {
			slog.Warn("music command dropped", "command", intent.Music, "err", err)
			m.metrics.RecordMusicCommand(ctx, string(intent.Music.Verb), false)
		}
	}
}

// enqueue hands it to the playback loop. While the queue is full it keeps
// accepting end markers so the two loops cannot wait on each other.
func (m *Machine) enqueue(ctx context.Context, it playItem) error {
	for {
		select {
		case m.queue <- it:
			return nil
		case h := <-m.played:
			m.handlePlayed(h)
		case <-ctx.Done():
			return nil
		}
	}
}

// sendControl writes a control event, retrying once. A second failure means
// the connection is unusable.
func (m *Machine) sendControl(ctx context.Context, ev transport.ClientEvent) error {
	err := m.ch.Send(ctx, ev)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	slog.Warn("control send failed, retrying", "type", ev.Type, "err", err)
	if err = m.ch.Send(ctx, ev); err == nil || ctx.Err() != nil {
		return nil
	}
	return connectionLost(fmt.Errorf("send %s: %w", ev.Type, err))
}

// playback writes queued audio to the sink in order. Right before every
// write it checks that the audio still belongs to the live response; audio of
// an interrupted or finished response is dropped.
func (m *Machine) playback(ctx context.Context) error {
	chunk := max(m.cfg.outputRate*int(playChunk/time.Millisecond)/1000*2, 2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-m.queue:
			if it.done {
				select {
				case m.played <- it.handle:
				case <-ctx.Done():
					return nil
				}
				continue
			}
			for off := 0; off < len(it.pcm); off += chunk {
				if !m.Snapshot().Plays(it.handle) {
					m.metrics.StaleChunksDropped.Add(ctx, 1)
					break
				}
				end := min(off+chunk, len(it.pcm))
				if err := m.sink.Write(ctx, it.pcm[off:end]); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("conversation: playback: %w: %w", audio.ErrDevice, err)
				}
				// Silence counts from the last piece played.
				m.timeouts.Touch()
			}
		}
	}
}

func connectionLost(err error) error {
	switch {
	case err == nil:
		return transport.ErrConnectionLost
	case errors.Is(err, transport.ErrConnectionLost):
		return err
	default:
		return fmt.Errorf("%w: %w", transport.ErrConnectionLost, err)
	}
}
