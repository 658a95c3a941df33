// Package local plays music from a directory of MP3 and WAV files.
//
// Files are indexed once by [Scan] and searched with fuzzy word matching, so
// "play some jazz" finds files under a jazz/ folder and "play so what" finds
// "Miles Davis - So What.mp3". Playback goes through beep's speaker; the
// remaining matches of a search form the playlist that Skip walks.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/MrWong99/wakeline/internal/music"
)

var _ music.Player = (*Player)(nil)

// DefaultSampleRate is the speaker rate; tracks at other rates are resampled.
const DefaultSampleRate beep.SampleRate = 44100

// output abstracts the global beep speaker.
type output interface {
	Play(s ...beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

type speakerOutput struct{}

func (speakerOutput) Play(s ...beep.Streamer) { speaker.Play(s...) }
func (speakerOutput) Clear()                  { speaker.Clear() }
func (speakerOutput) Lock()                   { speaker.Lock() }
func (speakerOutput) Unlock()                 { speaker.Unlock() }

// Player is a [music.Player] over a [Library].
type Player struct {
	lib  *Library
	out  output
	rate beep.SampleRate

	mu       sync.Mutex
	playlist []Entry
	pos      int
	ctrl     *beep.Ctrl
	stream   beep.StreamSeekCloser
	track    music.Track
	gen      int
}

// New initialises the speaker and returns a Player for lib.
func New(lib *Library) (*Player, error) {
	if err := speaker.Init(DefaultSampleRate, DefaultSampleRate.N(100*time.Millisecond)); err != nil {
		return nil, fmt.Errorf("music: init speaker: %w", err)
	}
	slog.Info("music library ready", "tracks", lib.Len())
	return newPlayer(lib, speakerOutput{}, DefaultSampleRate), nil
}

func newPlayer(lib *Library, out output, rate beep.SampleRate) *Player {
	return &Player{lib: lib, out: out, rate: rate}
}

// Play implements [music.Player].
func (p *Player) Play(ctx context.Context, query string) (music.Track, error) {
	hits := p.lib.Search(query)
	if len(hits) == 0 {
		return music.Track{}, music.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return music.Track{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.playlist = hits
	for p.pos = 0; p.pos < len(p.playlist); p.pos++ {
		err := p.startLocked(p.playlist[p.pos])
		if err == nil {
			return p.track, nil
		}
		slog.Warn("skipping unplayable track", "path", p.playlist[p.pos].Path, "err", err)
	}
	p.playlist = nil
	return music.Track{}, fmt.Errorf("music: no playable match for %q", query)
}

func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".wav":
		s, format, err = wav.Decode(f)
	default:
		err = fmt.Errorf("unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		_ = f.Close()
		return nil, beep.Format{}, err
	}
	return s, format, nil
}

func (p *Player) startLocked(e Entry) error {
	stream, format, err := decode(e.Path)
	if err != nil {
		return err
	}
	p.stopLocked()

	var s beep.Streamer = stream
	if format.SampleRate != p.rate {
		s = beep.Resample(4, format.SampleRate, p.rate, stream)
	}
	p.gen++
	gen := p.gen
	// The callback runs on the speaker goroutine with the speaker locked.
	p.ctrl = &beep.Ctrl{Streamer: beep.Seq(s, beep.Callback(func() { go p.trackEnded(gen) }))}
	p.stream = stream
	p.track = e.Track
	p.out.Play(p.ctrl)
	slog.Info("music playing", "track", e.Track.String(), "path", e.Path)
	return nil
}

func (p *Player) stopLocked() {
	if p.ctrl == nil {
		return
	}
	p.out.Clear()
	if err := p.stream.Close(); err != nil {
		slog.Debug("closing music stream", "err", err)
	}
	p.ctrl, p.stream, p.track = nil, nil, music.Track{}
	p.gen++
}

// trackEnded advances the playlist when the track of generation gen finishes
// on its own.
func (p *Player) trackEnded(gen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	if _, ok := p.advanceLocked(); !ok {
		slog.Info("music playlist finished")
	}
}

func (p *Player) advanceLocked() (music.Track, bool) {
	p.stopLocked()
	for p.pos++; p.pos < len(p.playlist); p.pos++ {
		if err := p.startLocked(p.playlist[p.pos]); err == nil {
			return p.track, true
		}
	}
	p.playlist = nil
	return music.Track{}, false
}

// Pause implements [music.Player].
func (p *Player) Pause() error { return p.setPaused(true) }

// Resume implements [music.Player].
func (p *Player) Resume() error { return p.setPaused(false) }

func (p *Player) setPaused(paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return fmt.Errorf("music: nothing loaded")
	}
	p.out.Lock()
	p.ctrl.Paused = paused
	p.out.Unlock()
	return nil
}

// Stop implements [music.Player].
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.playlist = nil
	return nil
}

// Skip implements [music.Player].
func (p *Player) Skip() (music.Track, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.advanceLocked()
	return tr, ok, nil
}

// Status implements [music.Player].
func (p *Player) Status() music.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		return music.Status{}
	}
	p.out.Lock()
	paused := p.ctrl.Paused
	p.out.Unlock()
	return music.Status{Loaded: true, Paused: paused, Track: p.track}
}

// Close implements [music.Player].
func (p *Player) Close() error { return p.Stop() }
