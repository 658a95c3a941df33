// Package mock provides an in-memory [music.Player] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wakeline/internal/music"
)

var _ music.Player = (*Player)(nil)

// Player is a scriptable [music.Player]. Tracks maps a query to the track
// Play starts; queries missing from it return [music.ErrNotFound] unless
// Tracks is nil, in which case every query plays a track titled after it.
type Player struct {
	Tracks map[string]music.Track

	// PlayErr, PauseErr and ResumeErr are returned by the respective calls
	// when set.
	PlayErr   error
	PauseErr  error
	ResumeErr error

	// Next is returned by successive Skip calls; when exhausted Skip stops
	// playback.
	Next []music.Track

	mu     sync.Mutex
	status music.Status
	calls  []string
	closed bool
}

func (p *Player) record(call string) { p.calls = append(p.calls, call) }

// Play implements [music.Player].
func (p *Player) Play(_ context.Context, query string) (music.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("play:" + query)
	if p.PlayErr != nil {
		return music.Track{}, p.PlayErr
	}
	tr := music.Track{Title: query}
	if p.Tracks != nil {
		var ok bool
		if tr, ok = p.Tracks[query]; !ok {
			return music.Track{}, music.ErrNotFound
		}
	}
	p.status = music.Status{Loaded: true, Track: tr}
	return tr, nil
}

// Pause implements [music.Player].
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("pause")
	if p.PauseErr != nil {
		return p.PauseErr
	}
	if p.status.Loaded {
		p.status.Paused = true
	}
	return nil
}

// Resume implements [music.Player].
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("resume")
	if p.ResumeErr != nil {
		return p.ResumeErr
	}
	p.status.Paused = false
	return nil
}

// Stop implements [music.Player].
func (p *Player) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("stop")
	p.status = music.Status{}
	return nil
}

// Skip implements [music.Player].
func (p *Player) Skip() (music.Track, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("skip")
	if len(p.Next) == 0 {
		p.status = music.Status{}
		return music.Track{}, false, nil
	}
	tr := p.Next[0]
	p.Next = p.Next[1:]
	p.status = music.Status{Loaded: true, Track: tr}
	return tr, true, nil
}

// Status implements [music.Player].
func (p *Player) Status() music.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Close implements [music.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// SetStatus overrides the current status.
func (p *Player) SetStatus(s music.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Calls returns the recorded calls, e.g. "play:jazz", "pause".
func (p *Player) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Closed reports whether Close was called.
func (p *Player) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
