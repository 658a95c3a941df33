// Package music turns spoken music commands into player actions.
//
// A [Player] is the playback backend (see music/local). The [Controller]
// wraps it with the conversational rules: what to say when there is nothing
// to pause, and pausing music for the length of a conversation without
// resuming music the user stopped or replaced in the meantime. A
// [Dispatcher] runs commands off the realtime receive path.
package music

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by [Player.Play] when nothing matches the query.
var ErrNotFound = errors.New("music: no matching track")

// Verb is a music action.
type Verb string

const (
	VerbPlay   Verb = "play"
	VerbPause  Verb = "pause"
	VerbResume Verb = "resume"
	VerbStop   Verb = "stop"
	VerbSkip   Verb = "skip"
	VerbStatus Verb = "status"
)

// Command is a classified music request.
type Command struct {
	Verb Verb

	// Query is the search text for VerbPlay, e.g. "some jazz".
	Query string
}

func (c Command) String() string {
	if c.Query == "" {
		return string(c.Verb)
	}
	return fmt.Sprintf("%s %q", c.Verb, c.Query)
}

// Track describes a playable item.
type Track struct {
	Title  string
	Artist string
}

func (t Track) String() string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Title + " by " + t.Artist
}

// Status is a snapshot of the player.
type Status struct {
	// Loaded is true while a track is loaded, playing or paused.
	Loaded bool
	Paused bool
	Track  Track
}

// Playing reports whether audio is audible right now.
func (s Status) Playing() bool { return s.Loaded && !s.Paused }

// Player is a music playback backend. Implementations must be safe for
// concurrent use.
type Player interface {
	// Play searches for query and starts the best match, replacing any
	// current track.
	Play(ctx context.Context, query string) (Track, error)
	Pause() error
	Resume() error
	Stop() error

	// Skip advances to the next candidate of the last search. It returns
	// ok=false when there is none and playback has stopped.
	Skip() (next Track, ok bool, err error)

	Status() Status
	Close() error
}

// Result is the outcome of [Controller.Execute].
type Result struct {
	Command Command
	Success bool

	// Action is a stable machine-readable outcome such as "play",
	// "pause_no_music" or "play_failed".
	Action string

	// Response is a short sentence suitable for the assistant to say.
	Response string
}

// StartedPlayback reports whether r started new playback.
func (r Result) StartedPlayback() bool { return r.Success && r.Command.Verb == VerbPlay }

// Controller applies commands to a [Player].
type Controller struct {
	player Player

	mu                    sync.Mutex
	pausedForConversation bool
}

// NewController returns a Controller driving p.
func NewController(p Player) *Controller {
	return &Controller{player: p}
}

// Status returns the player status.
func (c *Controller) Status() Status { return c.player.Status() }

// IsPlaying reports whether music is audible.
func (c *Controller) IsPlaying() bool { return c.player.Status().Playing() }

// Execute runs cmd. It never returns an error: failures are described in the
// result.
func (c *Controller) Execute(ctx context.Context, cmd Command) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.execute(ctx, cmd)
	res.Command = cmd
	slog.Info("music command executed",
		"command", cmd.String(),
		"action", res.Action,
		"success", res.Success,
	)
	return res
}

func (c *Controller) execute(ctx context.Context, cmd Command) Result {
	st := c.player.Status()
	title := st.Track.Title
	if title == "" {
		title = "the music"
	}

	switch cmd.Verb {
	case VerbPlay:
		if cmd.Query == "" {
			return Result{Action: "play_failed", Response: "What would you like me to play?"}
		}
		tr, err := c.player.Play(ctx, cmd.Query)
		switch {
		case errors.Is(err, ErrNotFound):
			return Result{Action: "play_failed", Response: fmt.Sprintf("Sorry, I couldn't find %q. Please try a different song.", cmd.Query)}
		case err != nil:
			slog.Warn("music play failed", "query", cmd.Query, "err", err)
			return Result{Action: "play_error", Response: fmt.Sprintf("Sorry, I had trouble playing %q. Please try again.", cmd.Query)}
		}
		c.pausedForConversation = false
		return Result{Success: true, Action: "play", Response: fmt.Sprintf("Now playing %s.", tr)}

	case VerbPause:
		if !st.Loaded {
			return Result{Action: "pause_no_music", Response: "There's no music currently playing to pause."}
		}
		if st.Paused {
			return Result{Action: "pause_already_paused", Response: "The music is already paused."}
		}
		if err := c.player.Pause(); err != nil {
			slog.Warn("music pause failed", "err", err)
			return Result{Action: "pause_error", Response: "Sorry, I couldn't pause the music."}
		}
		return Result{Success: true, Action: "pause", Response: fmt.Sprintf("Paused %s.", title)}

	case VerbResume:
		if !st.Loaded {
			return Result{Action: "resume_no_music", Response: "There's no music to resume. Try asking me to play a song."}
		}
		if !st.Paused {
			return Result{Action: "resume_not_paused", Response: "The music is already playing."}
		}
		if err := c.player.Resume(); err != nil {
			slog.Warn("music resume failed", "err", err)
			return Result{Action: "resume_error", Response: "Sorry, I couldn't resume the music."}
		}
		c.pausedForConversation = false
		return Result{Success: true, Action: "resume", Response: fmt.Sprintf("Resumed %s.", title)}

	case VerbStop:
		if !st.Loaded {
			return Result{Action: "stop_no_music", Response: "There's no music currently playing to stop."}
		}
		if err := c.player.Stop(); err != nil {
			slog.Warn("music stop failed", "err", err)
			return Result{Action: "stop_error", Response: "Sorry, I couldn't stop the music."}
		}
		c.pausedForConversation = false
		return Result{Success: true, Action: "stop", Response: fmt.Sprintf("Stopped %s.", title)}

	case VerbSkip:
		if !st.Loaded {
			return Result{Action: "next_no_music", Response: "No music is currently playing to skip."}
		}
		next, ok, err := c.player.Skip()
		if err != nil {
			slog.Warn("music skip failed", "err", err)
			return Result{Action: "next_error", Response: "Sorry, I had trouble skipping the song."}
		}
		if !ok {
			c.pausedForConversation = false
			return Result{Success: true, Action: "next", Response: "Skipped. Ask me to play another song."}
		}
		return Result{Success: true, Action: "next", Response: fmt.Sprintf("Skipped. Now playing %s.", next)}

	case VerbStatus:
		switch {
		case !st.Loaded:
			return Result{Success: true, Action: "status", Response: "No music is currently playing."}
		case st.Paused:
			return Result{Success: true, Action: "status", Response: fmt.Sprintf("Currently paused: %s", st.Track)}
		default:
			return Result{Success: true, Action: "status", Response: fmt.Sprintf("Currently playing: %s", st.Track)}
		}
	}
	return Result{Action: "unknown", Response: fmt.Sprintf("Unknown music command: %s", cmd.Verb)}
}

// PauseForConversation pauses audible music and remembers that it did. It
// reports whether anything was paused.
func (c *Controller) PauseForConversation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.player.Status().Playing() {
		return false
	}
	if err := c.player.Pause(); err != nil {
		slog.Warn("could not pause music for conversation", "err", err)
		return false
	}
	c.pausedForConversation = true
	return true
}

// ResumeAfterConversation resumes music paused by [PauseForConversation].
// Music the user paused, stopped or replaced during the conversation is left
// alone. It reports whether anything was resumed.
func (c *Controller) ResumeAfterConversation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.pausedForConversation {
		return false
	}
	c.pausedForConversation = false

	st := c.player.Status()
	if !st.Loaded || !st.Paused {
		return false
	}
	if err := c.player.Resume(); err != nil {
		slog.Warn("could not resume music after conversation", "err", err)
		return false
	}
	return true
}

// Close releases the player.
func (c *Controller) Close() error { return c.player.Close() }
