package music_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/wakeline/internal/music"
	"github.com/MrWong99/wakeline/internal/music/mock"
)

func TestController_Execute(t *testing.T) {
	t.Parallel()

	playing := music.Status{Loaded: true, Track: music.Track{Title: "Blue in Green"}}
	paused := music.Status{Loaded: true, Paused: true, Track: music.Track{Title: "Blue in Green"}}

	tests := []struct {
		name        string
		status      music.Status
		player      *mock.Player
		cmd         music.Command
		wantSuccess bool
		wantAction  string
		wantSay     string
	}{
		{name: "play found", cmd: music.Command{Verb: music.VerbPlay, Query: "some jazz"}, wantSuccess: true, wantAction: "play", wantSay: "Now playing some jazz."},
		{name: "play not found", player: &mock.Player{Tracks: map[string]music.Track{}}, cmd: music.Command{Verb: music.VerbPlay, Query: "x"}, wantAction: "play_failed", wantSay: "couldn't find"},
		{name: "play error", player: &mock.Player{PlayErr: errors.New("decoder")}, cmd: music.Command{Verb: music.VerbPlay, Query: "x"}, wantAction: "play_error", wantSay: "trouble playing"},
		{name: "play empty query", cmd: music.Command{Verb: music.VerbPlay}, wantAction: "play_failed"},
		{name: "pause nothing", cmd: music.Command{Verb: music.VerbPause}, wantAction: "pause_no_music"},
		{name: "pause already", status: paused, cmd: music.Command{Verb: music.VerbPause}, wantAction: "pause_already_paused"},
		{name: "pause", status: playing, cmd: music.Command{Verb: music.VerbPause}, wantSuccess: true, wantAction: "pause", wantSay: "Paused Blue in Green."},
		{name: "resume nothing", cmd: music.Command{Verb: music.VerbResume}, wantAction: "resume_no_music"},
		{name: "resume not paused", status: playing, cmd: music.Command{Verb: music.VerbResume}, wantAction: "resume_not_paused"},
		{name: "resume", status: paused, cmd: music.Command{Verb: music.VerbResume}, wantSuccess: true, wantAction: "resume"},
		{name: "stop nothing", cmd: music.Command{Verb: music.VerbStop}, wantAction: "stop_no_music"},
		{name: "stop", status: playing, cmd: music.Command{Verb: music.VerbStop}, wantSuccess: true, wantAction: "stop", wantSay: "Stopped Blue in Green."},
		{name: "skip nothing", cmd: music.Command{Verb: music.VerbSkip}, wantAction: "next_no_music"},
		{name: "skip to end", status: playing, cmd: music.Command{Verb: music.VerbSkip}, wantSuccess: true, wantAction: "next", wantSay: "Ask me to play another song."},
		{name: "skip to next", status: playing, player: &mock.Player{Next: []music.Track{{Title: "So What"}}}, cmd: music.Command{Verb: music.VerbSkip}, wantSuccess: true, wantAction: "next", wantSay: "Now playing So What."},
		{name: "status idle", cmd: music.Command{Verb: music.VerbStatus}, wantSuccess: true, wantAction: "status", wantSay: "No music"},
		{name: "status playing", status: playing, cmd: music.Command{Verb: music.VerbStatus}, wantSuccess: true, wantAction: "status", wantSay: "Currently playing: Blue in Green"},
		{name: "unknown verb", cmd: music.Command{Verb: "shuffle"}, wantAction: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := tt.player
			if p == nil {
				p = &mock.Player{}
			}
			p.SetStatus(tt.status)
			res := music.NewController(p).Execute(context.Background(), tt.cmd)

			if res.Success != tt.wantSuccess {
				t.Errorf("Success = %v; want %v", res.Success, tt.wantSuccess)
			}
			if res.Action != tt.wantAction {
				t.Errorf("Action = %q; want %q", res.Action, tt.wantAction)
			}
			if !strings.Contains(res.Response, tt.wantSay) {
				t.Errorf("Response = %q; want it to contain %q", res.Response, tt.wantSay)
			}
			if res.Command != tt.cmd {
				t.Errorf("Command = %v; want %v", res.Command, tt.cmd)
			}
		})
	}
}

func TestController_PauseResumeForConversation(t *testing.T) {
	t.Parallel()

	t.Run("resumes what it paused", func(t *testing.T) {
		t.Parallel()
		p := &mock.Player{}
		p.SetStatus(music.Status{Loaded: true})
		c := music.NewController(p)

		if !c.PauseForConversation() {
			t.Fatal("PauseForConversation() = false with music playing")
		}
		if c.IsPlaying() {
			t.Error("music still audible after pause")
		}
		if !c.ResumeAfterConversation() {
			t.Error("ResumeAfterConversation() = false")
		}
		if !c.IsPlaying() {
			t.Error("music not audible after resume")
		}
		if c.ResumeAfterConversation() {
			t.Error("second ResumeAfterConversation() = true; want false")
		}
	})

	t.Run("nothing playing", func(t *testing.T) {
		t.Parallel()
		c := music.NewController(&mock.Player{})
		if c.PauseForConversation() {
			t.Error("PauseForConversation() = true with nothing playing")
		}
		if c.ResumeAfterConversation() {
			t.Error("ResumeAfterConversation() = true with nothing paused")
		}
	})

	t.Run("does not resume stopped music", func(t *testing.T) {
		t.Parallel()
		p := &mock.Player{}
		p.SetStatus(music.Status{Loaded: true})
		c := music.NewController(p)

		c.PauseForConversation()
		c.Execute(context.Background(), music.Command{Verb: music.VerbStop})
		if c.ResumeAfterConversation() {
			t.Error("resumed music the user stopped")
		}
	})

	t.Run("new playback is not touched", func(t *testing.T) {
		t.Parallel()
		p := &mock.Player{}
		p.SetStatus(music.Status{Loaded: true, Track: music.Track{Title: "old"}})
		c := music.NewController(p)

		c.PauseForConversation()
		res := c.Execute(context.Background(), music.Command{Verb: music.VerbPlay, Query: "new"})
		if !res.StartedPlayback() {
			t.Fatal("play did not report StartedPlayback")
		}
		if c.ResumeAfterConversation() {
			t.Error("ResumeAfterConversation() = true after a new play")
		}
		if got := p.Calls(); slices.Contains(got, "resume") {
			t.Errorf("calls = %v; want no resume", got)
		}
	})
}

func TestDispatcher_RunsInOrder(t *testing.T) {
	t.Parallel()
	p := &mock.Player{}
	d := music.NewDispatcher(music.NewController(p), 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []music.Result
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx, func(r music.Result) {
			mu.Lock()
			got = append(got, r)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				close(done)
			}
		})
	}()

	if err := d.Submit(music.Command{Verb: music.VerbPlay, Query: "jazz"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(music.Command{Verb: music.VerbPause}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("results not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0].Action != "play" || got[1].Action != "pause" {
		t.Errorf("actions = %q, %q; want play, pause", got[0].Action, got[1].Action)
	}
}

func TestDispatcher_SubmitNeverBlocks(t *testing.T) {
	t.Parallel()
	d := music.NewDispatcher(music.NewController(&mock.Player{}), 2, nil)

	for range 2 {
		if err := d.Submit(music.Command{Verb: music.VerbStatus}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := d.Submit(music.Command{Verb: music.VerbStatus}); !errors.Is(err, music.ErrQueueFull) {
		t.Errorf("err = %v; want ErrQueueFull", err)
	}
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	d := music.NewDispatcher(music.NewController(&mock.Player{}), 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx, nil); err != nil {
		t.Errorf("Run = %v; want nil", err)
	}
}
