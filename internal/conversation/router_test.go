package conversation_test

import (
	"testing"

	"github.com/MrWong99/wakeline/internal/conversation"
	"github.com/MrWong99/wakeline/internal/music"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"Goodbye!", "goodbye"},
		{"  That’s   ALL, folks. ", "that's all folks"},
		{"“Stop” the music...", "stop the music"},
		{"see-you-later", "see you later"},
		{"'bye'", "bye"},
		{"", ""},
		{"?!", ""},
	}
	for _, tt := range tests {
		if got := conversation.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestRouter_Classify(t *testing.T) {
	t.Parallel()
	r := conversation.NewRouter(nil)

	tests := []struct {
		text      string
		wantKind  conversation.IntentKind
		wantVerb  music.Verb
		wantQuery string
	}{
		{text: "Goodbye!", wantKind: conversation.IntentEnd},
		{text: "okay bye then", wantKind: conversation.IntentEnd},
		{text: "That’s all, thank you.", wantKind: conversation.IntentEnd},
		{text: "stop", wantKind: conversation.IntentEnd},
		{text: "please stop talking", wantKind: conversation.IntentEnd},
		{text: "exit", wantKind: conversation.IntentEnd},
		{text: "Stop the music", wantKind: conversation.IntentMusic, wantVerb: music.VerbStop},
		{text: "stop music", wantKind: conversation.IntentMusic, wantVerb: music.VerbStop},
		{text: "stop playing", wantKind: conversation.IntentMusic, wantVerb: music.VerbStop},
		{text: "Play some jazz", wantKind: conversation.IntentMusic, wantVerb: music.VerbPlay, wantQuery: "some jazz"},
		{text: "can you play bohemian rhapsody please", wantKind: conversation.IntentMusic, wantVerb: music.VerbPlay, wantQuery: "bohemian rhapsody"},
		{text: "please play", wantKind: conversation.IntentMusic, wantVerb: music.VerbPlay},
		{text: "put on Miles Davis", wantKind: conversation.IntentMusic, wantVerb: music.VerbPlay, wantQuery: "miles davis"},
		{text: "play goodbye yellow brick road", wantKind: conversation.IntentMusic, wantVerb: music.VerbPlay, wantQuery: "goodbye yellow brick road"},
		{text: "pause", wantKind: conversation.IntentMusic, wantVerb: music.VerbPause},
		{text: "could you pause the music", wantKind: conversation.IntentMusic, wantVerb: music.VerbPause},
		{text: "resume", wantKind: conversation.IntentMusic, wantVerb: music.VerbResume},
		{text: "unpause", wantKind: conversation.IntentMusic, wantVerb: music.VerbResume},
		{text: "continue the music", wantKind: conversation.IntentMusic, wantVerb: music.VerbResume},
		{text: "skip", wantKind: conversation.IntentMusic, wantVerb: music.VerbSkip},
		{text: "next song", wantKind: conversation.IntentMusic, wantVerb: music.VerbSkip},
		{text: "next please", wantKind: conversation.IntentMusic, wantVerb: music.VerbSkip},
		{text: "okay next", wantKind: conversation.IntentMusic, wantVerb: music.VerbSkip},
		{text: "what's playing?", wantKind: conversation.IntentMusic, wantVerb: music.VerbStatus},
		{text: "What is the weather like?", wantKind: conversation.IntentConversation},
		{text: "I went to a display of stopwatches", wantKind: conversation.IntentConversation},
		{text: "my kids like to play outside", wantKind: conversation.IntentConversation},
		{text: "", wantKind: conversation.IntentConversation},
		{text: "...", wantKind: conversation.IntentConversation},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := r.Classify(conversation.Transcript{Text: tt.text, Final: true, Role: conversation.RoleUser})
			if got.Kind != tt.wantKind {
				t.Fatalf("Classify(%q).Kind = %v; want %v", tt.text, got.Kind, tt.wantKind)
			}
			if tt.wantKind != conversation.IntentMusic {
				return
			}
			if got.Music.Verb != tt.wantVerb || got.Music.Query != tt.wantQuery {
				t.Errorf("Classify(%q).Music = %+v; want %s %q", tt.text, got.Music, tt.wantVerb, tt.wantQuery)
			}
		})
	}
}

func TestRouter_OnlyFinalUserTranscripts(t *testing.T) {
	t.Parallel()
	r := conversation.NewRouter(nil)
	for _, tr := range []conversation.Transcript{
		{Text: "goodbye", Final: false, Role: conversation.RoleUser},
		{Text: "goodbye", Final: true, Role: conversation.RoleAssistant},
	} {
		if got := r.Classify(tr); got.Kind != conversation.IntentConversation {
			t.Errorf("Classify(%+v) = %v; want conversation", tr, got.Kind)
		}
	}
}

func TestRouter_CustomEndPhrases(t *testing.T) {
	t.Parallel()
	r := conversation.NewRouter([]string{"Over and out!"})
	final := func(s string) conversation.Transcript {
		return conversation.Transcript{Text: s, Final: true, Role: conversation.RoleUser}
	}
	if got := r.Classify(final("ok over and out")); got.Kind != conversation.IntentEnd || got.Phrase != "over and out" {
		t.Errorf("custom phrase: got %+v", got)
	}
	if got := r.Classify(final("goodbye")); got.Kind != conversation.IntentConversation {
		t.Errorf("default phrase still active with custom list: %v", got.Kind)
	}
}

func TestRouter_Deterministic(t *testing.T) {
	t.Parallel()
	r := conversation.NewRouter(nil)
	inputs := []string{"stop the music and bye", "play stop", "bye", "hello there", "skip this song please"}
	for _, in := range inputs {
		tr := conversation.Transcript{Text: in, Final: true, Role: conversation.RoleUser}
		first := r.Classify(tr)
		for range 50 {
			if got := r.Classify(tr); got != first {
				t.Fatalf("Classify(%q) not deterministic: %+v vs %+v", in, got, first)
			}
		}
	}
}
