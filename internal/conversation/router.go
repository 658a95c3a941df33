package conversation

import (
	"strings"
	"unicode"

	"github.com/MrWong99/wakeline/internal/music"
)

// DefaultEndPhrases end a conversation when said by the user.
var DefaultEndPhrases = []string{
	"goodbye",
	"bye",
	"see you later",
	"talk to you later",
	"that's all",
	"thanks bye",
	"stop",
	"end conversation",
	"quit",
	"exit",
	"that's it",
}

// Role is the speaker of a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is one transcribed utterance.
type Transcript struct {
	Text  string
	Final bool
	Role  Role
}

// IntentKind classifies an utterance.
type IntentKind int

const (
	// IntentConversation is ordinary speech left to the remote assistant.
	IntentConversation IntentKind = iota

	// IntentMusic is a command for the local music player.
	IntentMusic

	// IntentEnd asks to end the conversation.
	IntentEnd
)

// String returns the kind name used in logs.
func (k IntentKind) String() string {
	switch k {
	case IntentConversation:
		return "conversation"
	case IntentMusic:
		return "music_command"
	case IntentEnd:
		return "end_conversation"
	default:
		return "unknown"
	}
}

// Intent is the result of [Router.Classify].
type Intent struct {
	Kind IntentKind

	// Music is set for IntentMusic.
	Music music.Command

	// Phrase is the matched end phrase or music phrase.
	Phrase string
}

// politePrefixes are stripped from the start of an utterance before looking
// for a leading music verb.
var politePrefixes = [][]string{
	{"hey"}, {"ok"}, {"okay"}, {"please"},
	{"can", "you"}, {"could", "you"}, {"would", "you"}, {"will", "you"},
}

// leadingVerbs are music verbs that only count as the first word of the
// command ("pause", "skip that"). The whole utterance is then the command.
var leadingVerbs = map[string]music.Verb{
	"play":    music.VerbPlay,
	"pause":   music.VerbPause,
	"resume":  music.VerbResume,
	"unpause": music.VerbResume,
	"skip":    music.VerbSkip,
	"next":    music.VerbSkip,
}

// musicPhrases match anywhere in an utterance.
var musicPhrases = []struct {
	words []string
	verb  music.Verb
}{
	{[]string{"stop", "the", "music"}, music.VerbStop},
	{[]string{"stop", "music"}, music.VerbStop},
	{[]string{"stop", "playing"}, music.VerbStop},
	{[]string{"pause", "the", "music"}, music.VerbPause},
	{[]string{"pause", "music"}, music.VerbPause},
	{[]string{"resume", "the", "music"}, music.VerbResume},
	{[]string{"resume", "music"}, music.VerbResume},
	{[]string{"continue", "the", "music"}, music.VerbResume},
	{[]string{"continue", "music"}, music.VerbResume},
	{[]string{"continue", "playing"}, music.VerbResume},
	{[]string{"next", "song"}, music.VerbSkip},
	{[]string{"next", "track"}, music.VerbSkip},
	{[]string{"skip", "this", "song"}, music.VerbSkip},
	{[]string{"what's", "playing"}, music.VerbStatus},
	{[]string{"what", "is", "playing"}, music.VerbStatus},
	{[]string{"what", "song", "is", "this"}, music.VerbStatus},
}

// Router classifies final user transcripts. It is immutable and safe for
// concurrent use.
type Router struct {
	endPhrases [][]string
}

// NewRouter returns a Router ending conversations on endPhrases, or on
// [DefaultEndPhrases] when none are given.
func NewRouter(endPhrases []string) *Router {
	if len(endPhrases) == 0 {
		endPhrases = DefaultEndPhrases
	}
	r := &Router{}
	for _, p := range endPhrases {
		if words := strings.Fields(Normalize(p)); len(words) > 0 {
			r.endPhrases = append(r.endPhrases, words)
		}
	}
	return r
}

// Classify maps t to an intent. Only final user transcripts can yield
// anything but [IntentConversation].
//
// End phrases win over music commands, except where the end phrase is part
// of a longer music phrase: "stop" ends the conversation but "stop the music"
// stops the music, and "play goodbye yellow brick road" plays a song.
func (r *Router) Classify(t Transcript) Intent {
	if !t.Final || t.Role != RoleUser {
		return Intent{Kind: IntentConversation}
	}
	words := strings.Fields(Normalize(t.Text))
	if len(words) == 0 {
		return Intent{Kind: IntentConversation}
	}

	cmd, cover, isMusic := matchMusic(words)
	for _, phrase := range r.endPhrases {
		for _, at := range indexAll(words, phrase) {
			if isMusic && cover.contains(at, at+len(phrase)) && cover.len() > len(phrase) {
				continue
			}
			return Intent{Kind: IntentEnd, Phrase: strings.Join(phrase, " ")}
		}
	}
	if isMusic {
		return Intent{Kind: IntentMusic, Music: cmd, Phrase: strings.Join(words[cover.start:cover.end], " ")}
	}
	return Intent{Kind: IntentConversation}
}

type span struct{ start, end int }

func (s span) len() int { return s.end - s.start }

func (s span) contains(start, end int) bool { return s.start <= start && end <= s.end }

// matchMusic finds a music command in words and the span of words it
// covers.
func matchMusic(words []string) (music.Command, span, bool) {
	i := stripPrefixes(words)
	if i < len(words) {
		if verb, ok := leadingVerbs[words[i]]; ok {
			cmd := music.Command{Verb: verb}
			if verb == music.VerbPlay {
				cmd.Query = strings.Join(trimTrailing(words[i+1:]), " ")
			}
			return cmd, span{i, len(words)}, true
		}
		if i+1 < len(words) && words[i] == "put" && words[i+1] == "on" {
			cmd := music.Command{Verb: music.VerbPlay, Query: strings.Join(trimTrailing(words[i+2:]), " ")}
			return cmd, span{i, len(words)}, true
		}
	}
	for _, p := range musicPhrases {
		if at := indexAll(words, p.words); len(at) > 0 {
			return music.Command{Verb: p.verb}, span{at[0], at[0] + len(p.words)}, true
		}
	}
	return music.Command{}, span{}, false
}

// stripPrefixes returns the index of the first word after any polite
// prefixes.
func stripPrefixes(words []string) int {
	i := 0
	for {
		matched := false
		for _, p := range politePrefixes {
			if hasPrefixAt(words, i, p) {
				i += len(p)
				matched = true
				break
			}
		}
		if !matched {
			return i
		}
	}
}

func trimTrailing(words []string) []string {
	for len(words) > 0 && words[len(words)-1] == "please" {
		words = words[:len(words)-1]
	}
	return words
}

func hasPrefixAt(words []string, at int, phrase []string) bool {
	if at+len(phrase) > len(words) {
		return false
	}
	for j, w := range phrase {
		if words[at+j] != w {
			return false
		}
	}
	return true
}

// indexAll returns every index at which phrase occurs as whole words.
func indexAll(words, phrase []string) []int {
	var out []int
	for i := 0; i+len(phrase) <= len(words); i++ {
		if hasPrefixAt(words, i, phrase) {
			out = append(out, i)
		}
	}
	return out
}

// Normalize lower-cases s, folds typographic quotes to ASCII, turns every
// punctuation mark except the apostrophe into a space and collapses runs of
// whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case '‘', '’', 'ʼ':
			r = '\''
		case '“', '”':
			r = '"'
		}
		if r != '\'' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			r = ' '
		}
		b.WriteRune(r)
	}
	words := strings.Fields(b.String())
	for i, w := range words {
		words[i] = strings.Trim(w, "'")
	}
	return strings.Join(strings.Fields(strings.Join(words, " ")), " ")
}
