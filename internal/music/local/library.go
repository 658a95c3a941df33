package local

import (
	"cmp"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/wakeline/internal/music"
)

// minScore is the lowest search score that counts as a match.
const minScore = 0.6

// tokenMatch is the Jaro-Winkler similarity at which two words are treated
// as the same word.
const tokenMatch = 0.88

// fillers are dropped from queries before matching ("play me some jazz").
var fillers = map[string]bool{
	"a": true, "an": true, "the": true, "some": true, "me": true, "my": true,
	"song": true, "songs": true, "music": true, "track": true, "tracks": true,
	"by": true, "something": true, "please": true, "for": true,
}

// Entry is one playable file.
type Entry struct {
	Path  string
	Track music.Track

	// words are the normalised search terms: title, artist and the folder
	// names between the library root and the file.
	words []string
}

// Library is an immutable index of audio files.
type Library struct {
	entries []Entry
}

// Scan indexes every .mp3 and .wav file below root. File names of the form
// "Artist - Title.ext" set the artist; folder names become search terms so
// "jazz/So What.mp3" matches "play some jazz".
func Scan(root string) (*Library, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !supported(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, newEntry(path, rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("music: scan %q: %w", root, err)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.Path, b.Path) })
	return &Library{entries: entries}, nil
}

// NewLibrary builds a library from relative paths. Used by tests.
func NewLibrary(root string, rel ...string) *Library {
	lib := &Library{}
	for _, r := range rel {
		lib.entries = append(lib.entries, newEntry(filepath.Join(root, r), r))
	}
	return lib
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav":
		return true
	}
	return false
}

func newEntry(path, rel string) Entry {
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	tr := music.Track{Title: strings.TrimSpace(base)}
	if artist, title, ok := strings.Cut(base, " - "); ok {
		tr = music.Track{Title: strings.TrimSpace(title), Artist: strings.TrimSpace(artist)}
	}
	words := tokenize(tr.Title + " " + tr.Artist)
	if dir := filepath.Dir(rel); dir != "." {
		for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
			words = append(words, tokenize(part)...)
		}
	}
	return Entry{Path: path, Track: tr, words: words}
}

// Len returns the number of indexed files.
func (l *Library) Len() int { return len(l.entries) }

// Search returns the entries matching query, best first. A query that is
// empty after dropping filler words matches the whole library.
func (l *Library) Search(query string) []Entry {
	terms := make([]string, 0, 4)
	for _, w := range tokenize(query) {
		if !fillers[w] {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		return slices.Clone(l.entries)
	}

	type scored struct {
		Entry
		score float64
	}
	var hits []scored
	for _, e := range l.entries {
		if s := score(terms, e); s >= minScore {
			hits = append(hits, scored{e, s})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.Entry
	}
	return out
}

// score is the mean over query terms of each term's best word similarity.
// A close whole-phrase match against the title also counts.
func score(terms []string, e Entry) float64 {
	if len(e.words) == 0 {
		return 0
	}
	var sum float64
	for _, t := range terms {
		var best float64
		for _, w := range e.words {
			if s := matchr.JaroWinkler(t, w, false); s > best {
				best = s
			}
		}
		if best < tokenMatch {
			best = 0
		}
		sum += best
	}
	termScore := sum / float64(len(terms))
	phrase := matchr.JaroWinkler(strings.Join(terms, " "), strings.Join(tokenize(e.Track.Title), " "), false)
	if phrase >= tokenMatch {
		return max(termScore, phrase)
	}
	return termScore
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
