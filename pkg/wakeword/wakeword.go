// Package wakeword defines the interface for wake-phrase classifiers.
//
// An [Engine] consumes one fixed-size audio frame at a time and reports
// whether one of its configured keywords was heard. The acoustic model behind
// it is a black box to the rest of wakeline; implementations live in
// sub-packages (e.g. wakeword/whisper) and tests use wakeword/mock.
package wakeword

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/wakeline/pkg/audio"
)

// ErrNoKeywords is returned by [ValidateKeywords] when the keyword list is
// empty.
var ErrNoKeywords = errors.New("wakeword: at least one keyword is required")

// Keyword is a configured wake phrase.
type Keyword struct {
	// Phrase is the spoken trigger, e.g. "hey taco".
	Phrase string

	// Sensitivity in [0, 1]. Higher values detect more readily, trading
	// false negatives for false positives.
	Sensitivity float64
}

// Engine classifies audio frames.
//
// Engines are stateful (they may buffer audio across frames) and are not
// required to be safe for concurrent use; a single monitor goroutine owns one.
type Engine interface {
	// Process classifies one frame. detected is true when a keyword was
	// heard; index is then its position in Keywords().
	Process(f audio.Frame) (index int, detected bool, err error)

	// SampleRate is the capture rate the engine expects, in Hz.
	SampleRate() int

	// FrameLength is the number of samples per frame the engine expects.
	FrameLength() int

	// Keywords returns the configured keywords in index order.
	Keywords() []Keyword

	// Reset discards any buffered audio. Called before each activation.
	Reset()

	// Close releases model resources.
	Close() error
}

// ValidateKeywords checks that kws is non-empty, that every phrase is
// non-blank and that every sensitivity lies in [0, 1].
func ValidateKeywords(kws []Keyword) error {
	if len(kws) == 0 {
		return ErrNoKeywords
	}
	var errs []error
	for i, kw := range kws {
		if strings.TrimSpace(kw.Phrase) == "" {
			errs = append(errs, fmt.Errorf("wakeword: keyword[%d]: phrase is empty", i))
		}
		if kw.Sensitivity < 0 || kw.Sensitivity > 1 {
			errs = append(errs, fmt.Errorf("wakeword: keyword[%d] %q: sensitivity %v outside [0,1]", i, kw.Phrase, kw.Sensitivity))
		}
	}
	return errors.Join(errs...)
}
