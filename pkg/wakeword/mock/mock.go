// Package mock provides a scripted implementation of [wakeword.Engine] for
// unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/wakeline/pkg/audio"
	"github.com/MrWong99/wakeline/pkg/wakeword"
)

var _ wakeword.Engine = (*Engine)(nil)

// Engine is a mock [wakeword.Engine].
//
// By default it never detects anything. Set DetectAfter to report a detection
// of DetectIndex once that many frames have been processed since the last
// Reset, or set Detect for full control.
type Engine struct {
	// KeywordsResult is returned by Keywords.
	KeywordsResult []wakeword.Keyword

	// Rate and Length are returned by SampleRate and FrameLength. They
	// default to 16000 and 512.
	Rate   int
	Length int

	// DetectAfter, when > 0, triggers a detection on the Nth frame after
	// each Reset.
	DetectAfter int

	// DetectIndex is the keyword index reported by DetectAfter.
	DetectIndex int

	// Detect, when set, overrides DetectAfter.
	Detect func(f audio.Frame) (int, bool, error)

	// ProcessErr is returned by Process when non-nil.
	ProcessErr error

	mu        sync.Mutex
	processed int
	sinceRst  int
	resets    int
	closes    int
}

// Process implements [wakeword.Engine].
func (e *Engine) Process(f audio.Frame) (int, bool, error) {
	e.mu.Lock()
	e.processed++
	e.sinceRst++
	n := e.sinceRst
	detect := e.Detect
	e.mu.Unlock()

	if e.ProcessErr != nil {
		return 0, false, e.ProcessErr
	}
	if detect != nil {
		return detect(f)
	}
	if e.DetectAfter > 0 && n == e.DetectAfter {
		return e.DetectIndex, true, nil
	}
	return 0, false, nil
}

// SampleRate implements [wakeword.Engine].
func (e *Engine) SampleRate() int {
	if e.Rate == 0 {
		return 16000
	}
	return e.Rate
}

// FrameLength implements [wakeword.Engine].
func (e *Engine) FrameLength() int {
	if e.Length == 0 {
		return 512
	}
	return e.Length
}

// Keywords implements [wakeword.Engine].
func (e *Engine) Keywords() []wakeword.Keyword { return e.KeywordsResult }

// Reset implements [wakeword.Engine].
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.sinceRst = 0
}

// Close implements [wakeword.Engine].
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

// Processed returns the total number of frames processed.
func (e *Engine) Processed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed
}

// Resets returns how many times Reset was called.
func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}
