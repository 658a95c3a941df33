package audio

import "time"

// Edge is a change in the local speech-activity state reported by
// [EnergyGate.Process].
type Edge int

const (
	// EdgeNone means the activity state did not change.
	EdgeNone Edge = iota

	// EdgeSpeechStart means sustained energy crossed the threshold.
	EdgeSpeechStart

	// EdgeSpeechStop means energy stayed below the threshold for the release
	// window.
	EdgeSpeechStop
)

// String returns the human-readable name of the edge.
func (e Edge) String() string {
	switch e {
	case EdgeNone:
		return "none"
	case EdgeSpeechStart:
		return "speech_start"
	case EdgeSpeechStop:
		return "speech_stop"
	default:
		return "unknown"
	}
}

// GateConfig tunes an [EnergyGate].
type GateConfig struct {
	// Threshold is the normalised RMS level (0–1) at or above which a frame
	// counts as voiced.
	Threshold float64

	// Attack is how much consecutive voiced audio is needed before
	// [EdgeSpeechStart] is reported. Zero reports on the first voiced frame.
	Attack time.Duration

	// Release is how much consecutive unvoiced audio is needed before
	// [EdgeSpeechStop] is reported.
	Release time.Duration
}

// EnergyGate is a debounced RMS voice-activity detector used for local
// barge-in detection. It is not safe for concurrent use; one goroutine owns it.
type EnergyGate struct {
	cfg    GateConfig
	active bool
	voiced time.Duration
	quiet  time.Duration
}

// NewEnergyGate returns a gate in the inactive state.
func NewEnergyGate(cfg GateConfig) *EnergyGate {
	return &EnergyGate{cfg: cfg}
}

// Process feeds one captured frame through the gate and reports whether the
// activity state changed.
func (g *EnergyGate) Process(f Frame) Edge {
	d := f.Duration()
	if RMS(f.Data) >= g.cfg.Threshold {
		g.quiet = 0
		g.voiced += d
		if !g.active && g.voiced >= g.cfg.Attack {
			g.active = true
			return EdgeSpeechStart
		}
		return EdgeNone
	}

	g.voiced = 0
	g.quiet += d
	if g.active && g.quiet >= g.cfg.Release {
		g.active = false
		return EdgeSpeechStop
	}
	return EdgeNone
}

// Active reports whether the gate currently considers the user to be speaking.
func (g *EnergyGate) Active() bool { return g.active }

// Reset returns the gate to the inactive state.
func (g *EnergyGate) Reset() {
	g.active = false
	g.voiced = 0
	g.quiet = 0
}
