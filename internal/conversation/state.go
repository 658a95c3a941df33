package conversation

import (
	"github.com/MrWong99/wakeline/pkg/transport"
)

// TurnState is who holds the floor in a live conversation.
type TurnState int

const (
	// Idle means nobody is speaking; the assistant may start a response.
	Idle TurnState = iota

	// UserSpeaking means the user holds the floor.
	UserSpeaking

	// AssistantSpeaking means a response is being played back.
	AssistantSpeaking

	// AssistantSpeakingInterrupted is the transient state while a barge-in
	// stops playback and cancels the response.
	AssistantSpeakingInterrupted

	// Terminated is final; the conversation is over.
	Terminated
)

// String returns the state name used in logs.
func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case AssistantSpeaking:
		return "assistant_speaking"
	case AssistantSpeakingInterrupted:
		return "assistant_speaking_interrupted"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the turn state. The machine publishes a
// new Snapshot on every transition; readers never see a partial update.
type Snapshot struct {
	State TurnState

	// Handle is the live response, empty when no response is playing.
	Handle transport.ResponseID

	// Version increases with every published snapshot.
	Version uint64
}

// Plays reports whether audio of response h may be written to the sink.
func (s Snapshot) Plays(h transport.ResponseID) bool {
	return s.State == AssistantSpeaking && h != "" && s.Handle == h
}

// retiredSet remembers recently finished or cancelled responses so late
// deliveries for them are dropped. It keeps at most cap entries, evicting the
// oldest. Not safe for concurrent use.
type retiredSet struct {
	cap   int
	order []transport.ResponseID
	set   map[transport.ResponseID]struct{}
}

func newRetiredSet(capacity int) *retiredSet {
	return &retiredSet{cap: capacity, set: make(map[transport.ResponseID]struct{}, capacity)}
}

func (r *retiredSet) add(h transport.ResponseID) {
	if h == "" {
		return
	}
	if _, ok := r.set[h]; ok {
		return
	}
	if len(r.order) == r.cap {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
	r.order = append(r.order, h)
	r.set[h] = struct{}{}
}

func (r *retiredSet) has(h transport.ResponseID) bool {
	_, ok := r.set[h]
	return ok
}
