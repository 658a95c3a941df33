package conversation

import (
	"context"
	"sync"
	"time"
)

// Timeouts ends a conversation after a period of silence or once it has
// run for too long. It is safe for concurrent use.
type Timeouts struct {
	silence time.Duration
	max     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	start time.Time
	last  time.Time
}

// NewTimeouts returns Timeouts started now. A zero duration disables the
// corresponding limit.
func NewTimeouts(silence, max time.Duration) *Timeouts {
	return newTimeouts(silence, max, time.Now)
}

func newTimeouts(silence, max time.Duration, now func() time.Time) *Timeouts {
	t := now()
	return &Timeouts{silence: silence, max: max, now: now, start: t, last: t}
}

// Touch records activity and returns the new activity time. Successive
// calls always return strictly increasing times, even when the clock has not
// advanced.
func (t *Timeouts) Touch() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !now.After(t.last) {
		now = t.last.Add(time.Nanosecond)
	}
	t.last = now
	return now
}

// LastActivity returns the time of the most recent Touch, or the start time.
func (t *Timeouts) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// StartedAt returns when the Timeouts were created.
func (t *Timeouts) StartedAt() time.Time { return t.start }

// Run blocks until ctx is done or a limit is reached. On the silence limit
// it cancels with [ErrSilenceTimeout], on the duration limit with
// [ErrMaxDuration].
func (t *Timeouts) Run(ctx context.Context, cancel context.CancelCauseFunc) error {
	var maxC <-chan time.Time
	if t.max > 0 {
		mt := time.NewTimer(t.max - t.now().Sub(t.start))
		defer mt.Stop()
		maxC = mt.C
	}

	var (
		silenceC <-chan time.Time
		st       *time.Timer
	)
	if t.silence > 0 {
		st = time.NewTimer(t.silence - t.now().Sub(t.LastActivity()))
		defer st.Stop()
		silenceC = st.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-maxC:
			cancel(ErrMaxDuration)
			return nil
		case <-silenceC:
			idle := t.now().Sub(t.LastActivity())
			if idle >= t.silence {
				cancel(ErrSilenceTimeout)
				return nil
			}
			st.Reset(t.silence - idle)
		}
	}
}
