package music

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/wakeline/internal/observe"
)

// ErrQueueFull is returned by [Dispatcher.Submit] when the queue is at
// capacity.
var ErrQueueFull = errors.New("music: command queue full")

// commandTimeout bounds one command. Play may search a large library.
const commandTimeout = 15 * time.Second

// Dispatcher executes commands on a single worker so that callers on the
// realtime receive path never block. One Dispatcher serves one conversation.
type Dispatcher struct {
	ctrl    *Controller
	queue   chan Command
	metrics *observe.Metrics
}

// NewDispatcher returns a Dispatcher with room for size pending commands.
// A nil m uses [observe.DefaultMetrics].
func NewDispatcher(ctrl *Controller, size int, m *observe.Metrics) *Dispatcher {
	if size <= 0 {
		size = 4
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Dispatcher{ctrl: ctrl, queue: make(chan Command, size), metrics: m}
}

// Submit enqueues cmd without blocking.
func (d *Dispatcher) Submit(cmd Command) error {
	select {
	case d.queue <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run executes queued commands in submission order until ctx is done,
// passing each result to onResult. A command already executing when ctx ends
// runs to completion; queued ones are dropped.
func (d *Dispatcher) Run(ctx context.Context, onResult func(Result)) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				slog.Debug("dropping queued music commands", "count", n)
			}
			return nil
		case cmd := <-d.queue:
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
			res := d.ctrl.Execute(cctx, cmd)
			cancel()
			d.metrics.RecordMusicCommand(ctx, string(cmd.Verb), res.Success)
			if onResult != nil {
				onResult(res)
			}
		}
	}
}
