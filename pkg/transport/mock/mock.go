// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Channel] for unit tests.
//
// A [Channel] records every event sent to it and lets the test inject server
// events, fail the connection, or make sends fail. Set OnSend to script
// request/response exchanges such as the configure → configured handshake:
//
//	ch := mock.NewChannel()
//	ch.OnSend = func(ch *mock.Channel, ev transport.ClientEvent) error {
//	    if ev.Type == transport.ClientSessionConfigure {
//	        ch.Inject(transport.ServerEvent{Type: transport.ServerSessionConfigured})
//	    }
//	    return nil
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wakeline/pkg/transport"
)

var (
	_ transport.Channel = (*Channel)(nil)
	_ transport.Dialer  = (*Dialer)(nil)
)

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock [transport.Channel].
type Channel struct {
	// OnSend, if set, runs for every Send after the event is recorded. A
	// non-nil return value is returned from Send.
	OnSend func(ch *Channel, ev transport.ClientEvent) error

	events chan transport.ServerEvent
	done   chan struct{}

	mu        sync.Mutex
	sent      []transport.ClientEvent
	sendFails map[transport.ClientEventType]int
	sendErr   error
	err       error
	closed    bool
	closes    int
	finished  bool
}

// NewChannel returns an open Channel with a buffered event queue.
func NewChannel() *Channel {
	return &Channel{
		events:    make(chan transport.ServerEvent, 256),
		done:      make(chan struct{}),
		sendFails: make(map[transport.ClientEventType]int),
	}
}

// FailSends makes the next n sends of type typ fail with err.
func (c *Channel) FailSends(typ transport.ClientEventType, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendFails[typ] = n
	c.sendErr = err
}

// Send implements [transport.Channel].
func (c *Channel) Send(ctx context.Context, ev transport.ClientEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if n := c.sendFails[ev.Type]; n > 0 {
		c.sendFails[ev.Type] = n - 1
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, ev)
	hook := c.OnSend
	c.mu.Unlock()

	if hook != nil {
		return hook(c, ev)
	}
	return nil
}

// Inject queues a server event for delivery. It is a no-op once the channel
// has terminated.
func (c *Channel) Inject(ev transport.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.events <- ev
}

// Fail terminates the channel as if the remote end dropped it. Err returns
// err afterwards.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.err = err
	c.finishLocked()
}

func (c *Channel) finishLocked() {
	c.finished = true
	close(c.events)
	close(c.done)
}

// Events implements [transport.Channel].
func (c *Channel) Events() <-chan transport.ServerEvent { return c.events }

// Done implements [transport.Channel].
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err implements [transport.Channel].
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [transport.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.finished {
		c.finishLocked()
	}
	return nil
}

// Sent returns a copy of all recorded events, in order.
func (c *Channel) Sent() []transport.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.ClientEvent(nil), c.sent...)
}

// SentOfType returns the recorded events with the given type, in order.
func (c *Channel) SentOfType(typ transport.ClientEventType) []transport.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.ClientEvent
	for _, ev := range c.sent {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Closes returns how many times Close was called.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// AutoAck is an OnSend hook that answers session.configure with
// session.configured.
func AutoAck(ch *Channel, ev transport.ClientEvent) error {
	if ev.Type == transport.ClientSessionConfigure {
		ch.Inject(transport.ServerEvent{Type: transport.ServerSessionConfigured})
	}
	return nil
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialResult is one scripted outcome of [Dialer.Dial].
type DialResult struct {
	Channel *Channel
	Err     error
}

// Dialer is a mock [transport.Dialer]. Each Dial consumes the next entry of
// Results; once exhausted, Dial returns a fresh auto-acknowledging Channel.
type Dialer struct {
	mu       sync.Mutex
	Results  []DialResult
	dials    int
	channels []*Channel
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	var r DialResult
	if len(d.Results) > 0 {
		r = d.Results[0]
		d.Results = d.Results[1:]
	} else {
		r.Channel = NewChannel()
		r.Channel.OnSend = AutoAck
	}
	if r.Err != nil {
		return nil, r.Err
	}
	d.channels = append(d.channels, r.Channel)
	return r.Channel, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Channels returns the channels handed out so far, in order.
func (d *Dialer) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Channel(nil), d.channels...)
}
