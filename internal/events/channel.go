package events

import "sync/atomic"

// Channel delivers events over a buffered channel. When the buffer is full
// the event is dropped and counted rather than stalling the engine.
type Channel struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewChannel creates a channel emitter with the given buffer size
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{ch: make(chan Event, size)}
}

func (c *Channel) Emit(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive side of the channel
func (c *Channel) C() <-chan Event { return c.ch }

// Dropped reports how many events were discarded on a full buffer
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }
