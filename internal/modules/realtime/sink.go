// README: Subscriber sinks; delivery never blocks the publisher.
package realtime

import "sync/atomic"

type Sink interface {
	// Deliver hands the event over without blocking. It reports false when
	// the event was dropped.
	Deliver(e Event) bool
}

// ChanSink buffers events for one connection (SSE or WebSocket).
type ChanSink struct {
	ch      chan Event
	dropped atomic.Uint64
}

func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Deliver(e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Dropped() uint64 { return s.dropped.Load() }
