package trainer

import (
	"context"
	"iter"
)

// Stream is a pull-style view of a run. At most one event is in flight: the
// run advances only when Next is called.
type Stream struct {
	next func() (Event, bool)
	stop func()
}

// NewStream pulls events from seq.
func NewStream(seq iter.Seq[Event]) *Stream {
	next, stop := iter.Pull(seq)
	return &Stream{next: next, stop: stop}
}

// Stream starts req and returns its events as a Stream.
func (e *Engine) Stream(ctx context.Context, req Request) *Stream {
	return NewStream(e.Run(ctx, req))
}

// Next returns the next event. It returns false once the terminal event has
// been delivered or the stream was closed.
func (s *Stream) Next() (Event, bool) {
	return s.next()
}

// Close abandons the run. It is safe to call more than once and after the
// stream is exhausted.
func (s *Stream) Close() {
	s.stop()
}
