// Package stream provides a single-producer, single-consumer event queue
// with a typed final result. It decouples a streaming producer (an LLM
// response, an agent run) from its consumer: the producer pushes events
// without blocking, the consumer drains them at its own pace, and the final
// value is available as soon as a terminal event arrives, without requiring
// the consumer to drain everything first.
package stream

import "sync"

// Stream is an unbounded event queue of T yielding a final result R.
//
// A stream ends when an event satisfying isTerminal is pushed, or when End
// is called. After that, Push is a no-op, Result unblocks, and Events is
// closed once the remaining buffered events have been delivered.
//
// Exactly one goroutine may consume Events. Any number of Push calls may
// race with each other, but streams are built for one logical producer.
type Stream[T, R any] struct {
	isTerminal func(T) bool
	extract    func(T) R

	mu    sync.Mutex
	buf   []T
	ended bool
	res   R

	wake chan struct{}
	done chan struct{}
	out  chan T
}

// New creates a stream. isTerminal reports whether an event ends the stream;
// extract pulls the final result out of that event. Either may be nil, in
// which case the stream only ends via End.
func New[T, R any](isTerminal func(T) bool, extract func(T) R) *Stream[T, R] {
	s := &Stream[T, R]{
		isTerminal: isTerminal,
		extract:    extract,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		out:        make(chan T),
	}
	go s.pump()
	return s
}

// Push enqueues an event. It never blocks. Pushing to an ended stream is a
// no-op. If the event is terminal it is still delivered to the consumer,
// and the stream ends immediately after it.
func (s *Stream[T, R]) Push(ev T) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	if s.isTerminal != nil && s.isTerminal(ev) {
		if s.extract != nil {
			s.res = s.extract(ev)
		}
		s.ended = true
		close(s.done)
	}
	s.mu.Unlock()
	s.signal()
}

// End forces the stream into the ended state. An optional result resolves
// Result; without one, Result yields the zero value (or whatever a prior
// terminal event extracted). Ending an ended stream is a no-op.
func (s *Stream[T, R]) End(result ...R) {
	s.mu.Lock()
	if !s.ended {
		if len(result) > 0 {
			s.res = result[0]
		}
		s.ended = true
		close(s.done)
	}
	s.mu.Unlock()
	s.signal()
}

// Events returns the consumer side of the stream. The channel is closed
// after the stream has ended and all buffered events were delivered.
func (s *Stream[T, R]) Events() <-chan T {
	return s.out
}

// Result blocks until the stream has ended and returns the extracted result.
// It does not require the consumer to drain Events.
func (s *Stream[T, R]) Result() R {
	<-s.done
	return s.res
}

// Done is closed when the stream has ended. Useful in select loops.
func (s *Stream[T, R]) Done() <-chan struct{} {
	return s.done
}

func (s *Stream[T, R]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves buffered events to the consumer. It runs on its own goroutine
// so Push stays non-blocking regardless of consumer pace.
func (s *Stream[T, R]) pump() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			if s.ended {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()
		s.out <- ev
	}
}
