package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/phantom10111/heartrate/heart"
)

// readingStream fans every Reading out to two kinds of consumers: observer
// functions invoked synchronously on the publishing goroutine, and a bounded
// channel with overwrite-oldest semantics so a slow channel reader never
// stalls the notification path.
type readingStream struct {
	mu        sync.RWMutex
	observers []func(heart.Reading)

	ch      chan heart.Reading
	dropped atomic.Int64
}

func newReadingStream(capacity int) *readingStream {
	if capacity <= 0 {
		panic("readingStream: capacity must be > 0")
	}
	return &readingStream{ch: make(chan heart.Reading, capacity)}
}

// subscribe registers fn. Every published Reading reaches every observer.
func (s *readingStream) subscribe(fn func(heart.Reading)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// readings returns the buffered channel. It is never closed; consumers stop
// via their own context.
func (s *readingStream) readings() <-chan heart.Reading {
	return s.ch
}

// publish delivers r to all observers, then buffers it for channel readers,
// discarding the oldest entry if the buffer is full.
func (s *readingStream) publish(r heart.Reading) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(r)
	}

	select {
	case s.ch <- r:
		return
	default:
	}

	select {
	case <-s.ch: // drop oldest
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- r:
	default:
		// Lost a race against another publisher for the freed slot; the
		// reading is dropped rather than blocking the delivery path.
		s.dropped.Add(1)
	}
}

// droppedCount returns how many buffered readings were overwritten.
func (s *readingStream) droppedCount() int64 {
	return s.dropped.Load()
}
