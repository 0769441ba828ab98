package generation

import (
	"context"
	"sync"
)

type EventKind int

const (
	// EventText carries an incremental text delta.
	EventText EventKind = iota
	// EventPart carries a complete binary part (image, video) with its mime
	// type.
	EventPart
)

type Event struct {
	Kind EventKind
	Text string
	Part *Part
}

type Part struct {
	MimeType string
	Data     []byte
}

// Result is the final outcome of a finished (or cancelled) stream.
type Result struct {
	Text  string
	Parts []Part
	Usage Usage
}

// Stream is the producer/consumer seam between a Generator implementation
// and the engine. The producer pushes events and calls Finish exactly once;
// consumers drain Events until it closes, then read Result.
type Stream struct {
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	emitters sync.WaitGroup
	finished bool
	result   Result
	err      error
}

func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

// Emit pushes an event from the producer side. Returns false once the stream
// has finished; producers should stop on false.
func (s *Stream) Emit(ev Event) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	// Registers this emit before releasing the lock so Finish cannot close
	// the events channel underneath a blocked send.
	s.emitters.Add(1)
	s.mu.Unlock()
	defer s.emitters.Done()

	select {
	case <-s.done:
		return false
	case s.events <- ev:
		return true
	}
}

// Finish completes the stream with a final result or error, closing the
// events channel once in-flight emits have drained. Safe to call once; later
// calls are ignored.
func (s *Stream) Finish(result Result, err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.result = result
	s.err = err
	s.mu.Unlock()

	close(s.done)
	s.emitters.Wait()
	close(s.events)
}

// Result blocks until the stream finishes or ctx is cancelled.
func (s *Stream) Result(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.err
	}
}
