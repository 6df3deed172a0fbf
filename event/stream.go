package event

import (
	"errors"
	"sync"
	"time"
)

var ErrStreamClosed = errors.New("cannot notify closed stream")

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

// ChannelStream hands selected events to a consumer over a buffered channel,
// typically a UI loop that applies them on its own goroutine.
type ChannelStream[E, M any] struct {
	sync.Mutex

	id string

	closed   bool
	ch       chan M
	selector func(E) (M, bool)
}

func NewChannelStream[E, M any](
	id string,
	bufferSize int,
	selector func(event E) (M, bool),
) *ChannelStream[E, M] {
	return &ChannelStream[E, M]{
		id:       id,
		ch:       make(chan M, bufferSize),
		selector: selector,
	}
}

func (s *ChannelStream[E, M]) ID() string {
	return s.id
}

// Notify forwards the event if the selector accepts it. A consumer that does
// not drain the channel within timeout gets the stream closed on it.
func (s *ChannelStream[E, M]) Notify(event E, timeout time.Duration) error {
	msg, ok := s.selector(event)
	if !ok {
		return nil
	}

	s.Lock()
	if s.closed {
		s.Unlock()
		return ErrStreamClosed
	}

	select {
	case s.ch <- msg:
	case <-time.After(timeout):
		s.closed = true
		close(s.ch)
		s.Unlock()
		return errors.New("timed out sending message to stream channel")
	}

	s.Unlock()
	return nil
}

func (s *ChannelStream[E, M]) Channel() <-chan M {
	return s.ch
}

func (s *ChannelStream[E, M]) Close() {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

// StreamHandler adapts a Stream into a bus Handler. Events the stream fails
// to accept are passed to onError, which may be nil.
func StreamHandler[Key, E any](stream Stream[E], timeout time.Duration, onError func(Key, error)) Handler[Key, E] {
	return HandlerFunc[Key, E](func(key Key, e E) {
		if err := stream.Notify(e, timeout); err != nil && onError != nil {
			onError(key, err)
		}
	})
}
