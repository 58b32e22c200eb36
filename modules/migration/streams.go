package migration

import (
	"context"
	"fmt"
	"sync"

	"message-highway/pkg/highway"
)

// ComponentEvent is one button click or menu pick on a watched message.
type ComponentEvent struct {
	Ref      highway.InteractionRef
	Invoker  highway.Actor
	CustomID string
	Values   []string
}

// Predicate selects which component events a stream receives.
type Predicate func(ComponentEvent) bool

// Streams routes component events to the sessions waiting on them.
//
// Each stream is keyed by a message id and a predicate, so concurrent sessions
// never consume each other's clicks. Streams are removed when closed or when
// their message is deleted.
type Streams struct {
	mu        sync.Mutex
	byMessage map[string][]*Stream
}

// NewStreams creates an empty stream registry.
func NewStreams() *Streams {
	return &Streams{byMessage: make(map[string][]*Stream)}
}

// Watch opens a stream of component events on messageID that satisfy match.
func (r *Streams) Watch(messageID string, match Predicate) *Stream {
	stream := &Stream{
		owner:     r,
		messageID: messageID,
		match:     match,
		notify:    make(chan struct{}, 1),
		ended:     make(chan struct{}),
	}

	r.mu.Lock()
	r.byMessage[messageID] = append(r.byMessage[messageID], stream)
	r.mu.Unlock()

	return stream
}

// Dispatch delivers event to every stream on messageID whose predicate
// matches. It reports whether any stream took the event.
func (r *Streams) Dispatch(messageID string, event ComponentEvent) bool {
	r.mu.Lock()
	candidates := append([]*Stream(nil), r.byMessage[messageID]...)
	r.mu.Unlock()

	delivered := false
	for _, stream := range candidates {
		if stream.match != nil && !stream.match(event) {
			continue
		}
		if stream.push(event) {
			delivered = true
		}
	}

	return delivered
}

// End terminates every stream watching one of messageIDs.
func (r *Streams) End(messageIDs ...string) {
	r.mu.Lock()
	var ended []*Stream
	for _, messageID := range messageIDs {
		ended = append(ended, r.byMessage[messageID]...)
		delete(r.byMessage, messageID)
	}
	r.mu.Unlock()

	for _, stream := range ended {
		stream.end()
	}
}

// Len returns the number of open streams.
func (r *Streams) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, streams := range r.byMessage {
		count += len(streams)
	}

	return count
}

func (r *Streams) remove(target *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streams := r.byMessage[target.messageID]
	for idx, stream := range streams {
		if stream != target {
			continue
		}
		streams = append(streams[:idx], streams[idx+1:]...)
		break
	}
	if len(streams) == 0 {
		delete(r.byMessage, target.messageID)
		return
	}
	r.byMessage[target.messageID] = streams
}

// Stream is an unbounded queue of component events for one session.
type Stream struct {
	owner     *Streams
	messageID string
	match     Predicate

	mu       sync.Mutex
	pending  []ComponentEvent
	notify   chan struct{}
	ended    chan struct{}
	endOnce  sync.Once
	isClosed bool
}

// Next waits for the next event. It returns highway.ErrStreamEnded once the
// watched message is gone and no events remain.
func (s *Stream) Next(ctx context.Context) (ComponentEvent, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return event, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.ended:
			s.mu.Lock()
			drained := len(s.pending) == 0
			s.mu.Unlock()
			if drained {
				return ComponentEvent{}, fmt.Errorf("stream on message %s: %w", s.messageID, highway.ErrStreamEnded)
			}
		case <-ctx.Done():
			return ComponentEvent{}, ctx.Err()
		}
	}
}

// Close unregisters the stream. Pending events are discarded.
func (s *Stream) Close() {
	s.owner.remove(s)
	s.end()
}

func (s *Stream) push(event ComponentEvent) bool {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return true
}

func (s *Stream) end() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.isClosed = true
		s.mu.Unlock()
		close(s.ended)
	})
}
