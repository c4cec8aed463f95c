package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemorySender collects sent payloads in process. Tests use it to inspect
// what the orchestrator enqueued and to feed handlers directly.
type MemorySender struct {
	mu       sync.Mutex
	streams  map[string][]Message
	nextID   int
	failNext error
}

func NewMemorySender() *MemorySender {
	return &MemorySender{streams: make(map[string][]Message)}
}

// FailNext makes the next Send call return err once.
func (s *MemorySender) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemorySender) Send(_ context.Context, stream string, payloads [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	for _, payload := range payloads {
		s.nextID++
		s.streams[stream] = append(s.streams[stream], Message{
			ID:   fmt.Sprintf("%d-0", s.nextID),
			Body: payload,
		})
	}
	return nil
}

// Messages returns everything sent to a stream so far.
func (s *MemorySender) Messages(stream string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.streams[stream]))
	copy(out, s.streams[stream])
	return out
}
