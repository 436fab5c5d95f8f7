package order

import (
	"context"
	"log"
	"sync"
	"time"
)

// IDSequence hands out broker order ids. The broker announces the next valid id
// asynchronously, so Reserve polls until one is known.
type IDSequence struct {
	mu        sync.Mutex
	next      int64
	known     bool
	requested bool

	interval time.Duration
	request  func() error
}

// NewIDSequence creates a sequence. request asks the broker to announce the next id.
func NewIDSequence(interval time.Duration, request func() error) *IDSequence {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &IDSequence{interval: interval, request: request}
}

// Set records the broker's next valid id. Ids never move backwards.
func (s *IDSequence) Set(next int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known || next > s.next {
		s.next = next
	}
	s.known = true
	s.requested = false
}

// Known reports whether an id has been announced.
func (s *IDSequence) Known() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known
}

// Reserve takes n consecutive ids and returns the first. It polls until the broker has
// announced an id or ctx ends.
func (s *IDSequence) Reserve(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		n = 1
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if s.known {
			id := s.next
			s.next += int64(n)
			s.mu.Unlock()
			return id, nil
		}
		ask := !s.requested
		s.requested = true
		s.mu.Unlock()

		if ask && s.request != nil {
			if err := s.request(); err != nil {
				log.Printf("order: request next id: %v", err)
				s.mu.Lock()
				s.requested = false
				s.mu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
