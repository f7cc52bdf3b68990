package evidence

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable is the failure injected by MemoryStore.
var ErrUnavailable = errors.New("evidence store unavailable")

// MemoryStore keeps evidence in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
	latency time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

// SetFailing makes every Put fail.
func (s *MemoryStore) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// SetLatency delays every Put, honouring ctx.
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, key string) (string, error) {
	s.mu.Lock()
	latency, fail := s.latency, s.fail
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(latency):
		}
	}
	if fail {
		return "", ErrUnavailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return s.LocatorFor(key), nil
}

func (s *MemoryStore) LocatorFor(key string) string {
	return "memory://" + key
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Len is the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
