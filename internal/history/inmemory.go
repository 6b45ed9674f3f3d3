package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCapacity = 50

// InMemoryStore keeps the newest records in process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &InMemoryStore{capacity: capacity}
}

func (s *InMemoryStore) Save(_ context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record = normalize(record, time.Now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]Record(nil), s.records[over:]...)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
