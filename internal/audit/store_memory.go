package audit

import (
	"context"
	"sync"
	"time"

	id "heirloom/pkg/domain"
)

// InMemoryStore keeps audit entries per user. Entries are copied on read so
// callers cannot mutate history.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[id.UserID][]Entry
	nextID  map[id.UserID]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[id.UserID][]Entry),
		nextID:  make(map[id.UserID]int64),
	}
}

func (s *InMemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID[entry.UserID]++
	entry.EntryID = s.nextID[entry.UserID]
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	s.entries[entry.UserID] = append(s.entries[entry.UserID], *entry)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, userID id.UserID, q Query) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries[userID] {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) LastBySubject(_ context.Context, userID id.UserID, action Action, subject SubjectRef) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userEntries := s.entries[userID]
	for i := len(userEntries) - 1; i >= 0; i-- {
		e := userEntries[i]
		if e.Action == action && e.Subject == subject {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}
