package trigger

import (
	"context"
	"sync"

	id "heirloom/pkg/domain"
)

type dedupRef struct {
	userID   id.UserID
	dedupKey string
}

// InMemoryStore keeps triggers indexed by ID and by (user, dedup key).
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[id.TriggerID]*Trigger
	byDedup  map[dedupRef]id.TriggerID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[id.TriggerID]*Trigger),
		byDedup: make(map[dedupRef]id.TriggerID),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, t *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := dedupRef{userID: t.UserID, dedupKey: t.DedupKey}
	if _, exists := s.byDedup[ref]; exists {
		return ErrDuplicate
	}
	copied := *t
	s.byID[t.ID] = &copied
	s.byDedup[ref] = t.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, triggerID id.TriggerID) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[triggerID]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (s *InMemoryStore) GetByDedupKey(_ context.Context, userID id.UserID, dedupKey string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	triggerID, ok := s.byDedup[dedupRef{userID: userID, dedupKey: dedupKey}]
	if !ok {
		return nil, nil
	}
	copied := *s.byID[triggerID]
	return &copied, nil
}
