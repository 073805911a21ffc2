package rules

import (
	"context"
	"sort"
	"sync"

	id "heirloom/pkg/domain"
)

// InMemoryStore keeps every revision per key, newest last.
type InMemoryStore struct {
	mu        sync.RWMutex
	revisions map[Key][]Rule
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{revisions: make(map[Key][]Rule)}
}

func (s *InMemoryStore) GetCurrent(_ context.Context, key Key) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	revs := s.revisions[key]
	if len(revs) == 0 {
		return nil, nil
	}
	rule := revs[len(revs)-1]
	return &rule, nil
}

func (s *InMemoryStore) GetRevision(_ context.Context, key Key, revisionID int64) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rev := range s.revisions[key] {
		if rev.RevisionID == revisionID {
			rule := rev
			return &rule, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) Insert(_ context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revisions[rule.Key] = append(s.revisions[rule.Key], *rule)
	return nil
}

func (s *InMemoryStore) ListCurrentByState(_ context.Context, state id.StateCode) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for key, revs := range s.revisions {
		if key.State == state && len(revs) > 0 {
			out = append(out, revs[len(revs)-1])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.DocType < out[j].Key.DocType
	})
	return out, nil
}
