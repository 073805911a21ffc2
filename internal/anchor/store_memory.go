package anchor

import (
	"context"
	"sort"
	"sync"

	id "heirloom/pkg/domain"
)

// InMemoryStore backs tests and local development.
type InMemoryStore struct {
	mu        sync.RWMutex
	byVersion map[id.VersionID]*Receipt
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{byVersion: make(map[id.VersionID]*Receipt)}
}

func (s *InMemoryStore) Insert(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byVersion[r.VersionID]; exists {
		return ErrDuplicate
	}
	s.byVersion[r.VersionID] = cloneReceipt(r)
	return nil
}

func (s *InMemoryStore) GetByVersion(_ context.Context, versionID id.VersionID) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byVersion[versionID]
	if !ok {
		return nil, nil
	}
	return cloneReceipt(r), nil
}

func (s *InMemoryStore) Update(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byVersion[r.VersionID]; !ok {
		return nil
	}
	s.byVersion[r.VersionID] = cloneReceipt(r)
	return nil
}

func (s *InMemoryStore) ListPending(_ context.Context) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Receipt
	for _, r := range s.byVersion {
		if r.Status == StatusPending {
			out = append(out, *cloneReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func cloneReceipt(r *Receipt) *Receipt {
	out := *r
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		out.ConfirmedAt = &t
	}
	return &out
}
