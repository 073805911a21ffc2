package proposal

import (
	"context"
	"sort"
	"sync"
	"time"

	id "heirloom/pkg/domain"
)

// InMemoryStore keeps proposals per user.
type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[id.ProposalID]*Proposal
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[id.ProposalID]*Proposal)}
}

func clone(p *Proposal) *Proposal {
	copied := *p
	copied.AffectedDocTypes = append([]id.DocType(nil), p.AffectedDocTypes...)
	copied.RequiredChanges = append([]RequiredChange(nil), p.RequiredChanges...)
	copied.LegalBasis = append([]string(nil), p.LegalBasis...)
	return &copied
}

func (s *InMemoryStore) Insert(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = clone(p)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, proposalID id.ProposalID) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[proposalID]
	if !ok {
		return nil, nil
	}
	return clone(p), nil
}

func (s *InMemoryStore) Update(_ context.Context, p *Proposal, expectedState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[p.ID]
	if !ok || stored.State != expectedState {
		return ErrStale
	}
	s.byID[p.ID] = clone(p)
	return nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID id.UserID, states []State) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Proposal
	for _, p := range s.byID {
		if p.UserID != userID {
			continue
		}
		if len(states) > 0 && !containsState(states, p.State) {
			continue
		}
		out = append(out, *clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) FindPendingMatch(_ context.Context, userID id.UserID, subkind string, docTypes []id.DocType) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	normalized := NormalizeDocTypes(docTypes)
	for _, p := range s.byID {
		if p.UserID == userID && p.State == StatePending &&
			p.TriggerSubkind == subkind && DocTypesEqual(p.AffectedDocTypes, normalized) {
			return clone(p), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) LastCreatedAt(_ context.Context, userID id.UserID) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, p := range s.byID {
		if p.UserID != userID {
			continue
		}
		if latest == nil || p.CreatedAt.After(*latest) {
			t := p.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListExpiredPending(_ context.Context, now time.Time) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Proposal
	for _, p := range s.byID {
		if p.State == StatePending && p.Deadline != nil && p.Deadline.Before(now) {
			out = append(out, *clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func containsState(states []State, state State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
