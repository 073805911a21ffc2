package plan

import (
	"context"
	"sync"
	"time"

	id "heirloom/pkg/domain"
)

// InMemoryStore backs tests and local development.
type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[id.VersionID]*Version
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{byID: make(map[id.VersionID]*Version)}
}

func (s *InMemoryStore) Insert(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[v.ID] = clone(v)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, versionID id.VersionID) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byID[versionID]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

func (s *InMemoryStore) GetByProposal(_ context.Context, proposalID id.ProposalID) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.byID {
		if v.SourceProposalID != nil && *v.SourceProposalID == proposalID {
			return clone(v), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CurrentByUser(_ context.Context, userID id.UserID) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.byID {
		if v.UserID == userID && v.Status == StatusCurrent {
			return clone(v), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) MaxVersionNumber(_ context.Context, userID id.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, v := range s.byID {
		if v.UserID == userID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, versionID id.VersionID, from, to Status, activatedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[versionID]
	if !ok || v.Status != from {
		return ErrStale
	}
	v.Status = to
	if activatedAt != nil {
		t := *activatedAt
		v.ActivatedAt = &t
	}
	return nil
}

func (s *InMemoryStore) ListDrafts(_ context.Context) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Version
	for _, v := range s.byID {
		if v.Status == StatusDraft {
			out = append(out, *clone(v))
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteDraft(_ context.Context, versionID id.VersionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.byID[versionID]
	if !ok {
		return nil
	}
	if v.Status != StatusDraft {
		return ErrStale
	}
	delete(s.byID, versionID)
	return nil
}

func clone(v *Version) *Version {
	out := *v
	if v.SourceProposalID != nil {
		p := *v.SourceProposalID
		out.SourceProposalID = &p
	}
	if v.AnswersSnapshot != nil {
		out.AnswersSnapshot = make(map[string]any, len(v.AnswersSnapshot))
		for k, val := range v.AnswersSnapshot {
			out.AnswersSnapshot[k] = val
		}
	}
	if v.Artifacts != nil {
		out.Artifacts = make(map[id.DocType]Artifact, len(v.Artifacts))
		for k, a := range v.Artifacts {
			out.Artifacts[k] = a
		}
	}
	if v.ActivatedAt != nil {
		t := *v.ActivatedAt
		out.ActivatedAt = &t
	}
	return &out
}
