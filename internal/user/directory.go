// Package user exposes the slice of the external identity system the
// live-plan engine reads: jurisdiction, enabled document types, and the
// current questionnaire answers. The engine never writes users.
package user

import (
	"context"
	"sync"

	id "heirloom/pkg/domain"
)

// Profile is the read model of one user.
type Profile struct {
	UserID          id.UserID
	Jurisdiction    id.StateCode
	EnabledDocTypes []id.DocType
	Answers         map[string]any
}

// HasDocType reports whether the user has enabled a document category.
func (p *Profile) HasDocType(docType id.DocType) bool {
	for _, d := range p.EnabledDocTypes {
		if d == docType {
			return true
		}
	}
	return false
}

// Directory is the port to the external user system.
type Directory interface {
	// GetProfile returns a user's profile, or nil when unknown.
	GetProfile(ctx context.Context, userID id.UserID) (*Profile, error)

	// ListUserIDs returns every known user, for the periodic sweeps.
	ListUserIDs(ctx context.Context) ([]id.UserID, error)
}

// InMemoryDirectory backs tests and local development.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[id.UserID]*Profile
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{profiles: make(map[id.UserID]*Profile)}
}

// Put registers or replaces a profile.
func (d *InMemoryDirectory) Put(profile *Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *profile
	d.profiles[profile.UserID] = &copied
}

func (d *InMemoryDirectory) GetProfile(_ context.Context, userID id.UserID) (*Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[userID]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (d *InMemoryDirectory) ListUserIDs(_ context.Context) ([]id.UserID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]id.UserID, 0, len(d.profiles))
	for userID := range d.profiles {
		out = append(out, userID)
	}
	return out, nil
}
