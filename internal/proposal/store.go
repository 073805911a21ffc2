package proposal

import (
	"context"
	"errors"
	"time"

	id "heirloom/pkg/domain"
)

// ErrStale is returned by Update when the stored state no longer matches
// the expected one. Callers retry once and then surface a conflict.
var ErrStale = errors.New("proposal state changed concurrently")

// Store persists proposals.
type Store interface {
	Insert(ctx context.Context, p *Proposal) error

	// Get returns a proposal by ID, or nil.
	Get(ctx context.Context, proposalID id.ProposalID) (*Proposal, error)

	// Update overwrites a proposal iff its stored state equals
	// expectedState; otherwise ErrStale.
	Update(ctx context.Context, p *Proposal, expectedState State) error

	// ListByUser returns a user's proposals, newest first. An empty state
	// filter returns everything.
	ListByUser(ctx context.Context, userID id.UserID, states []State) ([]Proposal, error)

	// FindPendingMatch returns the user's pending proposal whose
	// (affected doc types, trigger subkind) equal the candidate's, or nil.
	FindPendingMatch(ctx context.Context, userID id.UserID, subkind string, docTypes []id.DocType) (*Proposal, error)

	// LastCreatedAt returns when the user's newest proposal was created,
	// or nil when they have none.
	LastCreatedAt(ctx context.Context, userID id.UserID) (*time.Time, error)

	// ListExpiredPending returns pending proposals across all users whose
	// deadline passed before now.
	ListExpiredPending(ctx context.Context, now time.Time) ([]Proposal, error)
}
